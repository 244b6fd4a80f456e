package retention_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-ai/mnemo/internal/adapterpool"
	"github.com/mnemo-ai/mnemo/internal/retention"
	"github.com/mnemo-ai/mnemo/internal/store"
	"github.com/mnemo-ai/mnemo/internal/store/memstore"
	"github.com/mnemo-ai/mnemo/pkg/index"
	"github.com/mnemo-ai/mnemo/pkg/index/memindex"
)

func newFixture(t *testing.T) (*memstore.Store, *memindex.Index, *adapterpool.Pool) {
	t.Helper()
	ctx := context.Background()

	ms := memstore.New()
	require.NoError(t, ms.CreateOwner(ctx, store.Owner{ID: "own-1", State: store.StateActive}))
	require.NoError(t, ms.CreateContext(ctx, store.Context{ID: "mk_a", OwnerID: "own-1", Active: true}))
	require.NoError(t, ms.CreateContext(ctx, store.Context{ID: "mk_b", OwnerID: "own-1", Active: true}))

	ix := memindex.New()
	pool := adapterpool.New(func(ctx context.Context, contextID string) (index.Adapter, error) {
		if err := ix.Ensure(ctx, contextID); err != nil {
			return nil, err
		}
		return ix, nil
	})
	t.Cleanup(func() { _ = pool.Close() })
	return ms, ix, pool
}

func addChunk(t *testing.T, ix *memindex.Index, contextID, id string, age time.Duration) {
	t.Helper()
	require.NoError(t, ix.Ensure(context.Background(), contextID))
	require.NoError(t, ix.Add(context.Background(), contextID, index.Item{
		ID:      id,
		Vector:  []float32{1, 0, 0},
		Content: "chunk " + id,
		Meta:    index.Meta{Session: "s", Role: "user", CreatedAt: time.Now().Add(-age)},
	}))
}

func countItems(t *testing.T, ix *memindex.Index, contextID string) int {
	t.Helper()
	var n int
	require.NoError(t, ix.ListItems(context.Background(), contextID, func(index.Item) error {
		n++
		return nil
	}))
	return n
}

func TestSweepOnce_DeletesOnlyExpired(t *testing.T) {
	ms, ix, pool := newFixture(t)

	addChunk(t, ix, "mk_a", "old-1", 100*24*time.Hour)
	addChunk(t, ix, "mk_a", "old-2", 91*24*time.Hour)
	addChunk(t, ix, "mk_a", "fresh", time.Hour)
	addChunk(t, ix, "mk_b", "old-3", 120*24*time.Hour)

	s := retention.New(ms, ms, pool, 90*24*time.Hour, "", nil)
	require.NoError(t, s.SweepOnce(context.Background()))

	assert.Equal(t, 1, countItems(t, ix, "mk_a"))
	assert.Equal(t, 0, countItems(t, ix, "mk_b"))

	var survivor string
	require.NoError(t, ix.ListItems(context.Background(), "mk_a", func(it index.Item) error {
		survivor = it.ID
		return nil
	}))
	assert.Equal(t, "fresh", survivor)
}

func TestSweepOnce_ZeroHorizonIsNoop(t *testing.T) {
	ms, ix, pool := newFixture(t)
	addChunk(t, ix, "mk_a", "ancient", 1000*24*time.Hour)

	s := retention.New(ms, ms, pool, 0, "", nil)
	require.NoError(t, s.SweepOnce(context.Background()))
	assert.Equal(t, 1, countItems(t, ix, "mk_a"))
}

func TestSweepOnce_LargeBacklogBatches(t *testing.T) {
	ms, ix, pool := newFixture(t)
	for i := 0; i < 1203; i++ {
		addChunk(t, ix, "mk_a", fmt.Sprintf("old-%d", i), 200*24*time.Hour)
	}

	s := retention.New(ms, ms, pool, 90*24*time.Hour, "", nil)
	require.NoError(t, s.SweepOnce(context.Background()))
	assert.Equal(t, 0, countItems(t, ix, "mk_a"))
}

func TestStartStop_BadSchedule(t *testing.T) {
	ms, _, pool := newFixture(t)

	s := retention.New(ms, ms, pool, time.Hour, "not a cron spec", nil)
	assert.Error(t, s.Start())

	ok := retention.New(ms, ms, pool, time.Hour, "", nil)
	require.NoError(t, ok.Start())
	ok.Stop()
}
