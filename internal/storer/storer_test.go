package storer_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-ai/mnemo/internal/store/memstore"
	"github.com/mnemo-ai/mnemo/internal/storer"
	"github.com/mnemo-ai/mnemo/pkg/index"
	"github.com/mnemo-ai/mnemo/pkg/index/memindex"
	"github.com/mnemo-ai/mnemo/pkg/provider/embeddings/mock"
	"github.com/mnemo-ai/mnemo/pkg/tokens"
)

func embedder() *mock.Provider {
	return &mock.Provider{
		EmbedFunc:       func(string) ([]float32, error) { return []float32{1, 0}, nil },
		DimensionsValue: 2,
		ModelIDValue:    "test-embed",
	}
}

func fixture(t *testing.T) (*storer.Storer, *memindex.Index, *memstore.Store) {
	t.Helper()
	ix := memindex.New()
	ms := memstore.New()
	require.NoError(t, ix.Ensure(context.Background(), "mk_a"))
	require.NoError(t, ms.TouchSession(context.Background(), "mk_a", "sess-1", time.Now()))
	s := storer.New(ix, embedder(), ms)
	return s, ix, ms
}

func contents(t *testing.T, ix *memindex.Index, cid string) []string {
	t.Helper()
	var out []string
	err := ix.ListItems(context.Background(), cid, func(it index.Item) error {
		out = append(out, it.Content)
		return nil
	})
	require.NoError(t, err)
	return out
}

func baseRequest() storer.Request {
	return storer.Request{
		ContextID: "mk_a",
		Session:   "sess-1",
		Model:     "claude-3-opus",
		Provider:  "anthropic",
		RequestID: "req-1",
		Messages: []storer.Message{
			{Role: "user", Content: "remember this", Memory: true},
		},
		AssistantOutput: "noted",
		StoreInput:      true,
		StoreResponse:   true,
	}
}

func TestStore_PersistsInputAndOutput(t *testing.T) {
	s, ix, ms := fixture(t)

	res, err := s.Store(context.Background(), baseRequest())
	require.NoError(t, err)

	assert.Equal(t, 2, res.StoredChunks)
	assert.Equal(t, int64(tokens.Estimate("remember this")), res.StoredInputTokens)
	assert.Equal(t, int64(tokens.Estimate("noted")), res.StoredOutputTokens)
	assert.Zero(t, res.EphemeralTokens)
	assert.ElementsMatch(t, []string{"remember this", "noted"}, contents(t, ix, "mk_a"))

	sess, err := ms.GetSession(context.Background(), "mk_a", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sess.ChunkCount)
	assert.Equal(t, res.StoredInputTokens+res.StoredOutputTokens, sess.TokenCount)
}

func TestStore_SkipsSystemMessages(t *testing.T) {
	s, ix, _ := fixture(t)
	req := baseRequest()
	req.Messages = append([]storer.Message{
		{Role: "system", Content: "you are helpful", Memory: true},
	}, req.Messages...)

	_, err := s.Store(context.Background(), req)
	require.NoError(t, err)
	for _, c := range contents(t, ix, "mk_a") {
		assert.NotContains(t, c, "you are helpful")
	}
}

func TestStore_EphemeralMessagesNeverPersisted(t *testing.T) {
	s, ix, _ := fixture(t)
	req := baseRequest()
	req.Messages = []storer.Message{
		{Role: "user", Content: "Here are reference docs: DOC-BODY", Memory: false},
		{Role: "user", Content: "Summarise them", Memory: true},
	}

	res, err := s.Store(context.Background(), req)
	require.NoError(t, err)

	for _, c := range contents(t, ix, "mk_a") {
		assert.NotContains(t, c, "DOC-BODY")
	}
	assert.Contains(t, contents(t, ix, "mk_a"), "Summarise them")
	assert.Equal(t, int64(tokens.Estimate("Here are reference docs: DOC-BODY")), res.EphemeralTokens)
}

func TestStore_FlagsDisableStorage(t *testing.T) {
	s, ix, _ := fixture(t)
	req := baseRequest()
	req.StoreInput = false
	req.StoreResponse = false

	res, err := s.Store(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, res.StoredChunks)
	assert.Zero(t, res.StoredInputTokens+res.StoredOutputTokens)
	assert.Empty(t, contents(t, ix, "mk_a"))
}

func TestStore_SkipsBlankOutput(t *testing.T) {
	s, _, _ := fixture(t)
	req := baseRequest()
	req.Messages = nil
	req.AssistantOutput = "   \n\t"

	res, err := s.Store(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, res.StoredChunks)
}

func TestStore_ChunkMetadata(t *testing.T) {
	s, ix, _ := fixture(t)
	_, err := s.Store(context.Background(), baseRequest())
	require.NoError(t, err)

	err = ix.ListItems(context.Background(), "mk_a", func(it index.Item) error {
		assert.Equal(t, "sess-1", it.Meta.Session)
		assert.Equal(t, "claude-3-opus", it.Meta.Model)
		assert.Equal(t, "anthropic", it.Meta.Provider)
		assert.Equal(t, "req-1", it.Meta.RequestID)
		assert.Equal(t, tokens.Estimate(it.Content), it.Meta.TokenCount)
		assert.Len(t, it.Meta.ContentHash, 64)
		return nil
	})
	require.NoError(t, err)
}

func TestSplitText_WithinLimitUnchanged(t *testing.T) {
	got := storer.SplitText("short text", 100)
	assert.Equal(t, []string{"short text"}, got)
}

func TestSplitText_ParagraphBoundaries(t *testing.T) {
	para := strings.Repeat("word ", 30) // ~38 tokens
	text := para + "\n\n" + para + "\n\n" + para

	got := storer.SplitText(text, 80)
	require.Greater(t, len(got), 1)
	for _, chunk := range got {
		assert.LessOrEqual(t, tokens.Estimate(chunk), 80)
	}
	// Paragraphs that fit together stay together.
	assert.Contains(t, got[0], "\n\n")
}

func TestSplitText_SentenceFallback(t *testing.T) {
	// One paragraph, many sentences.
	sentence := strings.Repeat("x", 100) + ". "
	text := strings.Repeat(sentence, 10)

	got := storer.SplitText(text, 50)
	require.Greater(t, len(got), 1)
	for _, chunk := range got {
		assert.LessOrEqual(t, tokens.Estimate(chunk), 50)
	}
}

func TestSplitText_HardSplit(t *testing.T) {
	text := strings.Repeat("a", 2000) // no paragraph or sentence breaks

	got := storer.SplitText(text, 100)
	require.Greater(t, len(got), 1)
	var rejoined strings.Builder
	for _, chunk := range got {
		assert.LessOrEqual(t, tokens.Estimate(chunk), 100)
		rejoined.WriteString(chunk)
	}
	assert.Equal(t, text, rejoined.String(), "hard split must not lose bytes")
}
