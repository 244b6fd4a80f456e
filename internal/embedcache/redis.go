package embedcache

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Backend = (*RedisBackend)(nil)

// RedisBackend stores cached embeddings in Redis so multiple gateway
// instances share one cache. Vectors are encoded as little-endian float32
// and keyed under "{prefix}:{fingerprint}".
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend wraps an existing Redis client. An empty prefix defaults to
// "mnemo:embed".
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "mnemo:embed"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// Get implements [Backend].
func (b *RedisBackend) Get(ctx context.Context, key string) ([]float32, bool, error) {
	raw, err := b.client.Get(ctx, b.prefix+":"+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("embedcache: redis get: %w", err)
	}
	vec, err := decodeVec(raw)
	if err != nil {
		return nil, false, fmt.Errorf("embedcache: redis get: %w", err)
	}
	return vec, true, nil
}

// Set implements [Backend].
func (b *RedisBackend) Set(ctx context.Context, key string, vec []float32, ttl time.Duration) error {
	if err := b.client.Set(ctx, b.prefix+":"+key, encodeVec(vec), ttl).Err(); err != nil {
		return fmt.Errorf("embedcache: redis set: %w", err)
	}
	return nil
}

func encodeVec(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVec(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("malformed vector payload of %d bytes", len(raw))
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return vec, nil
}
