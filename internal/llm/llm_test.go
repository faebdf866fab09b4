package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vet-kb/backend/internal/vector"
)

func TestHashEmbedder(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(1024)

	a, err := e.Embed(ctx, "Acepromazine dosing for dogs")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "Acepromazine dosing for dogs")
	require.NoError(t, err)
	require.Len(t, a, 1024)
	assert.Equal(t, a, b, "same text must give the same vector")

	related, err := e.Embed(ctx, "Acepromazine dosing in dogs is 0.05 mg/kg")
	require.NoError(t, err)
	unrelated, err := e.Embed(ctx, "quarterly revenue spreadsheet")
	require.NoError(t, err)
	assert.Greater(t, vector.Cosine(a, related), vector.Cosine(a, unrelated))

	empty, err := e.Embed(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, float32(0), vector.Cosine(a, empty))
}

type countingEmbedder struct {
	*HashEmbedder
	mu    sync.Mutex
	calls int
	texts int
	fail  bool
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.calls++
	c.texts += len(texts)
	c.mu.Unlock()
	if c.fail {
		return nil, errors.New("provider down")
	}
	return c.HashEmbedder.EmbedBatch(ctx, texts)
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]float32
	fail bool
}

func (m *mapCache) GetEmbedding(_ context.Context, key string) ([]float32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, false, errors.New("cache down")
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) SetEmbedding(_ context.Context, key string, v []float32, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("cache down")
	}
	m.data[key] = v
	return nil
}

func TestCachedEmbedder(t *testing.T) {
	ctx := context.Background()

	t.Run("serves repeats from cache", func(t *testing.T) {
		inner := &countingEmbedder{HashEmbedder: NewHashEmbedder(64)}
		cache := &mapCache{data: map[string][]float32{}}
		e := NewCachedEmbedder(inner, cache, "hash", time.Hour)

		first, err := e.EmbedBatch(ctx, []string{"atropine", "meloxicam"})
		require.NoError(t, err)
		second, err := e.EmbedBatch(ctx, []string{"meloxicam", "atropine", "carprofen"})
		require.NoError(t, err)

		assert.Equal(t, first[0], second[1])
		assert.Equal(t, first[1], second[0])
		assert.Equal(t, 2, inner.calls)
		assert.Equal(t, 3, inner.texts, "only carprofen should miss on the second call")
	})

	t.Run("cache outage falls through", func(t *testing.T) {
		inner := &countingEmbedder{HashEmbedder: NewHashEmbedder(64)}
		e := NewCachedEmbedder(inner, &mapCache{fail: true}, "hash", time.Hour)

		v, err := e.Embed(ctx, "atropine")
		require.NoError(t, err)
		assert.Len(t, v, 64)
	})

	t.Run("provider error surfaces", func(t *testing.T) {
		inner := &countingEmbedder{HashEmbedder: NewHashEmbedder(64), fail: true}
		e := NewCachedEmbedder(inner, &mapCache{data: map[string][]float32{}}, "hash", time.Hour)

		_, err := e.Embed(ctx, "atropine")
		assert.Error(t, err)
	})
}

func TestExtractiveGenerator(t *testing.T) {
	ctx := context.Background()

	out, err := ExtractiveGenerator{MaxPassages: 2}.Generate(ctx, "ignored", []string{" first ", "", "third"})
	require.NoError(t, err)
	assert.Equal(t, "[1] first", out)

	out, err = ExtractiveGenerator{}.Generate(ctx, "ignored", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "[1] a\n\n[2] b", out)

	out, err = ExtractiveGenerator{}.Generate(ctx, "ignored", nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
