package vector

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/index/badgerstore"
)

func TestSearchOrdersByCosineThenChunkID(t *testing.T) {
	ctx := context.Background()
	ix := New()
	require.NoError(t, ix.Insert(ctx, "b", []float32{1, 0}))
	require.NoError(t, ix.Insert(ctx, "a", []float32{2, 0}))
	require.NoError(t, ix.Insert(ctx, "c", []float32{0, 1}))
	require.NoError(t, ix.Insert(ctx, "d", []float32{1, 1}))

	got, err := ix.Search(ctx, []float32{3, 0}, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ChunkID)
	assert.Equal(t, "b", got[1].ChunkID)
	assert.Equal(t, "d", got[2].ChunkID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)
	assert.InDelta(t, 0.7071, got[2].Score, 1e-3)
}

func TestInsertReplacesExistingEntry(t *testing.T) {
	ctx := context.Background()
	ix := New()
	require.NoError(t, ix.Insert(ctx, "x", []float32{1, 0}))
	require.NoError(t, ix.Insert(ctx, "x", []float32{0, 1}))
	assert.Equal(t, 1, ix.Len())

	got, err := ix.Search(ctx, []float32{0, 1}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)
}

func TestDimensionChecks(t *testing.T) {
	ctx := context.Background()
	ix := New()
	require.NoError(t, ix.Insert(ctx, "x", []float32{1, 0, 0}))

	err := ix.Insert(ctx, "y", []float32{1, 0})
	assert.ErrorIs(t, err, domain.ErrInvariant)

	_, err = ix.Search(ctx, []float32{1, 0}, 5)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = ix.Search(ctx, []float32{0, 0, 0}, 5)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	err = ix.Insert(ctx, "z", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRemoveHidesEntry(t *testing.T) {
	ctx := context.Background()
	ix := New()
	require.NoError(t, ix.Insert(ctx, "x", []float32{1, 0}))
	require.NoError(t, ix.Insert(ctx, "y", []float32{0, 1}))
	require.NoError(t, ix.Remove(ctx, "x"))
	require.NoError(t, ix.Remove(ctx, "missing"))

	got, err := ix.Search(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "y", got[0].ChunkID)
	assert.Equal(t, 1, ix.Len())
}

func TestCompactionDropsTombstones(t *testing.T) {
	ctx := context.Background()
	ix := New()
	for i := 0; i < compactThreshold+10; i++ {
		require.NoError(t, ix.Insert(ctx, fmt.Sprintf("c%05d", i), []float32{1, float32(i)}))
	}
	for i := 0; i < compactThreshold+5; i++ {
		require.NoError(t, ix.Remove(ctx, fmt.Sprintf("c%05d", i)))
	}
	assert.Equal(t, 5, ix.Len())
	assert.Less(t, len(*ix.entries.Load()), compactThreshold)
}

func TestLoadRestoresFromStore(t *testing.T) {
	ctx := context.Background()
	store, err := badgerstore.Open("", true, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ix := New(WithPersister(store))
	require.NoError(t, ix.Insert(ctx, "doc:1:0", []float32{3, 4}))
	require.NoError(t, ix.Insert(ctx, "doc:1:1", []float32{0, 1}))
	require.NoError(t, ix.Remove(ctx, "doc:1:1"))

	reloaded := New(WithPersister(store))
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, 1, reloaded.Len())

	got, err := reloaded.Search(ctx, []float32{3, 4}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "doc:1:0", got[0].ChunkID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)
}

func TestConcurrentReadersDuringWrites(t *testing.T) {
	ctx := context.Background()
	ix := New()
	require.NoError(t, ix.Insert(ctx, "seed", []float32{1, 1}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = ix.Insert(ctx, fmt.Sprintf("w%d", i%50), []float32{float32(i), 1})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			got, err := ix.Search(ctx, []float32{1, 1}, 5)
			if err != nil || len(got) == 0 {
				t.Errorf("search during writes: %v %v", got, err)
				return
			}
		}
	}()
	wg.Wait()
	assert.Equal(t, 51, ix.Len())
}
