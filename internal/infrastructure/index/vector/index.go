package vector

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

const (
	keyPrefix        = "vec/"
	compactThreshold = 1024
)

// Persister is the durable key/value store behind the index.
type Persister interface {
	Put(key string, value []byte) error
	Delete(key string) error
	Iterate(prefix string, fn func(key string, value []byte) error) error
}

type entry struct {
	chunkID string
	unit    []float32
	norm    float32
	removed atomic.Bool
}

// Index is an exact cosine-similarity index. Writers are serialized; readers
// take a snapshot of the published entry slice and never block.
type Index struct {
	writeMu sync.Mutex
	byID    map[string]*entry
	dead    int

	entries atomic.Pointer[[]*entry]
	live    atomic.Int64
	dim     atomic.Int64

	store  Persister
	logger *slog.Logger
}

type Option func(*Index)

func WithPersister(store Persister) Option {
	return func(ix *Index) {
		ix.store = store
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(ix *Index) {
		if logger != nil {
			ix.logger = logger
		}
	}
}

func New(opts ...Option) *Index {
	ix := &Index{
		byID:   make(map[string]*entry),
		logger: slog.Default(),
	}
	empty := make([]*entry, 0)
	ix.entries.Store(&empty)
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Insert adds or replaces the embedding stored under chunkID.
func (ix *Index) Insert(_ context.Context, chunkID string, embedding []float32) error {
	if chunkID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "vector insert", errors.New("empty chunk id"))
	}
	e, err := newEntry(chunkID, embedding)
	if err != nil {
		return err
	}

	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	if err := ix.checkDimension(len(embedding)); err != nil {
		return err
	}
	if ix.store != nil {
		if err := ix.store.Put(keyPrefix+chunkID, encodeEntry(e)); err != nil {
			return domain.WrapError(domain.ErrTemporary, "vector persist", err)
		}
	}
	ix.publish(e)
	return nil
}

func (ix *Index) Remove(_ context.Context, chunkID string) error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	old, ok := ix.byID[chunkID]
	if !ok {
		return nil
	}
	if ix.store != nil {
		if err := ix.store.Delete(keyPrefix + chunkID); err != nil {
			return domain.WrapError(domain.ErrTemporary, "vector delete", err)
		}
	}
	old.removed.Store(true)
	delete(ix.byID, chunkID)
	ix.live.Add(-1)
	ix.dead++
	ix.maybeCompact()
	return nil
}

// Search returns up to k chunks by descending cosine similarity, ties by chunk id.
func (ix *Index) Search(ctx context.Context, query []float32, k int) ([]domain.ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}
	if dim := ix.dim.Load(); dim != 0 && int64(len(query)) != dim {
		return nil, domain.WrapError(domain.ErrInvalidInput, "vector search",
			fmt.Errorf("query dimension %d, index dimension %d", len(query), dim))
	}
	unit, norm := normalize(query)
	if norm == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "vector search", errors.New("zero query vector"))
	}

	snapshot := *ix.entries.Load()
	results := make([]domain.ScoredChunk, 0, min(len(snapshot), k*2))
	for i, e := range snapshot {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if e.removed.Load() {
			continue
		}
		results = append(results, domain.ScoredChunk{ChunkID: e.chunkID, Score: dot(unit, e.unit)})
	}

	slices.SortFunc(results, func(a, b domain.ScoredChunk) int {
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ChunkID, b.ChunkID)
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (ix *Index) Len() int {
	return int(ix.live.Load())
}

// Load rebuilds the in-memory entries from the persister.
func (ix *Index) Load(_ context.Context) error {
	if ix.store == nil {
		return nil
	}
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	loaded := 0
	err := ix.store.Iterate(keyPrefix, func(key string, value []byte) error {
		e, err := decodeEntry(strings.TrimPrefix(key, keyPrefix), value)
		if err != nil {
			return err
		}
		if err := ix.checkDimension(len(e.unit)); err != nil {
			return err
		}
		ix.publish(e)
		loaded++
		return nil
	})
	if err != nil {
		return fmt.Errorf("load vector index: %w", err)
	}
	ix.logger.Info("vector_index_loaded", "entries", loaded, "dimension", ix.dim.Load())
	return nil
}

// publish must be called with writeMu held.
func (ix *Index) publish(e *entry) {
	if old, ok := ix.byID[e.chunkID]; ok {
		old.removed.Store(true)
		ix.live.Add(-1)
		ix.dead++
	}
	current := *ix.entries.Load()
	next := append(current, e)
	ix.entries.Store(&next)
	ix.byID[e.chunkID] = e
	ix.live.Add(1)
	ix.maybeCompact()
}

// maybeCompact drops tombstones once they dominate; readers keep their old snapshot.
func (ix *Index) maybeCompact() {
	if ix.dead < compactThreshold || ix.dead < int(ix.live.Load()) {
		return
	}
	current := *ix.entries.Load()
	next := make([]*entry, 0, len(current)-ix.dead)
	for _, e := range current {
		if !e.removed.Load() {
			next = append(next, e)
		}
	}
	ix.entries.Store(&next)
	ix.dead = 0
}

func (ix *Index) checkDimension(n int) error {
	if ix.dim.CompareAndSwap(0, int64(n)) {
		return nil
	}
	if dim := ix.dim.Load(); int64(n) != dim {
		return domain.WrapError(domain.ErrInvariant, "vector insert",
			fmt.Errorf("embedding dimension %d, index dimension %d", n, dim))
	}
	return nil
}

func newEntry(chunkID string, embedding []float32) (*entry, error) {
	if len(embedding) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "vector insert", errors.New("empty embedding"))
	}
	unit, norm := normalize(embedding)
	if norm == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "vector insert", errors.New("zero embedding"))
	}
	return &entry{chunkID: chunkID, unit: unit, norm: norm}, nil
}

func normalize(v []float32) ([]float32, float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, 0
	}
	unit := make([]float32, len(v))
	for i, x := range v {
		unit[i] = float32(float64(x) / norm)
	}
	return unit, float32(norm)
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// encodeEntry layout: dim uint32 | norm float32 | dim x float32, little endian.
func encodeEntry(e *entry) []byte {
	buf := make([]byte, 8+4*len(e.unit))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(e.unit)))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(e.norm))
	for i, x := range e.unit {
		binary.LittleEndian.PutUint32(buf[8+4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeEntry(chunkID string, buf []byte) (*entry, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("vector entry %s: short record", chunkID)
	}
	dim := int(binary.LittleEndian.Uint32(buf[0:4]))
	if dim == 0 || len(buf) != 8+4*dim {
		return nil, fmt.Errorf("vector entry %s: bad length %d for dimension %d", chunkID, len(buf), dim)
	}
	e := &entry{
		chunkID: chunkID,
		norm:    math.Float32frombits(binary.LittleEndian.Uint32(buf[4:8])),
		unit:    make([]float32, dim),
	}
	for i := range e.unit {
		e.unit[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[8+4*i:]))
	}
	return e, nil
}
