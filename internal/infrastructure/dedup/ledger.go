package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/core/ports"
)

const defaultCacheSize = 65536

// ErrClaimAbandoned is returned by Wait when the owning run gave up.
var ErrClaimAbandoned = errors.New("dedup claim abandoned")

// Ledger fronts the durable dedup table with an LRU of resolved hashes and
// an in-flight table so only one run embeds a given hash at a time.
type Ledger struct {
	store  ports.DedupStore
	cache  *lru.Cache[string, string]
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]*pending
}

type pending struct {
	done    chan struct{}
	once    sync.Once
	chunkID string
	err     error
}

func NewLedger(store ports.DedupStore, cacheSize int, logger *slog.Logger) (*Ledger, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:    store,
		cache:    cache,
		logger:   logger,
		inflight: make(map[string]*pending),
	}, nil
}

func (l *Ledger) Lookup(ctx context.Context, contentHash string) (string, bool, error) {
	if chunkID, ok := l.cache.Get(contentHash); ok {
		return chunkID, true, nil
	}
	chunkID, ok, err := l.store.Lookup(ctx, contentHash)
	if err != nil {
		return "", false, domain.WrapError(domain.ErrTemporary, "dedup lookup", err)
	}
	if ok {
		l.cache.Add(contentHash, chunkID)
	}
	return chunkID, ok, nil
}

// Record inserts the mapping if absent and returns the chunk id that owns the hash.
func (l *Ledger) Record(ctx context.Context, contentHash, chunkID string) (string, error) {
	winner, err := l.store.Record(ctx, contentHash, chunkID)
	if err != nil {
		return "", domain.WrapError(domain.ErrTemporary, "dedup record", err)
	}
	l.cache.Add(contentHash, winner)
	return winner, nil
}

// Acquire returns an owning claim when no other run is producing the hash,
// otherwise a claim whose Wait yields the other run's chunk id.
func (l *Ledger) Acquire(ctx context.Context, contentHash, chunkID string) (ports.DedupClaim, error) {
	if contentHash == "" || chunkID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "dedup acquire", errors.New("empty hash or chunk id"))
	}

	l.mu.Lock()
	if p, ok := l.inflight[contentHash]; ok {
		l.mu.Unlock()
		return &claim{ledger: l, hash: contentHash, chunkID: chunkID, p: p}, nil
	}
	p := &pending{done: make(chan struct{})}
	l.inflight[contentHash] = p
	l.mu.Unlock()

	// A run may have committed between the caller's Lookup and now.
	existing, ok, err := l.Lookup(ctx, contentHash)
	if err != nil {
		l.resolve(contentHash, p, "", err)
		return nil, err
	}
	if ok {
		l.resolve(contentHash, p, existing, nil)
		return &claim{ledger: l, hash: contentHash, chunkID: chunkID, p: p}, nil
	}
	return &claim{ledger: l, hash: contentHash, chunkID: chunkID, p: p, owner: true}, nil
}

func (l *Ledger) resolve(hash string, p *pending, chunkID string, err error) {
	p.once.Do(func() {
		l.mu.Lock()
		if l.inflight[hash] == p {
			delete(l.inflight, hash)
		}
		l.mu.Unlock()
		p.chunkID = chunkID
		p.err = err
		close(p.done)
	})
}

// Pending reports the number of unresolved claims.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight)
}

type claim struct {
	ledger  *Ledger
	hash    string
	chunkID string
	p       *pending
	owner   bool
}

func (c *claim) Owner() bool {
	return c.owner
}

func (c *claim) Commit(ctx context.Context) (string, error) {
	if !c.owner {
		return "", domain.WrapError(domain.ErrInvariant, "dedup commit", errors.New("claim is not owned"))
	}
	winner, err := c.ledger.Record(ctx, c.hash, c.chunkID)
	if err != nil {
		c.ledger.resolve(c.hash, c.p, "", fmt.Errorf("%w: %w", ErrClaimAbandoned, err))
		return "", err
	}
	if winner != c.chunkID {
		c.ledger.logger.Info("dedup_commit_lost", "content_hash", c.hash, "chunk_id", c.chunkID, "winner", winner)
	}
	c.ledger.resolve(c.hash, c.p, winner, nil)
	return winner, nil
}

func (c *claim) Abandon(err error) {
	if !c.owner {
		return
	}
	if err == nil {
		err = ErrClaimAbandoned
	} else {
		err = fmt.Errorf("%w: %w", ErrClaimAbandoned, err)
	}
	c.ledger.resolve(c.hash, c.p, "", err)
}

func (c *claim) Wait(ctx context.Context) (string, error) {
	select {
	case <-c.p.done:
		if c.p.err != nil {
			return "", domain.WrapError(domain.ErrTemporary, "dedup wait", c.p.err)
		}
		return c.p.chunkID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
