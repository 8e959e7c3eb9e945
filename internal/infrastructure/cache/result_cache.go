package cache

import (
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

const (
	defaultCapacity = 1024
	defaultTTL      = time.Hour
)

// ResultCache holds search results keyed by domain.QueryFingerprint. Entries
// expire after the TTL; there is no active invalidation on ingestion.
type ResultCache struct {
	lru *expirable.LRU[string, []domain.SearchHit]
}

func NewResultCache(capacity int, ttl time.Duration) *ResultCache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &ResultCache{lru: expirable.NewLRU[string, []domain.SearchHit](capacity, nil, ttl)}
}

func (c *ResultCache) Get(fingerprint string) ([]domain.SearchHit, bool) {
	hits, ok := c.lru.Get(fingerprint)
	if !ok {
		return nil, false
	}
	return slices.Clone(hits), true
}

func (c *ResultCache) Put(fingerprint string, hits []domain.SearchHit) {
	c.lru.Add(fingerprint, slices.Clone(hits))
}

func (c *ResultCache) Len() int {
	return c.lru.Len()
}

func (c *ResultCache) Purge() {
	c.lru.Purge()
}
