package vaultpay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// SettlementCache deduplicates settle calls for identical payment payloads.
// A client that retries after a timeout must get the first attempt's result
// back, not a second on-chain submission. Results are cached per payload
// hash; concurrent calls for the same payload wait on the first.
type SettlementCache struct {
	mu       sync.Mutex
	results  map[string]*SettleResponse
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

// NewSettlementCache creates a settlement cache with the given result TTL.
func NewSettlementCache(ttl time.Duration) *SettlementCache {
	return &SettlementCache{
		results:  make(map[string]*SettleResponse),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// GenerateSettlementKey derives the cache key from the raw payload bytes.
// The payload carries the signature and nonce, so the hash is unique per
// payment attempt.
func GenerateSettlementKey(payloadBytes []byte) string {
	hash := sha256.Sum256(payloadBytes)
	return hex.EncodeToString(hash[:])
}

// SettlementStatus is the result of checking the cache.
type SettlementStatus int

const (
	// StatusNotFound means no cached result and no in-flight request;
	// the caller now holds the in-flight slot.
	StatusNotFound SettlementStatus = iota
	// StatusCached means a cached result exists.
	StatusCached
	// StatusInFlight means another request is settling the same payload.
	StatusInFlight
)

// CheckAndMark atomically checks the cache and claims the in-flight slot
// when the key is unknown. The returned channel must be handed back to
// Complete or Fail.
func (c *SettlementCache) CheckAndMark(key string) (SettlementStatus, *SettleResponse, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, exists := c.expiry[key]; exists {
		if time.Now().Before(expiry) {
			if result, ok := c.results[key]; ok {
				return StatusCached, result, nil
			}
		}
		delete(c.results, key)
		delete(c.expiry, key)
	}

	if done, exists := c.inFlight[key]; exists {
		return StatusInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return StatusNotFound, nil, done
}

// WaitForResult blocks until the in-flight attempt finishes or ctx ends.
// A nil result with nil error means the attempt failed without caching and
// the caller should retry.
func (c *SettlementCache) WaitForResult(ctx context.Context, key string, done chan struct{}) (*SettleResponse, error) {
	select {
	case <-done:
		return c.get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *SettlementCache) get(key string) *SettleResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.expiry[key]
	if !exists {
		return nil
	}
	if time.Now().After(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return nil
	}
	return c.results[key]
}

// Complete caches the response, releases the in-flight slot and wakes waiters.
func (c *SettlementCache) Complete(key string, response *SettleResponse, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = response
	c.expiry[key] = time.Now().Add(c.ttl)
	delete(c.inFlight, key)
	close(done)

	c.cleanupExpiredLocked()
}

// Fail releases the in-flight slot without caching, so waiters retry.
func (c *SettlementCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}

func (c *SettlementCache) cleanupExpiredLocked() {
	now := time.Now()
	for key, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.results, key)
			delete(c.expiry, key)
		}
	}
}
