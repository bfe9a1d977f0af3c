package vaultpay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSettlementKey(t *testing.T) {
	a := GenerateSettlementKey([]byte(`{"scheme":"exact"}`))
	b := GenerateSettlementKey([]byte(`{"scheme":"exact"}`))
	c := GenerateSettlementKey([]byte(`{"scheme":"deferred"}`))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestCheckAndMarkLifecycle(t *testing.T) {
	cache := NewSettlementCache(time.Minute)
	key := GenerateSettlementKey([]byte("payload"))

	status, cached, done := cache.CheckAndMark(key)
	require.Equal(t, StatusNotFound, status)
	assert.Nil(t, cached)
	require.NotNil(t, done)

	// While in flight, a second caller sees the in-flight channel.
	status2, _, done2 := cache.CheckAndMark(key)
	assert.Equal(t, StatusInFlight, status2)
	assert.Equal(t, done, done2)

	response := &SettleResponse{Success: true, Status: SettleStatusSettled, Transaction: "0xtx"}
	cache.Complete(key, response, done)

	status3, cached3, _ := cache.CheckAndMark(key)
	assert.Equal(t, StatusCached, status3)
	assert.Equal(t, response, cached3)
}

func TestFailReleasesWithoutCaching(t *testing.T) {
	cache := NewSettlementCache(time.Minute)
	key := GenerateSettlementKey([]byte("payload"))

	_, _, done := cache.CheckAndMark(key)
	cache.Fail(key, done)

	status, cached, done2 := cache.CheckAndMark(key)
	assert.Equal(t, StatusNotFound, status, "failure must free the slot for a retry")
	assert.Nil(t, cached)
	require.NotNil(t, done2)
}

func TestWaitForResult(t *testing.T) {
	cache := NewSettlementCache(time.Minute)
	key := GenerateSettlementKey([]byte("payload"))

	_, _, done := cache.CheckAndMark(key)

	var wg sync.WaitGroup
	wg.Add(1)
	var got *SettleResponse
	go func() {
		defer wg.Done()
		result, err := cache.WaitForResult(context.Background(), key, done)
		require.NoError(t, err)
		got = result
	}()

	response := &SettleResponse{Success: true, Transaction: "0xtx"}
	cache.Complete(key, response, done)
	wg.Wait()

	assert.Equal(t, response, got)
}

func TestWaitForResultRespectsContext(t *testing.T) {
	cache := NewSettlementCache(time.Minute)
	key := GenerateSettlementKey([]byte("payload"))
	_, _, done := cache.CheckAndMark(key)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := cache.WaitForResult(ctx, key, done)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExpiredResultsAreEvicted(t *testing.T) {
	cache := NewSettlementCache(10 * time.Millisecond)
	key := GenerateSettlementKey([]byte("payload"))

	_, _, done := cache.CheckAndMark(key)
	cache.Complete(key, &SettleResponse{Success: true}, done)

	time.Sleep(20 * time.Millisecond)

	status, _, done2 := cache.CheckAndMark(key)
	assert.Equal(t, StatusNotFound, status)
	require.NotNil(t, done2)
}
