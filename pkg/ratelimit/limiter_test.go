package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket(t *testing.T) {
	tb := NewTokenBucket(1, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, tb.Allow(), "burst request %d", i)
	}
	assert.False(t, tb.Allow(), "bucket should be empty")

	tb.Reset()
	assert.True(t, tb.Allow(), "reset refills the bucket")
}

func TestTokenBucketWaitHonorsContext(t *testing.T) {
	tb := NewTokenBucket(0.001, 1)
	require.True(t, tb.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.Error(t, tb.Wait(ctx))
}

func TestTokenBucketUnlimited(t *testing.T) {
	tb := NewTokenBucket(0, 0)
	for i := 0; i < 1000; i++ {
		require.True(t, tb.Allow())
	}
	assert.NoError(t, tb.Wait(context.Background()))
}

func TestHostLimiter(t *testing.T) {
	h := NewHostLimiter(0.001, 1)

	assert.Same(t, h.For("graph.mapillary.com"), h.For("graph.mapillary.com"))

	require.True(t, h.For("graph.mapillary.com").Allow())
	assert.False(t, h.For("graph.mapillary.com").Allow())
	assert.True(t, h.For("scontent.example.net").Allow(), "hosts have separate budgets")
}
