package api

import (
	"testing"
	"time"

	"shelfsync/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_PerClientBuckets(t *testing.T) {
	l := newRateLimiter(config.RateLimitConfig{RPS: 1, Burst: 2})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
	assert.True(t, l.allow("b"))

	now = now.Add(time.Second)
	assert.True(t, l.allow("a"))
}

func TestRateLimiter_ForgetsIdleClients(t *testing.T) {
	l := newRateLimiter(config.RateLimitConfig{RPS: 1})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.allow("a")
	l.allow("b")
	assert.Equal(t, 2, l.size())

	now = now.Add(clientIdleTTL / 2)
	l.allow("b")

	now = now.Add(clientIdleTTL)
	l.allow("c")
	assert.Equal(t, 1, l.size())
}

func TestRateLimiter_Disabled(t *testing.T) {
	assert.False(t, newRateLimiter(config.RateLimitConfig{}).enabled())
	assert.True(t, newRateLimiter(config.RateLimitConfig{RPS: 0.5}).enabled())
}
