package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBurstThenDeny(t *testing.T) {
	limiter := NewLimiter(100, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("c1"), "request %d within burst", i)
	}
	assert.False(t, limiter.Allow("c1"), "burst exhausted")
}

func TestClientsAreIsolated(t *testing.T) {
	limiter := NewLimiter(100, 1)

	assert.True(t, limiter.Allow("c1"))
	assert.False(t, limiter.Allow("c1"))
	assert.True(t, limiter.Allow("c2"), "c2 has its own bucket")
}

func TestTokensDecrease(t *testing.T) {
	limiter := NewLimiter(100, 5)

	before := limiter.Tokens("c1")
	limiter.Allow("c1")
	after := limiter.Tokens("c1")
	assert.Less(t, after, before)
}
