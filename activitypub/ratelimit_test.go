package activitypub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignerLimiter(t *testing.T) {
	l := newSignerLimiter(massDeleteLimit, massDeleteWindow)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	key := "https://r.example/users/bob#main-key"

	for i := 0; i < massDeleteLimit; i++ {
		assert.True(t, l.Allow(key, now), "request %d", i)
	}
	assert.False(t, l.Allow(key, now))

	// other signers have their own budget
	assert.True(t, l.Allow("https://s.example/users/carol#main-key", now))

	// the window slides: nothing frees up until the first hit is a full window old
	assert.False(t, l.Allow(key, now.Add(massDeleteWindow-time.Second)))
	assert.True(t, l.Allow(key, now.Add(massDeleteWindow)))
}

func TestSignerLimiterSlidingWindow(t *testing.T) {
	l := newSignerLimiter(massDeleteLimit, massDeleteWindow)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	key := "https://r.example/users/bob#main-key"

	// one hit every 6s fills the window exactly once
	for i := 0; i < massDeleteLimit; i++ {
		assert.True(t, l.Allow(key, start.Add(time.Duration(i)*6*time.Second)), "request %d", i)
	}
	assert.False(t, l.Allow(key, start.Add(59*time.Second)))

	// the hit at +0s expires at +60s, the one at +6s is still counted
	assert.True(t, l.Allow(key, start.Add(60*time.Second)))
	assert.False(t, l.Allow(key, start.Add(65*time.Second)))
	assert.True(t, l.Allow(key, start.Add(66*time.Second)))
}

func TestSignerLimiterForgetsIdleSigners(t *testing.T) {
	l := newSignerLimiter(2, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	l.Allow("a", now)
	l.Allow("b", now)
	assert.Equal(t, 2, l.size())

	later := now.Add(2 * time.Minute)
	assert.True(t, l.Allow("c", later))
	assert.Equal(t, 1, l.size())

	// a forgotten signer starts with a full budget
	assert.True(t, l.Allow("a", later))
	assert.True(t, l.Allow("a", later))
	assert.False(t, l.Allow("a", later))
}
