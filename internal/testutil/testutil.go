// Package testutil holds helpers shared by package tests.
package testutil

import (
	"sync"
	"testing"
	"time"

	"phantomid/internal/identity"
)

const (
	DefaultMaxFuzzBytes = 1 << 16
	DefaultFuzzTimeout  = 100 * time.Millisecond
)

func CapBytes(b []byte, max int) []byte {
	if max <= 0 {
		return b
	}
	if len(b) > max {
		return b[:max]
	}
	return b
}

// WithTimeout fails t if fn does not return within d.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}

// CounterSeeds hands out distinct deterministic seeds.
type CounterSeeds struct {
	mu sync.Mutex
	n  uint64
}

func (c *CounterSeeds) NewSeed() (identity.Seed, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	var s identity.Seed
	for i := 0; i < 8; i++ {
		s[i] = byte(c.n >> (8 * i))
	}
	return s, nil
}

// FixedSeeds returns the same seed forever, forcing id collisions.
type FixedSeeds struct{ Seed identity.Seed }

func (f FixedSeeds) NewSeed() (identity.Seed, error) { return f.Seed, nil }
