// Package ratelimit caps how often a key may perform an action within a
// sliding window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter reports whether one more action for key fits in the window. A
// refused action is not counted.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Key builds the conventional "action:subject" key
func Key(action, subject string) string {
	return action + ":" + subject
}

// Memory is an in-process sliding window limiter
type Memory struct {
	requests map[string][]time.Time
	mutex    sync.Mutex
	window   time.Duration
	limit    int
	now      func() time.Time
}

func NewMemory(limit int, window time.Duration) *Memory {
	return &Memory{
		requests: make(map[string][]time.Time),
		window:   window,
		limit:    limit,
		now:      time.Now,
	}
}

// WithClock replaces the time source. Tests only.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	valid := prune(m.requests[key], now.Add(-m.window))

	if len(valid) >= m.limit {
		m.requests[key] = valid
		return false, nil
	}

	m.requests[key] = append(valid, now)
	return true, nil
}

// Cleanup drops keys with no requests inside the window
func (m *Memory) Cleanup() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	cutoff := m.now().Add(-m.window)
	for key, reqs := range m.requests {
		if valid := prune(reqs, cutoff); len(valid) == 0 {
			delete(m.requests, key)
		} else {
			m.requests[key] = valid
		}
	}
}

// Run calls Cleanup every interval until ctx is done
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup()
		}
	}
}

func prune(reqs []time.Time, cutoff time.Time) []time.Time {
	var valid []time.Time
	for _, r := range reqs {
		if r.After(cutoff) {
			valid = append(valid, r)
		}
	}
	return valid
}
