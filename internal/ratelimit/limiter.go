// Package ratelimit implements fixed-window admission control keyed by user and action.
//
// Windows are aligned buckets of floor(nowMs/windowMs), so a client can burst up to twice the
// limit across a bucket boundary. That edge behaviour is accepted.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Martin-Hayot/auction-engine/internal/clock"
)

// Result is the outcome of one admission check.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAfter time.Duration
}

type Limiter interface {
	CheckAndConsume(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// Key builds the limiter key for an action performed by a user against a session.
func Key(action, userID, sessionID string) string {
	return action + ":" + userID + ":" + sessionID
}

// bucket returns the storage key of the window containing now and the time until it rolls over.
func bucket(key string, now time.Time, window time.Duration) (string, time.Duration, error) {
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		return "", 0, fmt.Errorf("rate limit window must be at least 1ms, got %s", window)
	}
	nowMs := now.UnixMilli()
	idx := nowMs / windowMs
	reset := time.Duration((idx+1)*windowMs-nowMs) * time.Millisecond
	return fmt.Sprintf("rate_limit:%s:%d", key, idx), reset, nil
}

func result(count int64, limit int, reset time.Duration) Result {
	remaining := int64(limit) - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:    count <= int64(limit),
		Remaining:  int(remaining),
		ResetAfter: reset,
	}
}

type counter struct {
	count   int64
	expires time.Time
}

// Memory is a process-local limiter used when no Redis is configured.
type Memory struct {
	clock    clock.Clock
	mu       sync.Mutex
	counters map[string]*counter
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemory creates an in-memory limiter. A positive cleanupInterval starts a goroutine that
// drops expired windows; call Stop to end it.
func NewMemory(clk clock.Clock, cleanupInterval time.Duration) *Memory {
	m := &Memory{
		clock:    clk,
		counters: make(map[string]*counter),
		stopCh:   make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go m.cleanup(cleanupInterval)
	}
	return m
}

func (m *Memory) CheckAndConsume(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := m.clock.Now()
	k, reset, err := bucket(key, now, window)
	if err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[k]
	if !ok || !now.Before(c.expires) {
		c = &counter{expires: now.Add(reset)}
		m.counters[k] = c
	}
	c.count++
	return result(c.count, limit, reset), nil
}

func (m *Memory) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCh:
			return
		}
	}
}

// Sweep removes expired windows and returns how many were dropped.
func (m *Memory) Sweep() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for k, c := range m.counters {
		if !now.Before(c.expires) {
			delete(m.counters, k)
			dropped++
		}
	}
	return dropped
}

// Stop stops the cleanup goroutine
func (m *Memory) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
