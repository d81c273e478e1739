package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Martin-Hayot/auction-engine/internal/clock"
	"github.com/Martin-Hayot/auction-engine/internal/database"
	"github.com/Martin-Hayot/auction-engine/internal/metrics"
	"github.com/Martin-Hayot/auction-engine/internal/ratelimit"
	"github.com/Martin-Hayot/auction-engine/pkg/types"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// recorder is a Publisher that keeps every event.
type recorder struct {
	mu      sync.Mutex
	events  []types.Event
	gate    chan struct{}
	waiting atomic.Int32
}

func (r *recorder) Publish(_ context.Context, ev types.Event) error {
	r.mu.Lock()
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		r.waiting.Add(1)
		<-gate
		r.waiting.Add(-1)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// hold makes Publish block until release is called.
func (r *recorder) hold() (release func()) {
	gate := make(chan struct{})
	r.mu.Lock()
	r.gate = gate
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.gate = nil
			r.mu.Unlock()
			close(gate)
		})
	}
}

func (r *recorder) all() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Event(nil), r.events...)
}

func (r *recorder) ofType(eventType string) []types.Event {
	var out []types.Event
	for _, ev := range r.all() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// flakyStore injects failures in front of a MemoryStore.
type flakyStore struct {
	*database.MemoryStore
	mu         sync.Mutex
	commitErrs []error
	saveErrs   []error
	loads      atomic.Int32
}

func pop(mu *sync.Mutex, errs *[]error) error {
	mu.Lock()
	defer mu.Unlock()
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *flakyStore) failCommit(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitErrs = append(f.commitErrs, errs...)
}

func (f *flakyStore) failSave(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveErrs = append(f.saveErrs, errs...)
}

func (f *flakyStore) CommitBid(ctx context.Context, c types.BidCommit) error {
	if err := pop(&f.mu, &f.commitErrs); err != nil {
		return err
	}
	return f.MemoryStore.CommitBid(ctx, c)
}

func (f *flakyStore) SaveSession(ctx context.Context, s types.AuctionSession, expected int64) error {
	if err := pop(&f.mu, &f.saveErrs); err != nil {
		return err
	}
	return f.MemoryStore.SaveSession(ctx, s, expected)
}

func (f *flakyStore) LoadSession(ctx context.Context, id string) (types.AuctionSession, error) {
	f.loads.Add(1)
	return f.MemoryStore.LoadSession(ctx, id)
}

type harness struct {
	t       *testing.T
	clk     *clock.Fake
	store   *flakyStore
	pub     *recorder
	metrics *metrics.Metrics
	eng     *Engine
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BidLimit = 1000
	cfg.ChatLimit = 1000
	cfg.SweepInterval = time.Hour
	cfg.EvictionGrace = time.Minute
	cfg.RetryDelay = 5 * time.Second
	return cfg
}

// newHarness starts an engine over the given sessions with the clock at t0.
func newHarness(t *testing.T, cfg Config, sessions ...types.AuctionSession) *harness {
	t.Helper()
	return newHarnessWith(t, cfg, nil, sessions...)
}

// newHarnessWith uses limiter instead of an in-memory limiter when it is not nil.
func newHarnessWith(t *testing.T, cfg Config, limiter ratelimit.Limiter, sessions ...types.AuctionSession) *harness {
	t.Helper()
	clk := clock.NewFake(t0)
	store := &flakyStore{MemoryStore: database.NewMemoryStore()}
	for _, s := range sessions {
		require.NoError(t, store.CreateSession(context.Background(), s))
	}
	return startHarness(t, cfg, clk, store, limiter)
}

// peer starts a second engine over the same store and clock, as another server process would.
func (h *harness) peer() *harness {
	h.t.Helper()
	return startHarness(h.t, testConfig(), h.clk, h.store, nil)
}

func startHarness(t *testing.T, cfg Config, clk *clock.Fake, store *flakyStore, limiter ratelimit.Limiter) *harness {
	t.Helper()
	pub := &recorder{}
	if limiter == nil {
		limiter = ratelimit.NewMemory(clk, 0)
	}
	m := metrics.NewMetrics("test")

	eng, err := New(cfg, Deps{
		Store:     store,
		Publisher: pub,
		Settler:   store,
		Limiter:   limiter,
		Clock:     clk,
		Metrics:   m,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Close)

	return &harness{t: t, clk: clk, store: store, pub: pub, metrics: m, eng: eng}
}

// session starts at t0+1m and is planned to end at t0+31m, with a 60s window and 30s extension.
func session(id string, status types.SessionStatus) types.AuctionSession {
	return types.AuctionSession{
		ID:                 id,
		ProductID:          "prod-1",
		Status:             status,
		StartTime:          t0.Add(time.Minute),
		EndTimePlanned:     t0.Add(31 * time.Minute),
		EndTimeEffective:   t0.Add(31 * time.Minute),
		AntiSnipeWindowSec: 60,
		AntiSnipeExtendSec: 30,
		StartingPrice:      1000,
		IncrementStep:      50,
		CurrentPrice:       1000,
		CreatedByID:        "admin",
		CreatedAt:          t0,
		UpdatedAt:          t0,
		Version:            1,
	}
}

// state reads a session through its machine, so every previously fired timer callback has run.
func (h *harness) state(id string) types.AuctionState {
	h.t.Helper()
	st, err := h.eng.Snapshot(context.Background(), id)
	require.NoError(h.t, err)
	return st
}

// advance moves the clock and waits for the machine to process the fired timers.
func (h *harness) advance(id string, d time.Duration) types.AuctionState {
	h.t.Helper()
	h.state(id)
	h.clk.Advance(d)
	return h.state(id)
}

// goLive opens a scheduled session by moving the clock to its start time.
func (h *harness) goLive(id string) {
	h.t.Helper()
	st := h.advance(id, time.Minute)
	require.Equal(h.t, types.StatusLive, st.Status)
}

func (h *harness) bid(id, user string, amount int64) (types.BidAccepted, error) {
	return h.eng.SubmitBid(context.Background(), id, user, amount)
}
