package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/Martin-Hayot/auction-engine/pkg/errors"
	"github.com/Martin-Hayot/auction-engine/pkg/types"
)

// registry maps session ids to their live machines. At most one machine per id exists in a
// process; concurrent first access is collapsed into a single store load.
type registry struct {
	cfg  Config
	deps Deps

	mu       sync.RWMutex
	machines map[string]*machine
	closed   bool
	group    singleflight.Group
}

func newRegistry(cfg Config, deps Deps) *registry {
	return &registry{
		cfg:      cfg,
		deps:     deps,
		machines: make(map[string]*machine),
	}
}

func (r *registry) lookup(id string) (*machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[id]
	return m, ok
}

// getOrCreate returns the machine for id, loading the session from the store on first access.
func (r *registry) getOrCreate(ctx context.Context, id string) (*machine, error) {
	if m, ok := r.lookup(id); ok {
		return m, nil
	}

	ch := r.group.DoChan(id, func() (any, error) {
		if m, ok := r.lookup(id); ok {
			return m, nil
		}

		// The load is shared by every waiter, so one caller giving up must not fail the rest.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StoreTimeout)
		defer cancel()
		s, err := r.deps.Store.LoadSession(loadCtx, id)
		if err != nil {
			if errors.HasCode(err, errors.ErrSessionNotFound) {
				return nil, err
			}
			return nil, errors.Retryable(errors.ErrStoreUnavailable, "Failed to load session", err)
		}

		m := newMachine(s, r.cfg, r.deps)
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, fmt.Errorf("registry closed")
		}
		r.machines[id] = m
		n := len(r.machines)
		r.mu.Unlock()

		m.start()
		r.deps.Metrics.SetActiveSessions(n)
		log.Debug("Session materialised", "session", id, "status", s.Status)
		return m, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*machine), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// acquire returns the machine with one more local viewer. The viewer is only counted on the
// machine still registered, so eviction can never drop a watched session.
func (r *registry) acquire(ctx context.Context, id string) (*machine, error) {
	for {
		m, err := r.getOrCreate(ctx, id)
		if err != nil {
			return nil, err
		}
		r.mu.RLock()
		current := r.machines[id] == m
		if current {
			m.addViewer(r.deps.Clock.Now())
		}
		r.mu.RUnlock()
		if current {
			return m, nil
		}
	}
}

func (r *registry) release(id string) {
	if m, ok := r.lookup(id); ok {
		m.removeViewer(r.deps.Clock.Now())
	}
}

// evictIfIdle stops and removes the machine when it is terminal, has no viewers and has been
// quiet for the eviction grace period.
func (r *registry) evictIfIdle(id string) bool {
	r.mu.Lock()
	m, ok := r.machines[id]
	if !ok || !m.idle(r.deps.Clock.Now(), r.cfg.EvictionGrace) {
		r.mu.Unlock()
		return false
	}
	delete(r.machines, id)
	n := len(r.machines)
	r.mu.Unlock()

	m.stop()
	r.deps.Metrics.SetActiveSessions(n)
	r.deps.Metrics.IncEviction()
	log.Debug("Session evicted", "session", id)
	return true
}

// sweep runs one eviction pass and returns the number of evicted sessions.
func (r *registry) sweep() int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.machines))
	for id := range r.machines {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	evicted := 0
	for _, id := range ids {
		if r.evictIfIdle(id) {
			evicted++
		}
	}
	return evicted
}

func (r *registry) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := r.sweep(); n > 0 {
				log.Infof("Evicted %d idle sessions", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *registry) snapshots() []types.AuctionState {
	now := r.deps.Clock.Now()
	r.mu.RLock()
	out := make([]types.AuctionState, 0, len(r.machines))
	for _, m := range r.machines {
		out = append(out, m.Snapshot(now))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartsAt.Before(out[j].StartsAt)
	})
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.machines)
}

func (r *registry) close() {
	r.mu.Lock()
	r.closed = true
	machines := r.machines
	r.machines = make(map[string]*machine)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, m := range machines {
		wg.Add(1)
		go func(m *machine) {
			defer wg.Done()
			m.stop()
		}(m)
	}
	wg.Wait()
	r.deps.Metrics.SetActiveSessions(0)
}
