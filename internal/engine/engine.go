// Package engine runs live auction sessions.
//
// Each materialised session is owned by one machine goroutine that applies bids, lifecycle
// transitions and chat in mailbox order. Persistence happens inside that serialized step, so an
// accepted bid is durable before anyone hears about it. Events leave through a per-session
// outbox and reach viewers only through the Publisher.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/Martin-Hayot/auction-engine/internal/clock"
	"github.com/Martin-Hayot/auction-engine/internal/metrics"
	"github.com/Martin-Hayot/auction-engine/internal/ratelimit"
	"github.com/Martin-Hayot/auction-engine/pkg/errors"
	"github.com/Martin-Hayot/auction-engine/pkg/types"
)

// Store is the durable session store. SaveSession and CommitBid write s.Version and succeed only
// while the stored row still holds expectedPrice and s.Version-1. Otherwise they return an
// AppError with ErrConflict. Unknown ids give ErrSessionNotFound, and exhausted transient
// failures give a retryable ErrStoreUnavailable.
type Store interface {
	LoadSession(ctx context.Context, id string) (types.AuctionSession, error)
	ListActiveSessions(ctx context.Context) ([]types.AuctionSession, error)
	CreateSession(ctx context.Context, s types.AuctionSession) error
	SaveSession(ctx context.Context, s types.AuctionSession, expectedPrice int64) error
	// CommitBid inserts the bid, clears the previous leading flag and saves the session in one
	// transaction.
	CommitBid(ctx context.Context, c types.BidCommit) error
}

type Publisher interface {
	Publish(ctx context.Context, ev types.Event) error
}

// Settler receives the winner of every session that ends with a leading bid.
type Settler interface {
	Settle(ctx context.Context, s types.Settlement) error
}

type Config struct {
	BidLimit      int
	BidWindow     time.Duration
	ChatLimit     int
	ChatWindow    time.Duration
	EvictionGrace time.Duration
	SweepInterval time.Duration
	MailboxSize   int
	OutboxSize    int
	StoreTimeout  time.Duration
	RetryDelay    time.Duration
	SettleRetry   time.Duration
	MaxChatLength int
}

func DefaultConfig() Config {
	return Config{
		BidLimit:      5,
		BidWindow:     time.Second,
		ChatLimit:     3,
		ChatWindow:    time.Second,
		EvictionGrace: 5 * time.Minute,
		SweepInterval: time.Minute,
		MailboxSize:   256,
		OutboxSize:    256,
		StoreTimeout:  5 * time.Second,
		RetryDelay:    2 * time.Second,
		SettleRetry:   time.Minute,
		MaxChatLength: 500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BidLimit <= 0 {
		c.BidLimit = d.BidLimit
	}
	if c.BidWindow <= 0 {
		c.BidWindow = d.BidWindow
	}
	if c.ChatLimit <= 0 {
		c.ChatLimit = d.ChatLimit
	}
	if c.ChatWindow <= 0 {
		c.ChatWindow = d.ChatWindow
	}
	if c.EvictionGrace <= 0 {
		c.EvictionGrace = d.EvictionGrace
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = d.MailboxSize
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = d.OutboxSize
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.SettleRetry <= 0 {
		c.SettleRetry = d.SettleRetry
	}
	if c.MaxChatLength <= 0 {
		c.MaxChatLength = d.MaxChatLength
	}
	return c
}

type Deps struct {
	Store     Store
	Publisher Publisher
	// Settler is optional; without it winners are only logged.
	Settler Settler
	Limiter ratelimit.Limiter
	// Clock defaults to the wall clock.
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

type Engine struct {
	cfg  Config
	deps Deps
	reg  *registry
	arb  *arbitrator

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if deps.Publisher == nil {
		return nil, fmt.Errorf("engine: publisher is required")
	}
	if deps.Limiter == nil {
		return nil, fmt.Errorf("engine: rate limiter is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	cfg = cfg.withDefaults()

	e := &Engine{cfg: cfg, deps: deps}
	e.reg = newRegistry(cfg, deps)
	e.arb = &arbitrator{
		reg:     e.reg,
		limiter: deps.Limiter,
		cfg:     cfg,
		metrics: deps.Metrics,
	}
	return e, nil
}

// Start materialises every SCHEDULED and LIVE session so their timers run, then starts the
// eviction janitor. It returns once bootstrap is done.
func (e *Engine) Start(ctx context.Context) error {
	listCtx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	sessions, err := e.deps.Store.ListActiveSessions(listCtx)
	cancel()
	if err != nil {
		return errors.Wrap(err, "Failed to list active sessions")
	}

	for _, s := range sessions {
		if _, err := e.reg.getOrCreate(ctx, s.ID); err != nil {
			log.Error("Failed to materialise session", "session", s.ID, "err", err)
		}
	}
	log.Infof("Engine started with %d active sessions", len(sessions))

	runCtx, stop := context.WithCancel(context.Background())
	e.cancel = stop
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reg.run(runCtx, e.cfg.SweepInterval)
	}()
	return nil
}

// Close stops the janitor and every session machine, flushing pending events.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.reg.close()
}

// JoinSession registers a local viewer and returns the current state.
func (e *Engine) JoinSession(ctx context.Context, sessionID string) (types.AuctionState, error) {
	m, err := e.reg.acquire(ctx, sessionID)
	if err != nil {
		return types.AuctionState{}, err
	}
	st, err := m.Sync(ctx)
	if err != nil {
		e.reg.release(sessionID)
		return types.AuctionState{}, err
	}
	return st, nil
}

// LeaveSession drops a local viewer previously added with JoinSession.
func (e *Engine) LeaveSession(sessionID string) {
	e.reg.release(sessionID)
}

// Snapshot returns the state of a session for resynchronisation. It reads through to the store,
// so writes made by other processes are visible even when this process has not seen them.
func (e *Engine) Snapshot(ctx context.Context, sessionID string) (types.AuctionState, error) {
	var st types.AuctionState
	err := e.withMachine(ctx, sessionID, func(m *machine) error {
		var err error
		st, err = m.Sync(ctx)
		return err
	})
	return st, err
}

func (e *Engine) SubmitBid(ctx context.Context, sessionID, userID string, amount int64) (types.BidAccepted, error) {
	return e.arb.submit(ctx, sessionID, userID, amount)
}

// SendChat relays a chat line to every viewer of the session.
func (e *Engine) SendChat(ctx context.Context, sessionID, userID, text string) error {
	text = strings.TrimSpace(text)
	if sessionID == "" || userID == "" {
		return errors.New(errors.ErrInvalidArgument, "Session and user are required")
	}
	if text == "" {
		return errors.New(errors.ErrInvalidArgument, "Message is empty")
	}
	if utf8.RuneCountInString(text) > e.cfg.MaxChatLength {
		return errors.New(errors.ErrInvalidArgument, "Message is too long").
			WithMeta("maxLength", e.cfg.MaxChatLength)
	}
	if err := e.arb.admit(ctx, "chat", userID, sessionID, e.cfg.ChatLimit, e.cfg.ChatWindow); err != nil {
		return err
	}

	return e.withMachine(ctx, sessionID, func(m *machine) error {
		return m.do(ctx, func() { m.chat(userID, text) })
	})
}

// CreateSession validates params and stores a new DRAFT or SCHEDULED session.
func (e *Engine) CreateSession(ctx context.Context, p types.CreateSessionParams) (types.AuctionSession, error) {
	if err := validateCreate(p); err != nil {
		return types.AuctionSession{}, err
	}
	if p.Status == "" {
		p.Status = types.StatusScheduled
	}

	now := e.deps.Clock.Now()
	s := types.AuctionSession{
		ID:                 uuid.NewString(),
		ProductID:          p.ProductID,
		Status:             p.Status,
		StartTime:          p.StartTime.UTC(),
		EndTimePlanned:     p.EndTimePlanned.UTC(),
		EndTimeEffective:   p.EndTimePlanned.UTC(),
		AntiSnipeWindowSec: p.AntiSnipeWindowSec,
		AntiSnipeExtendSec: p.AntiSnipeExtendSec,
		StartingPrice:      p.StartingPrice,
		IncrementStep:      p.IncrementStep,
		CurrentPrice:       p.StartingPrice,
		CreatedByID:        p.CreatedByID,
		CreatedAt:          now,
		UpdatedAt:          now,
		Version:            1,
	}

	storeCtx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	if err := e.deps.Store.CreateSession(storeCtx, s); err != nil {
		return types.AuctionSession{}, errors.Wrap(err, "Failed to create session")
	}
	log.Info("Session created", "session", s.ID, "status", s.Status, "start", s.StartTime, "end", s.EndTimePlanned)

	if s.Status == types.StatusScheduled {
		if _, err := e.reg.getOrCreate(ctx, s.ID); err != nil {
			log.Error("Failed to materialise new session", "session", s.ID, "err", err)
		}
	}
	return s, nil
}

func validateCreate(p types.CreateSessionParams) error {
	invalid := func(msg string) error { return errors.New(errors.ErrInvalidArgument, msg) }
	switch {
	case p.ProductID == "":
		return invalid("productId is required")
	case p.CreatedByID == "":
		return invalid("createdById is required")
	case p.StartTime.IsZero() || p.EndTimePlanned.IsZero():
		return invalid("startTime and endTimePlanned are required")
	case !p.EndTimePlanned.After(p.StartTime):
		return invalid("endTimePlanned must be after startTime")
	case p.IncrementStep <= 0:
		return invalid("incrementStep must be positive")
	case p.StartingPrice < 0:
		return invalid("startingPrice must not be negative")
	case p.AntiSnipeWindowSec < 0 || p.AntiSnipeExtendSec < 0:
		return invalid("anti-snipe settings must not be negative")
	case p.Status != "" && p.Status != types.StatusDraft && p.Status != types.StatusScheduled:
		return invalid("status must be DRAFT or SCHEDULED")
	}
	return nil
}

// ScheduleSession moves a DRAFT session to SCHEDULED.
func (e *Engine) ScheduleSession(ctx context.Context, sessionID string) (types.AuctionState, error) {
	return e.command(ctx, sessionID, (*machine).scheduleDraft)
}

// CancelSession cancels a SCHEDULED or LIVE session.
func (e *Engine) CancelSession(ctx context.Context, sessionID string) (types.AuctionState, error) {
	return e.command(ctx, sessionID, (*machine).cancel)
}

// ForceEnd ends a LIVE session immediately.
func (e *Engine) ForceEnd(ctx context.Context, sessionID string) (types.AuctionState, error) {
	return e.command(ctx, sessionID, (*machine).forceEnd)
}

func (e *Engine) command(ctx context.Context, sessionID string, op func(*machine) error) (types.AuctionState, error) {
	var st types.AuctionState
	err := e.withMachine(ctx, sessionID, func(m *machine) error {
		var opErr error
		if err := m.do(ctx, func() {
			opErr = op(m)
			st = m.state(m.clock.Now())
		}); err != nil {
			return err
		}
		return opErr
	})
	if err != nil {
		return types.AuctionState{}, err
	}
	return st, nil
}

// withMachine runs fn against the session's machine, retrying once when the machine was
// evicted between lookup and use.
func (e *Engine) withMachine(ctx context.Context, sessionID string, fn func(*machine) error) error {
	if sessionID == "" {
		return errors.New(errors.ErrInvalidArgument, "sessionId is required")
	}
	for attempt := 0; ; attempt++ {
		m, err := e.reg.getOrCreate(ctx, sessionID)
		if err != nil {
			return err
		}
		err = fn(m)
		if err == errMachineStopped && attempt == 0 {
			continue
		}
		if err == errMachineStopped {
			return errors.Retryable(errors.ErrStoreUnavailable, "Session is reloading, retry", err)
		}
		return err
	}
}

// Sessions returns the last known state of every materialised session without waiting on
// their machines.
func (e *Engine) Sessions() []types.AuctionState {
	return e.reg.snapshots()
}
