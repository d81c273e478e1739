package engine

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/Martin-Hayot/auction-engine/internal/clock"
	"github.com/Martin-Hayot/auction-engine/internal/metrics"
	"github.com/Martin-Hayot/auction-engine/pkg/errors"
	"github.com/Martin-Hayot/auction-engine/pkg/types"
)

var errMachineStopped = stderrors.New("session machine stopped")

// machine owns one session. Fields below the mailbox are only touched by the run goroutine.
type machine struct {
	id       string
	cfg      Config
	store    Store
	pub      Publisher
	settler  Settler
	clock    clock.Clock
	metrics  *metrics.Metrics
	mailbox  chan func()
	outbox   chan func()
	quit     chan struct{}
	stopped  chan struct{}
	drained  chan struct{}
	stopOnce sync.Once
	settling sync.WaitGroup

	session  types.AuctionSession
	timer    clock.Timer
	timerGen uint64

	view       atomic.Pointer[types.AuctionState]
	viewers    atomic.Int64
	lastActive atomic.Int64
}

func newMachine(s types.AuctionSession, cfg Config, deps Deps) *machine {
	m := &machine{
		id:      s.ID,
		cfg:     cfg,
		store:   deps.Store,
		pub:     deps.Publisher,
		settler: deps.Settler,
		clock:   deps.Clock,
		metrics: deps.Metrics,
		mailbox: make(chan func(), cfg.MailboxSize),
		outbox:  make(chan func(), cfg.OutboxSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		drained: make(chan struct{}),
		session: s,
	}
	now := deps.Clock.Now()
	m.touch(now)
	m.publishView(now)
	return m
}

func (m *machine) start() {
	go m.run()
	go m.deliver()
	m.post(m.arm)
}

func (m *machine) run() {
	defer close(m.stopped)
	for {
		select {
		case fn := <-m.mailbox:
			fn()
		case <-m.quit:
			m.cancelTimer()
			return
		}
	}
}

// deliver runs broadcast and settlement hand-offs in the order the actor queued them.
func (m *machine) deliver() {
	defer close(m.drained)
	for {
		select {
		case fn := <-m.outbox:
			fn()
		case <-m.stopped:
			for {
				select {
				case fn := <-m.outbox:
					fn()
				default:
					return
				}
			}
		}
	}
}

// stop ends the actor and waits for queued events and settlements. Never call it from the actor.
func (m *machine) stop() {
	m.stopOnce.Do(func() { close(m.quit) })
	<-m.stopped
	<-m.drained
	m.settling.Wait()
}

// do runs fn on the actor and waits for it. Once queued, fn runs even if ctx is cancelled.
func (m *machine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}

	select {
	case m.mailbox <- task:
	case <-m.quit:
		return errMachineStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-m.stopped:
		select {
		case <-done:
			return nil
		default:
			return errMachineStopped
		}
	}
}

// post queues fn without waiting; used by timer callbacks.
func (m *machine) post(fn func()) {
	select {
	case m.mailbox <- fn:
	case <-m.quit:
	}
}

func (m *machine) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.cfg.StoreTimeout)
}

// Timers

// arm schedules the next deadline implied by the current status.
func (m *machine) arm() {
	switch m.session.Status {
	case types.StatusScheduled:
		m.schedule(m.session.StartTime, m.onStartDue)
	case types.StatusLive:
		m.schedule(m.session.EndTimeEffective, m.onEndDue)
	default:
		m.cancelTimer()
	}
}

// schedule replaces the current timer. A callback whose generation is no longer current is
// ignored, so a timer that fired while being replaced cannot act.
func (m *machine) schedule(at time.Time, fire func()) {
	m.cancelTimer()
	gen := m.timerGen
	m.timer = m.clock.ScheduleAt(at, func() {
		m.post(func() {
			if gen != m.timerGen {
				return
			}
			m.timer = nil
			fire()
		})
	})
}

func (m *machine) cancelTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
}

func (m *machine) retryLater(fire func()) {
	m.schedule(m.clock.Now().Add(m.cfg.RetryDelay), fire)
}

func (m *machine) onStartDue() {
	if m.session.Status != types.StatusScheduled {
		return
	}
	now := m.clock.Now()
	if now.Before(m.session.StartTime) {
		m.arm()
		return
	}

	next := m.session
	next.Status = types.StatusLive
	next.UpdatedAt = now
	if err := m.apply(next); err != nil {
		if !errors.HasCode(err, errors.ErrConflict) {
			log.Warn("Failed to open session, retrying", "session", m.id, "in", m.cfg.RetryDelay, "err", err)
			m.retryLater(m.onStartDue)
		}
		return
	}

	log.Info("Session is live", "session", m.id, "ends", next.EndTimeEffective)
	m.metrics.IncTransition(string(types.StatusLive))
	m.emitState()
	m.arm()
}

func (m *machine) onEndDue() {
	if m.session.Status != types.StatusLive {
		return
	}
	now := m.clock.Now()
	if now.Before(m.session.EndTimeEffective) {
		m.arm()
		return
	}
	if err := m.finish(now); err != nil && !errors.HasCode(err, errors.ErrConflict) {
		log.Warn("Failed to end session, retrying", "session", m.id, "in", m.cfg.RetryDelay, "err", err)
		m.retryLater(m.onEndDue)
	}
}

// finish moves a LIVE session to ENDED, freezing price and leading bid.
func (m *machine) finish(now time.Time) error {
	next := m.session
	next.Status = types.StatusEnded
	next.EndTimeActual = &now
	next.UpdatedAt = now
	if err := m.apply(next); err != nil {
		return err
	}
	m.cancelTimer()

	log.Info("Session ended", "session", m.id, "price", next.CurrentPrice, "winner", deref(next.LeadingUserID))
	m.metrics.IncTransition(string(types.StatusEnded))
	m.emitState()

	if next.LeadingBidID != nil && next.LeadingUserID != nil {
		m.handOff(types.Settlement{
			SessionID:    m.id,
			WinnerUserID: *next.LeadingUserID,
			BidID:        *next.LeadingBidID,
			FinalPrice:   next.CurrentPrice,
			EndedAt:      now,
		})
	}
	return nil
}

// Commands

func (m *machine) forceEnd() error {
	if m.session.Status != types.StatusLive {
		return errors.New(errors.ErrSessionNotLive, "Session is not live").
			WithMeta("status", m.session.Status)
	}
	return m.finish(m.clock.Now())
}

func (m *machine) cancel() error {
	s := m.session
	if s.Status != types.StatusScheduled && s.Status != types.StatusLive {
		return errors.New(errors.ErrInvalidTransition, "Only scheduled or live sessions can be cancelled").
			WithMeta("status", s.Status)
	}

	now := m.clock.Now()
	next := s
	next.Status = types.StatusCancelled
	next.EndTimeActual = &now
	next.UpdatedAt = now
	if err := m.apply(next); err != nil {
		return err
	}
	m.cancelTimer()

	log.Info("Session cancelled", "session", m.id, "from", s.Status)
	m.metrics.IncTransition(string(types.StatusCancelled))
	m.emitState()
	return nil
}

func (m *machine) scheduleDraft() error {
	if m.session.Status != types.StatusDraft {
		return errors.New(errors.ErrInvalidTransition, "Only draft sessions can be scheduled").
			WithMeta("status", m.session.Status)
	}

	next := m.session
	next.Status = types.StatusScheduled
	next.UpdatedAt = m.clock.Now()
	if err := m.apply(next); err != nil {
		return err
	}

	log.Info("Session scheduled", "session", m.id, "start", next.StartTime)
	m.metrics.IncTransition(string(types.StatusScheduled))
	m.emitState()
	m.arm()
	return nil
}

func (m *machine) placeBid(userID string, amount int64) (types.BidAccepted, error) {
	now := m.clock.Now()
	m.touch(now)
	s := m.session

	if s.Status != types.StatusLive || !now.Before(s.EndTimeEffective) {
		return types.BidAccepted{}, errors.New(errors.ErrSessionNotLive, "Session is not accepting bids").
			WithMeta("status", s.Status)
	}
	minimum := s.CurrentPrice + s.IncrementStep
	if amount < minimum {
		return types.BidAccepted{}, errors.New(errors.ErrBidTooLow, "Bid must be at least the current price plus the increment").
			WithMeta("currentPrice", s.CurrentPrice).
			WithMeta("minimumBid", minimum)
	}

	bid := types.Bid{
		ID:        uuid.NewString(),
		SessionID: m.id,
		UserID:    userID,
		Amount:    amount,
		IsLeading: true,
		CreatedAt: now,
	}
	next := s
	next.CurrentPrice = amount
	next.LeadingBidID = &bid.ID
	next.LeadingUserID = &bid.UserID
	next.UpdatedAt = now
	next.Version = s.Version + 1

	extended := false
	if s.EndTimeEffective.Sub(now) <= s.AntiSnipeWindow() {
		if candidate := now.Add(s.AntiSnipeExtend()); candidate.After(s.EndTimeEffective) {
			next.EndTimeEffective = candidate
			extended = true
		}
	}

	ctx, cancel := m.storeCtx()
	err := m.store.CommitBid(ctx, types.BidCommit{
		Session:              next,
		Bid:                  bid,
		PreviousLeadingBidID: s.LeadingBidID,
		ExpectedPrice:        s.CurrentPrice,
	})
	cancel()
	if err != nil {
		return types.BidAccepted{}, m.storeFailure("commit bid", err)
	}

	m.session = next
	if extended {
		m.schedule(next.EndTimeEffective, m.onEndDue)
		m.metrics.IncExtension()
		log.Debug("Anti-snipe extension", "session", m.id, "from", s.EndTimeEffective, "to", next.EndTimeEffective)
	}
	log.Debug("Bid accepted", "session", m.id, "user", userID, "amount", amount)

	accepted := types.BidAccepted{
		BidID:     bid.ID,
		SessionID: m.id,
		UserID:    userID,
		Amount:    amount,
		EndsAt:    next.EndTimeEffective,
		Extended:  extended,
	}
	m.publish(types.EventBidAccepted, types.SeqFor(next.Version, types.SeqSlotBid), accepted)
	m.emitState()
	return accepted, nil
}

// chat is not a session write, so it travels outside the session sequence with seq 0.
func (m *machine) chat(userID, text string) {
	now := m.clock.Now()
	m.touch(now)
	m.publish(types.EventChatMessage, 0, types.ChatMessage{
		SessionID: m.id,
		UserID:    userID,
		Text:      text,
		Timestamp: now,
	})
}

// Persistence

// apply persists next as the following version, guarded by the current price and version, and
// adopts it on success.
func (m *machine) apply(next types.AuctionSession) error {
	next.Version = m.session.Version + 1
	ctx, cancel := m.storeCtx()
	err := m.store.SaveSession(ctx, next, m.session.CurrentPrice)
	cancel()
	if err != nil {
		return m.storeFailure("save session", err)
	}
	m.session = next
	m.publishView(m.clock.Now())
	return nil
}

// storeFailure leaves in-memory state untouched. A conflict means another writer, possibly
// another process, changed the row, so the machine reloads and re-arms from the store.
func (m *machine) storeFailure(op string, err error) error {
	if errors.HasCode(err, errors.ErrConflict) {
		log.Error("Stale session write rejected", "session", m.id, "op", op,
			"price", m.session.CurrentPrice, "version", m.session.Version, "err", err)
		m.metrics.IncConflict()
		m.reconcile()
		return errors.Wrap(err, "Session changed concurrently, retry")
	}
	if errors.HasCode(err, errors.ErrSessionNotFound) {
		return err
	}
	return errors.Retryable(errors.ErrStoreUnavailable, "Session store unavailable", err)
}

func (m *machine) reconcile() {
	ctx, cancel := m.storeCtx()
	fresh, err := m.store.LoadSession(ctx, m.id)
	cancel()
	if err != nil {
		log.Error("Failed to reload session after conflict", "session", m.id, "err", err)
		return
	}
	m.session = fresh
	m.arm()
	m.emitState()
}

// refresh adopts the stored row when another process has written past the cached version.
// Terminal sessions never change, and a failed read keeps serving the cached state.
func (m *machine) refresh() {
	if m.session.Status.Terminal() {
		return
	}
	ctx, cancel := m.storeCtx()
	fresh, err := m.store.LoadSession(ctx, m.id)
	cancel()
	if err != nil {
		log.Warn("Failed to refresh session, serving cached state", "session", m.id, "err", err)
		return
	}
	if fresh.Version <= m.session.Version {
		return
	}
	log.Debug("Session advanced elsewhere", "session", m.id, "from", m.session.Version, "to", fresh.Version)
	m.session = fresh
	m.arm()
	m.publishView(m.clock.Now())
}

// Events

// emitState broadcasts the state of the current version. Every process derives the same seq
// for it, so viewers drop the copy they already saw.
func (m *machine) emitState() {
	m.publish(types.EventAuctionState, types.SeqFor(m.session.Version, types.SeqSlotState), m.state(m.clock.Now()))
}

// publish queues the event. A full outbox drops the event; viewers notice the gap and
// resynchronise.
func (m *machine) publish(eventType string, seq uint64, payload any) {
	ev, err := types.NewEvent(eventType, m.id, seq, payload)
	if err != nil {
		log.Error("Failed to encode event", "session", m.id, "type", eventType, "err", err)
		return
	}
	m.publishView(m.clock.Now())

	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StoreTimeout)
		defer cancel()
		if err := m.pub.Publish(ctx, ev); err != nil {
			log.Error("Event not delivered", "session", m.id, "type", ev.Type, "seq", ev.Seq, "err", err)
		}
	}
	select {
	case m.outbox <- task:
	default:
		m.metrics.IncDropped()
		log.Warn("Outbox full, dropping event", "session", m.id, "type", eventType, "seq", seq)
	}
}

// handOff queues the winner for settlement behind the events already emitted. When the outbox
// is full the settlement runs on its own goroutine instead, so the actor never blocks on it.
func (m *machine) handOff(s types.Settlement) {
	if m.settler == nil {
		log.Info("Session won", "session", s.SessionID, "winner", s.WinnerUserID, "price", s.FinalPrice)
		return
	}
	settle := func() {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = m.cfg.SettleRetry
		err := backoff.RetryNotify(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StoreTimeout)
			defer cancel()
			return m.settler.Settle(ctx, s)
		}, b, func(err error, next time.Duration) {
			log.Warn("Settlement failed, retrying", "session", s.SessionID, "in", next, "err", err)
		})
		if err != nil {
			log.Error("Settlement abandoned", "session", s.SessionID, "winner", s.WinnerUserID, "err", err)
		}
	}
	select {
	case m.outbox <- settle:
	default:
		log.Warn("Outbox full, settling out of order", "session", s.SessionID, "winner", s.WinnerUserID)
		m.settling.Add(1)
		go func() {
			defer m.settling.Done()
			settle()
		}()
	}
}

// Views

func (m *machine) state(now time.Time) types.AuctionState {
	s := m.session
	end := s.EndTimeEffective
	if s.EndTimeActual != nil {
		end = *s.EndTimeActual
	}
	return types.AuctionState{
		SessionID:        s.ID,
		Status:           s.Status,
		CurrentPrice:     s.CurrentPrice,
		IncrementStep:    s.IncrementStep,
		LeadingBidID:     deref(s.LeadingBidID),
		LeadingUserID:    deref(s.LeadingUserID),
		StartsAt:         s.StartTime,
		EndsAt:           end,
		TimeRemainingSec: int64(s.TimeRemaining(now).Round(time.Second) / time.Second),
		Viewers:          int(m.viewers.Load()),
		Seq:              types.SeqFor(s.Version, types.SeqSlotState),
	}
}

func (m *machine) publishView(now time.Time) {
	st := m.state(now)
	m.view.Store(&st)
}

// Sync reads the session through the actor after catching up with writes made by other
// processes, so Seq matches the last state emitted for that version.
func (m *machine) Sync(ctx context.Context) (types.AuctionState, error) {
	var st types.AuctionState
	err := m.do(ctx, func() {
		m.refresh()
		st = m.state(m.clock.Now())
	})
	return st, err
}

// Snapshot returns the last published view without waiting on the actor.
func (m *machine) Snapshot(now time.Time) types.AuctionState {
	st := *m.view.Load()
	st.Viewers = int(m.viewers.Load())
	if st.Status == types.StatusScheduled || st.Status == types.StatusLive {
		if d := st.EndsAt.Sub(now); d > 0 {
			st.TimeRemainingSec = int64(d.Round(time.Second) / time.Second)
		} else {
			st.TimeRemainingSec = 0
		}
	}
	return st
}

func (m *machine) touch(now time.Time) {
	m.lastActive.Store(now.UnixNano())
}

func (m *machine) addViewer(now time.Time) {
	m.viewers.Add(1)
	m.touch(now)
}

func (m *machine) removeViewer(now time.Time) {
	if m.viewers.Add(-1) < 0 {
		m.viewers.Store(0)
	}
	m.touch(now)
}

// idle reports whether the machine may be evicted: terminal, unwatched and quiet for grace.
func (m *machine) idle(now time.Time, grace time.Duration) bool {
	if !m.view.Load().Status.Terminal() || m.viewers.Load() > 0 {
		return false
	}
	last := time.Unix(0, m.lastActive.Load())
	return !last.Add(grace).After(now)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
