package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"

	"github.com/Martin-Hayot/auction-engine/internal/metrics"
	"github.com/Martin-Hayot/auction-engine/pkg/types"
)

const topicPrefix = "auction:session:"

// Topic is the broadcast channel carrying one session's events.
func Topic(sessionID string) string {
	return topicPrefix + sessionID
}

type HubConfig struct {
	// SubscriberBuffer is the per-subscription queue length; events beyond it are dropped.
	SubscriberBuffer int
	// PublishRetry bounds the total time spent retrying a failed publish.
	PublishRetry time.Duration
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		SubscriberBuffer: 64,
		PublishRetry:     2 * time.Second,
	}
}

type Hub struct {
	b       Broadcaster
	cfg     HubConfig
	metrics *metrics.Metrics

	mu     sync.Mutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
	closed bool
}

// Subscription receives the events of one session. C is closed when the subscription ends.
type Subscription struct {
	ID        uint64
	SessionID string
	C         <-chan types.Event

	ch   chan types.Event
	hub  *Hub
	once sync.Once
}

func NewHub(b Broadcaster, cfg HubConfig, m *metrics.Metrics) *Hub {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultHubConfig().SubscriberBuffer
	}
	return &Hub{
		b:       b,
		cfg:     cfg,
		metrics: m,
		subs:    make(map[string]map[uint64]*Subscription),
	}
}

// Run dispatches broadcast messages to local subscriptions until ctx is done or the
// broadcaster closes.
func (h *Hub) Run(ctx context.Context) {
	msgs := h.b.Messages()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			h.dispatch(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) dispatch(msg Message) {
	var ev types.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		log.Warn("Dropping undecodable broadcast message", "topic", msg.Topic, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs[ev.SessionID] {
		select {
		case s.ch <- ev:
		default:
			h.metrics.IncDropped()
			log.Debugf("Dropped %s seq %d for slow subscriber %d", ev.Type, ev.Seq, s.ID)
		}
	}
}

// Publish sends ev to every process subscribed to its session, retrying transient failures.
func (h *Hub) Publish(ctx context.Context, ev types.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.Type, err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = h.cfg.PublishRetry

	err = backoff.RetryNotify(func() error {
		return h.b.Publish(ctx, Topic(ev.SessionID), payload)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.Warn("Publish failed, retrying", "session", ev.SessionID, "type", ev.Type, "in", next, "err", err)
	})
	if err != nil {
		h.metrics.IncPublished(ev.Type, "error")
		return err
	}
	h.metrics.IncPublished(ev.Type, "ok")
	return nil
}

// Subscribe registers a local viewer for a session. The first local viewer of a session
// subscribes this process to the session topic.
func (h *Hub) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, fmt.Errorf("hub closed")
	}

	set := h.subs[sessionID]
	if set == nil {
		if err := h.b.Subscribe(ctx, Topic(sessionID)); err != nil {
			return nil, fmt.Errorf("subscribing to session %s: %w", sessionID, err)
		}
		set = make(map[uint64]*Subscription)
		h.subs[sessionID] = set
	}

	h.nextID++
	ch := make(chan types.Event, h.cfg.SubscriberBuffer)
	s := &Subscription{ID: h.nextID, SessionID: sessionID, C: ch, ch: ch, hub: h}
	set[s.ID] = s
	h.metrics.AddViewers(1)
	return s, nil
}

// Subscribers returns the number of local subscriptions for a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// Close ends the subscription; the last local subscription of a session unsubscribes the topic.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[s.SessionID]
	if !ok {
		return
	}
	if _, ok := set[s.ID]; !ok {
		return
	}
	delete(set, s.ID)
	close(s.ch)
	h.metrics.AddViewers(-1)

	if len(set) == 0 {
		delete(h.subs, s.SessionID)
		if err := h.b.Unsubscribe(context.Background(), Topic(s.SessionID)); err != nil {
			log.Warn("Unsubscribe failed", "session", s.SessionID, "err", err)
		}
	}
}

// Close ends every subscription and closes the broadcaster.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	for id, set := range h.subs {
		for _, s := range set {
			close(s.ch)
			h.metrics.AddViewers(-1)
		}
		delete(h.subs, id)
	}
	h.mu.Unlock()
	return h.b.Close()
}
