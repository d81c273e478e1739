package fanout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lib/pq"
)

// PostgresBroadcaster uses pg_notify and LISTEN as the shared channel, for deployments that
// run without Redis. Payloads must stay under the 8000 byte NOTIFY limit.
type PostgresBroadcaster struct {
	db       *sql.DB
	listener *pq.Listener
	msgs     chan Message
	done     chan struct{}
	once     sync.Once
}

// NewPostgresBroadcaster publishes through db and listens on a dedicated lib/pq connection
// opened from dsn.
func NewPostgresBroadcaster(db *sql.DB, dsn string, buffer int) *PostgresBroadcaster {
	listener := pq.NewListener(dsn, 100*time.Millisecond, 10*time.Second,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Warn("Postgres listener event", "event", ev, "err", err)
			}
		})

	b := &PostgresBroadcaster{
		db:       db,
		listener: listener,
		msgs:     make(chan Message, buffer),
		done:     make(chan struct{}),
	}
	go b.pump()
	return b
}

func (b *PostgresBroadcaster) pump() {
	defer close(b.msgs)
	ticker := time.NewTicker(90 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case n := <-b.listener.Notify:
			// nil signals a reconnect; notifications sent meanwhile are lost and viewers
			// recover through resync.
			if n == nil {
				log.Info("Postgres listener reconnected")
				continue
			}
			select {
			case b.msgs <- Message{Topic: n.Channel, Payload: []byte(n.Extra)}:
			case <-b.done:
				return
			}
		case <-ticker.C:
			go func() {
				if err := b.listener.Ping(); err != nil {
					log.Warn("Postgres listener ping failed", "err", err)
				}
			}()
		case <-b.done:
			return
		}
	}
}

func (b *PostgresBroadcaster) Publish(ctx context.Context, topic string, payload []byte) error {
	if _, err := b.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, topic, string(payload)); err != nil {
		return fmt.Errorf("pg_notify %s: %w", topic, err)
	}
	return nil
}

func (b *PostgresBroadcaster) Subscribe(_ context.Context, topics ...string) error {
	for _, t := range topics {
		if err := b.listener.Listen(t); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
			return fmt.Errorf("listen %s: %w", t, err)
		}
	}
	return nil
}

func (b *PostgresBroadcaster) Unsubscribe(_ context.Context, topics ...string) error {
	for _, t := range topics {
		if err := b.listener.Unlisten(t); err != nil && !errors.Is(err, pq.ErrChannelNotOpen) {
			return fmt.Errorf("unlisten %s: %w", t, err)
		}
	}
	return nil
}

func (b *PostgresBroadcaster) Messages() <-chan Message {
	return b.msgs
}

func (b *PostgresBroadcaster) Close() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		err = b.listener.Close()
	})
	return err
}
