package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Martin-Hayot/auction-engine/internal/fanout"
	"github.com/Martin-Hayot/auction-engine/pkg/errors"
	"github.com/Martin-Hayot/auction-engine/pkg/types"
)

type Client struct {
	ID          string
	User        types.User
	Conn        *websocket.Conn
	Send        chan []byte   // Outgoing frames
	RateLimiter *rate.Limiter // Inbound message budget

	handler *AuctionHandler
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
	rooms  map[string]*room
}

// room is one joined session. lastSeq is owned by the room's pump goroutine.
type room struct {
	sessionID string
	sub       *fanout.Subscription
	lastSeq   uint64
	resync    chan struct{}
	done      chan struct{}
}

// ReadMessages reads frames until the connection fails, then disconnects the client.
func (c *Client) ReadMessages(handleMessage func(*Client, []byte)) {
	defer func() {
		c.Disconnect()
		log.Debugf("Connection closed for client %s", c.ID)
	}()

	cfg := c.handler.cfg
	pongWait := 2 * cfg.PingInterval
	c.Conn.SetReadLimit(cfg.MaxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("Error reading message from client %s: %v", c.ID, err)
			}
			return
		}
		handleMessage(c, message)
	}
}

// WriteMessages drains Send to the connection and keeps it alive with pings.
func (c *Client) WriteMessages() {
	cfg := c.handler.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debugf("Error sending message to client %s: %v", c.ID, err)
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// send queues a frame. A client that cannot keep up is disconnected.
func (c *Client) send(frame []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.Send <- frame:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		log.Warn("Send buffer full, disconnecting client", "user", c.ID)
		c.Disconnect()
	}
}

func (c *Client) sendEvent(ev types.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		log.Error("Failed to encode event", "type", ev.Type, "err", err)
		return
	}
	c.send(raw)
}

func (c *Client) sendError(err error) {
	c.send([]byte(errors.As(err).ToJSON()))
}

func (c *Client) sendState(st types.AuctionState) {
	ev, err := types.NewEvent(types.EventAuctionState, st.SessionID, st.Seq, st)
	if err != nil {
		log.Error("Failed to encode state", "session", st.SessionID, "err", err)
		return
	}
	c.sendEvent(ev)
}

func (c *Client) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, c.handler.cfg.RequestTimeout)
}

// join subscribes to the session before reading its state, so no event after the returned
// seq can be missed.
func (c *Client) join(sessionID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if r, ok := c.rooms[sessionID]; ok {
		c.mu.Unlock()
		r.requestResync()
		return nil
	}
	c.mu.Unlock()

	ctx, cancel := c.requestContext()
	defer cancel()

	sub, err := c.handler.hub.Subscribe(ctx, sessionID)
	if err != nil {
		return errors.Retryable(errors.ErrStoreUnavailable, "Failed to subscribe to session", err)
	}
	st, err := c.handler.engine.JoinSession(ctx, sessionID)
	if err != nil {
		sub.Close()
		return err
	}

	r := &room{
		sessionID: sessionID,
		sub:       sub,
		lastSeq:   st.Seq,
		resync:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	c.mu.Lock()
	_, dup := c.rooms[sessionID]
	if c.closed || dup {
		c.mu.Unlock()
		sub.Close()
		c.handler.engine.LeaveSession(sessionID)
		return nil
	}
	c.rooms[sessionID] = r
	c.mu.Unlock()

	c.sendState(st)
	go c.pump(r)
	log.Debug("Client joined session", "user", c.ID, "session", sessionID, "seq", st.Seq)
	return nil
}

func (c *Client) leave(sessionID string) {
	c.mu.Lock()
	r, ok := c.rooms[sessionID]
	delete(c.rooms, sessionID)
	c.mu.Unlock()
	if ok {
		c.closeRoom(r)
	}
}

func (c *Client) closeRoom(r *room) {
	close(r.done)
	r.sub.Close()
	c.handler.engine.LeaveSession(r.sessionID)
}

func (c *Client) joined(sessionID string) (*room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[sessionID]
	return r, ok
}

func (r *room) requestResync() {
	select {
	case r.resync <- struct{}{}:
	default:
	}
}

// pump forwards a session's events in seq order. Duplicates are dropped; a gap is repaired
// with a fresh snapshot rather than a replay.
func (c *Client) pump(r *room) {
	for {
		select {
		case ev, ok := <-r.sub.C:
			if !ok {
				return
			}
			// Seqs are spaced by session version. Anything within the next version is in order;
			// a skipped version means a lost write.
			switch {
			case ev.Seq == 0:
				c.sendEvent(ev)
			case ev.Seq <= r.lastSeq:
				log.Debug("Dropping duplicate event", "session", r.sessionID, "seq", ev.Seq, "last", r.lastSeq)
			case types.SeqVersion(ev.Seq) <= types.SeqVersion(r.lastSeq)+1:
				r.lastSeq = ev.Seq
				c.sendEvent(ev)
			default:
				log.Debug("Event gap, resynchronising", "session", r.sessionID, "seq", ev.Seq, "last", r.lastSeq)
				c.resync(r)
			}
		case <-r.resync:
			c.resync(r)
		case <-r.done:
			return
		}
	}
}

func (c *Client) resync(r *room) {
	ctx, cancel := c.requestContext()
	defer cancel()
	st, err := c.handler.engine.Snapshot(ctx, r.sessionID)
	if err != nil {
		c.sendError(err)
		return
	}
	if st.Seq > r.lastSeq {
		r.lastSeq = st.Seq
	}
	c.sendState(st)
}

// Disconnect leaves every joined session and closes the connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.Send)
	rooms := c.rooms
	c.rooms = make(map[string]*room)
	c.mu.Unlock()

	c.cancel()
	for _, r := range rooms {
		c.closeRoom(r)
	}
	c.handler.unregister(c)
	log.Debugf("Client %s cleanup completed", c.ID)
}
