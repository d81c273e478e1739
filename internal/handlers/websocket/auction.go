package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Martin-Hayot/auction-engine/internal/auth"
	"github.com/Martin-Hayot/auction-engine/internal/fanout"
	"github.com/Martin-Hayot/auction-engine/pkg/errors"
	"github.com/Martin-Hayot/auction-engine/pkg/types"
)

// Engine is the part of the auction engine driven by viewer connections.
type Engine interface {
	JoinSession(ctx context.Context, sessionID string) (types.AuctionState, error)
	LeaveSession(sessionID string)
	Snapshot(ctx context.Context, sessionID string) (types.AuctionState, error)
	SubmitBid(ctx context.Context, sessionID, userID string, amount int64) (types.BidAccepted, error)
	SendChat(ctx context.Context, sessionID, userID, text string) error
}

// Subscriber streams the broadcast events of a session to this process.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string) (*fanout.Subscription, error)
}

type Config struct {
	PingInterval      time.Duration
	WriteWait         time.Duration
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	SendBuffer        int
	RequestTimeout    time.Duration
	AllowCrossOrigin  bool
}

func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		WriteWait:         10 * time.Second,
		MaxMessageSize:    4096,
		MessagesPerSecond: 5,
		Burst:             10,
		SendBuffer:        64,
		RequestTimeout:    5 * time.Second,
	}
}

type AuctionHandler struct {
	engine   Engine
	hub      Subscriber
	auth     auth.Authenticator
	cfg      Config
	upgrader websocket.Upgrader

	clientLock sync.Mutex
	clients    map[*Client]struct{}
}

func NewAuctionWebSocketHandler(engine Engine, hub Subscriber, authn auth.Authenticator, cfg Config) *AuctionHandler {
	d := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = d.PingInterval
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = d.WriteWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = d.MaxMessageSize
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = d.MessagesPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = d.Burst
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = d.SendBuffer
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = d.RequestTimeout
	}

	h := &AuctionHandler{
		engine:  engine,
		hub:     hub,
		auth:    authn,
		cfg:     cfg,
		clients: make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	if cfg.AllowCrossOrigin {
		h.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return h
}

// HandleAuctionWebSocket authenticates the request and upgrades it to a viewer connection.
func (h *AuctionHandler) HandleAuctionWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := h.auth.Authenticate(r)
	if err != nil {
		log.Debug("Rejected websocket connection", "remote", r.RemoteAddr, "err", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(errors.As(err).ToJSON()))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		log.Info("Failed to upgrade connection", "user", user.ID, "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		ID:          user.ID,
		User:        user,
		Conn:        conn,
		Send:        make(chan []byte, h.cfg.SendBuffer),
		RateLimiter: rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), h.cfg.Burst),
		handler:     h,
		rooms:       make(map[string]*room),
		ctx:         ctx,
		cancel:      cancel,
	}

	h.clientLock.Lock()
	h.clients[client] = struct{}{}
	h.clientLock.Unlock()
	log.Debug("Client connected", "user", user.ID, "remote", r.RemoteAddr)

	go client.ReadMessages(h.HandleMessage)
	go client.WriteMessages()
}

func (h *AuctionHandler) unregister(c *Client) {
	h.clientLock.Lock()
	delete(h.clients, c)
	h.clientLock.Unlock()
}

// Clients returns the number of open viewer connections.
func (h *AuctionHandler) Clients() int {
	h.clientLock.Lock()
	defer h.clientLock.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *AuctionHandler) Close() {
	h.clientLock.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clientLock.Unlock()

	for _, c := range clients {
		c.Disconnect()
	}
}
