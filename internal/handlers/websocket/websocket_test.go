package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martin-Hayot/auction-engine/internal/auth"
	"github.com/Martin-Hayot/auction-engine/internal/clock"
	"github.com/Martin-Hayot/auction-engine/internal/database"
	"github.com/Martin-Hayot/auction-engine/internal/engine"
	"github.com/Martin-Hayot/auction-engine/internal/fanout"
	"github.com/Martin-Hayot/auction-engine/internal/ratelimit"
	"github.com/Martin-Hayot/auction-engine/pkg/errors"
	"github.com/Martin-Hayot/auction-engine/pkg/types"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Seq       uint64          `json:"seq"`
	Data      json.RawMessage `json:"data"`
	Code      int             `json:"code"`
	Reason    string          `json:"reason"`
	Message   string          `json:"message"`
}

func startHub(t *testing.T) *fanout.Hub {
	t.Helper()
	hub := fanout.NewHub(fanout.NewMemoryBus().Attach(64), fanout.DefaultHubConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		_ = hub.Close()
	})
	return hub
}

func serve(t *testing.T, h *AuctionHandler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleAuctionWebSocket))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/auction"
	header := http.Header{}
	header.Set("X-User-ID", user)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Message{Type: msgType, Data: raw}))
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readUntil skips frames until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		if f := read(t, conn); f.Type == frameType {
			return f
		}
	}
	t.Fatalf("no %s frame received", frameType)
	return frame{}
}

func TestAuctionWebSocket_EndToEnd(t *testing.T) {
	clk := clock.NewFake(t0)
	store := database.NewMemoryStore()
	require.NoError(t, store.CreateSession(context.Background(), types.AuctionSession{
		ID:                 "s1",
		ProductID:          "p1",
		Status:             types.StatusLive,
		StartTime:          t0.Add(-time.Minute),
		EndTimePlanned:     t0.Add(30 * time.Minute),
		EndTimeEffective:   t0.Add(30 * time.Minute),
		AntiSnipeWindowSec: 60,
		AntiSnipeExtendSec: 30,
		StartingPrice:      1000,
		IncrementStep:      50,
		CurrentPrice:       1000,
		CreatedByID:        "admin",
	}))

	hub := startHub(t)
	eng, err := engine.New(engine.DefaultConfig(), engine.Deps{
		Store:     store,
		Publisher: hub,
		Settler:   store,
		Limiter:   ratelimit.NewMemory(clk, 0),
		Clock:     clk,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Close)

	h := NewAuctionWebSocketHandler(eng, hub, auth.DevAuthenticator{}, DefaultConfig())
	srv := serve(t, h)

	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	for _, conn := range []*websocket.Conn{alice, bob} {
		send(t, conn, MsgJoinRoom, RoomMessage{SessionID: "s1"})
		f := read(t, conn)
		require.Equal(t, types.EventAuctionState, f.Type)
		var st types.AuctionState
		require.NoError(t, json.Unmarshal(f.Data, &st))
		assert.Equal(t, types.StatusLive, st.Status)
		assert.Equal(t, int64(1000), st.CurrentPrice)
	}

	send(t, alice, MsgPlaceBid, BidMessage{SessionID: "s1", Amount: 1050})
	f := readUntil(t, bob, types.EventBidAccepted)
	var accepted types.BidAccepted
	require.NoError(t, json.Unmarshal(f.Data, &accepted))
	assert.Equal(t, "alice", accepted.UserID)
	assert.Equal(t, int64(1050), accepted.Amount)
	assert.Equal(t, "s1", f.SessionID)

	f = readUntil(t, bob, types.EventAuctionState)
	var st types.AuctionState
	require.NoError(t, json.Unmarshal(f.Data, &st))
	assert.Equal(t, int64(1050), st.CurrentPrice)
	assert.Equal(t, "alice", st.LeadingUserID)

	send(t, bob, MsgPlaceBid, BidMessage{SessionID: "s1", Amount: 1050})
	f = readUntil(t, bob, types.EventBidRejected)
	var rejected types.BidRejected
	require.NoError(t, json.Unmarshal(f.Data, &rejected))
	assert.Equal(t, "BID_TOO_LOW", rejected.Reason)
	assert.Equal(t, float64(1100), rejected.Details["minimumBid"])

	send(t, alice, MsgSendMessage, ChatMessage{SessionID: "s1", Text: "good luck"})
	f = readUntil(t, bob, types.EventChatMessage)
	var chat types.ChatMessage
	require.NoError(t, json.Unmarshal(f.Data, &chat))
	assert.Equal(t, "alice", chat.UserID)
	assert.Equal(t, "good luck", chat.Text)

	send(t, alice, MsgJoinRoom, RoomMessage{SessionID: "missing"})
	f = readUntil(t, alice, "error")
	assert.Equal(t, errors.ErrSessionNotFound, f.Code)
}

func TestAuctionWebSocket_RejectsUnauthenticated(t *testing.T) {
	h := NewAuctionWebSocketHandler(&fakeEngine{}, startHub(t), auth.DevAuthenticator{}, DefaultConfig())
	srv := serve(t, h)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/auction"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

type fakeEngine struct {
	mu      sync.Mutex
	joinSeq uint64
	snapSeq uint64
	left    []string
}

func (f *fakeEngine) JoinSession(_ context.Context, id string) (types.AuctionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.AuctionState{SessionID: id, Status: types.StatusLive, Seq: f.joinSeq}, nil
}

func (f *fakeEngine) LeaveSession(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, id)
}

func (f *fakeEngine) leftSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.left...)
}

func (f *fakeEngine) Snapshot(_ context.Context, id string) (types.AuctionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.AuctionState{SessionID: id, Status: types.StatusLive, Seq: f.snapSeq}, nil
}

func (f *fakeEngine) SubmitBid(context.Context, string, string, int64) (types.BidAccepted, error) {
	return types.BidAccepted{}, errors.New(errors.ErrSessionNotLive, "Session is not accepting bids")
}

func (f *fakeEngine) SendChat(context.Context, string, string, string) error {
	return nil
}

func publish(t *testing.T, hub *fanout.Hub, eventType string, seq uint64) {
	t.Helper()
	ev, err := types.NewEvent(eventType, "s1", seq, types.ChatMessage{SessionID: "s1", Text: "x"})
	require.NoError(t, err)
	require.NoError(t, hub.Publish(context.Background(), ev))
}

func TestAuctionWebSocket_SeqGapsAndDuplicates(t *testing.T) {
	eng := &fakeEngine{
		joinSeq: types.SeqFor(2, types.SeqSlotState),
		snapSeq: types.SeqFor(5, types.SeqSlotState),
	}
	hub := startHub(t)
	h := NewAuctionWebSocketHandler(eng, hub, auth.DevAuthenticator{}, DefaultConfig())
	srv := serve(t, h)
	conn := dial(t, srv, "alice")

	send(t, conn, MsgJoinRoom, RoomMessage{SessionID: "s1"})
	f := read(t, conn)
	require.Equal(t, types.EventAuctionState, f.Type)
	assert.Equal(t, types.SeqFor(2, types.SeqSlotState), f.Seq)

	publish(t, hub, types.EventBidAccepted, types.SeqFor(3, types.SeqSlotBid))
	publish(t, hub, types.EventBidAccepted, types.SeqFor(3, types.SeqSlotBid)) // duplicate
	publish(t, hub, types.EventAuctionState, types.SeqFor(3, types.SeqSlotState))
	publish(t, hub, types.EventAuctionState, types.SeqFor(3, types.SeqSlotState)) // same state from another instance
	publish(t, hub, types.EventAuctionState, types.SeqFor(1, types.SeqSlotState)) // stale
	publish(t, hub, types.EventChatMessage, 0)
	publish(t, hub, types.EventBidAccepted, types.SeqFor(5, types.SeqSlotBid)) // version 4 was missed
	publish(t, hub, types.EventAuctionState, types.SeqFor(6, types.SeqSlotState))

	f = read(t, conn)
	assert.Equal(t, types.EventBidAccepted, f.Type)
	assert.Equal(t, types.SeqFor(3, types.SeqSlotBid), f.Seq)

	f = read(t, conn)
	assert.Equal(t, types.EventAuctionState, f.Type)
	assert.Equal(t, types.SeqFor(3, types.SeqSlotState), f.Seq)

	f = read(t, conn)
	assert.Equal(t, types.EventChatMessage, f.Type, "chat is outside the session sequence")
	assert.Zero(t, f.Seq)

	f = read(t, conn)
	assert.Equal(t, types.EventAuctionState, f.Type, "a gap is repaired with a snapshot")
	assert.Equal(t, types.SeqFor(5, types.SeqSlotState), f.Seq)

	f = read(t, conn)
	assert.Equal(t, types.EventAuctionState, f.Type)
	assert.Equal(t, types.SeqFor(6, types.SeqSlotState), f.Seq)

	send(t, conn, MsgSync, RoomMessage{SessionID: "s1"})
	f = read(t, conn)
	assert.Equal(t, types.EventAuctionState, f.Type)

	send(t, conn, MsgSync, RoomMessage{SessionID: "other"})
	f = read(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, errors.ErrInvalidArgument, f.Code)

	send(t, conn, MsgLeaveRoom, RoomMessage{SessionID: "s1"})
	require.Eventually(t, func() bool {
		return hub.Subscribers("s1") == 0 && len(eng.leftSessions()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// node is one server instance: its own engine and hub over a shared store and bus.
type node struct {
	eng *engine.Engine
	hub *fanout.Hub
}

func startNode(t *testing.T, store *database.MemoryStore, bus *fanout.MemoryBus, clk clock.Clock) node {
	t.Helper()
	hub := fanout.NewHub(bus.Attach(64), fanout.DefaultHubConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	eng, err := engine.New(engine.DefaultConfig(), engine.Deps{
		Store:     store,
		Publisher: hub,
		Settler:   store,
		Limiter:   ratelimit.NewMemory(clk, 0),
		Clock:     clk,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		eng.Close()
		cancel()
		_ = hub.Close()
	})
	return node{eng: eng, hub: hub}
}

func TestAuctionWebSocket_FollowsBidsFromAnotherInstance(t *testing.T) {
	clk := clock.NewFake(t0)
	store := database.NewMemoryStore()
	require.NoError(t, store.CreateSession(context.Background(), types.AuctionSession{
		ID:               "s1",
		ProductID:        "p1",
		Status:           types.StatusLive,
		StartTime:        t0.Add(-time.Minute),
		EndTimePlanned:   t0.Add(30 * time.Minute),
		EndTimeEffective: t0.Add(30 * time.Minute),
		StartingPrice:    1000,
		IncrementStep:    50,
		CurrentPrice:     1000,
		CreatedByID:      "admin",
		Version:          1,
	}))

	bus := fanout.NewMemoryBus()
	a := startNode(t, store, bus, clk)
	b := startNode(t, store, bus, clk)

	srv := serve(t, NewAuctionWebSocketHandler(b.eng, b.hub, auth.DevAuthenticator{}, DefaultConfig()))
	bob := dial(t, srv, "bob")
	send(t, bob, MsgJoinRoom, RoomMessage{SessionID: "s1"})
	f := read(t, bob)
	require.Equal(t, types.EventAuctionState, f.Type)
	assert.Equal(t, types.SeqFor(1, types.SeqSlotState), f.Seq)

	_, err := a.eng.SubmitBid(context.Background(), "s1", "alice", 1050)
	require.NoError(t, err)

	f = read(t, bob)
	require.Equal(t, types.EventBidAccepted, f.Type, "the bid reaches a viewer connected to the other instance")
	assert.Equal(t, types.SeqFor(2, types.SeqSlotBid), f.Seq)
	f = read(t, bob)
	require.Equal(t, types.EventAuctionState, f.Type)
	assert.Equal(t, types.SeqFor(2, types.SeqSlotState), f.Seq)

	// The instance that took no part in the bid still answers a sync with the new price.
	send(t, bob, MsgSync, RoomMessage{SessionID: "s1"})
	f = read(t, bob)
	require.Equal(t, types.EventAuctionState, f.Type)
	var st types.AuctionState
	require.NoError(t, json.Unmarshal(f.Data, &st))
	assert.Equal(t, int64(1050), st.CurrentPrice)
	assert.Equal(t, "alice", st.LeadingUserID)
	assert.Equal(t, types.SeqFor(2, types.SeqSlotState), st.Seq)

	// Bob outbids through his own instance and both instances agree.
	send(t, bob, MsgPlaceBid, BidMessage{SessionID: "s1", Amount: 1100})
	f = readUntil(t, bob, types.EventBidAccepted)
	assert.Equal(t, types.SeqFor(3, types.SeqSlotBid), f.Seq)

	fromA, err := a.eng.Snapshot(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1100), fromA.CurrentPrice)
	assert.Equal(t, "bob", fromA.LeadingUserID)
	assert.Equal(t, types.SeqFor(3, types.SeqSlotState), fromA.Seq)
}

func TestAuctionWebSocket_Errors(t *testing.T) {
	h := NewAuctionWebSocketHandler(&fakeEngine{}, startHub(t), auth.DevAuthenticator{}, DefaultConfig())
	srv := serve(t, h)
	conn := dial(t, srv, "alice")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	f := read(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, errors.ErrBadMessageFormat, f.Code)

	send(t, conn, "teleport", RoomMessage{SessionID: "s1"})
	f = read(t, conn)
	assert.Equal(t, errors.ErrUnknownMessageType, f.Code)
	assert.Equal(t, "UNKNOWN_MESSAGE", f.Reason)

	require.NoError(t, conn.WriteJSON(Message{Type: MsgJoinRoom}))
	f = read(t, conn)
	assert.Equal(t, errors.ErrBadMessageFormat, f.Code)

	send(t, conn, MsgPlaceBid, BidMessage{SessionID: "s1", Amount: 10})
	f = read(t, conn)
	assert.Equal(t, types.EventBidRejected, f.Type)
	var rejected types.BidRejected
	require.NoError(t, json.Unmarshal(f.Data, &rejected))
	assert.Equal(t, "SESSION_NOT_LIVE", rejected.Reason)
}

func TestAuctionWebSocket_RateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessagesPerSecond = 0.01
	cfg.Burst = 1
	eng := &fakeEngine{}
	h := NewAuctionWebSocketHandler(eng, startHub(t), auth.DevAuthenticator{}, cfg)
	srv := serve(t, h)
	conn := dial(t, srv, "alice")

	send(t, conn, MsgJoinRoom, RoomMessage{SessionID: "s1"})
	assert.Equal(t, types.EventAuctionState, read(t, conn).Type)

	send(t, conn, MsgSync, RoomMessage{SessionID: "s1"})
	f := read(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, errors.ErrRateLimited, f.Code)
}

func TestAuctionWebSocket_DisconnectLeavesRooms(t *testing.T) {
	eng := &fakeEngine{}
	hub := startHub(t)
	h := NewAuctionWebSocketHandler(eng, hub, auth.DevAuthenticator{}, DefaultConfig())
	srv := serve(t, h)
	conn := dial(t, srv, "alice")

	send(t, conn, MsgJoinRoom, RoomMessage{SessionID: "s1"})
	read(t, conn)
	assert.Equal(t, 1, h.Clients())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return h.Clients() == 0 && hub.Subscribers("s1") == 0 && len(eng.leftSessions()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
