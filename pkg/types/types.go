package types

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleBidder Role = "BIDDER"
)

type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

// SessionStatus is the lifecycle state of an auction session.
type SessionStatus string

const (
	StatusDraft     SessionStatus = "DRAFT"
	StatusScheduled SessionStatus = "SCHEDULED"
	StatusLive      SessionStatus = "LIVE"
	StatusEnded     SessionStatus = "ENDED"
	StatusCancelled SessionStatus = "CANCELLED"
)

// Terminal reports whether no further transition can leave this status.
func (s SessionStatus) Terminal() bool {
	return s == StatusEnded || s == StatusCancelled
}

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusLive, StatusEnded, StatusCancelled:
		return true
	}
	return false
}

// AuctionSession is the durable record of one timed auction. Prices are in minor units.
type AuctionSession struct {
	ID                 string        `json:"id"`
	ProductID          string        `json:"productId"`
	Status             SessionStatus `json:"status"`
	StartTime          time.Time     `json:"startTime"`
	EndTimePlanned     time.Time     `json:"endTimePlanned"`
	EndTimeEffective   time.Time     `json:"endTimeEffective"`
	EndTimeActual      *time.Time    `json:"endTimeActual,omitempty"`
	AntiSnipeWindowSec int           `json:"antiSnipeWindowSec"`
	AntiSnipeExtendSec int           `json:"antiSnipeExtendSec"`
	StartingPrice      int64         `json:"startingPrice"`
	IncrementStep      int64         `json:"incrementStep"`
	CurrentPrice       int64         `json:"currentPrice"`
	LeadingBidID       *string       `json:"leadingBidId,omitempty"`
	LeadingUserID      *string       `json:"leadingUserId,omitempty"`
	CreatedByID        string        `json:"createdById"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
	// Version counts committed writes to the row. Every guarded write stores Version+1.
	Version            int64         `json:"version"`
}

func (s AuctionSession) AntiSnipeWindow() time.Duration {
	return time.Duration(s.AntiSnipeWindowSec) * time.Second
}

func (s AuctionSession) AntiSnipeExtend() time.Duration {
	return time.Duration(s.AntiSnipeExtendSec) * time.Second
}

// TimeRemaining is zero once the session is past its effective end or no longer bidding.
func (s AuctionSession) TimeRemaining(now time.Time) time.Duration {
	if s.Status.Terminal() || s.Status == StatusDraft {
		return 0
	}
	if d := s.EndTimeEffective.Sub(now); d > 0 {
		return d
	}
	return 0
}

type Bid struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Amount    int64     `json:"amount"`
	IsLeading bool      `json:"isLeading"`
	CreatedAt time.Time `json:"createdAt"`
}

// BidCommit carries everything the store must apply in a single transaction when a bid is
// accepted: the new bid, the cleared previous leader and the updated session row.
// Session.Version is the version being written; the stored row must hold Session.Version-1.
type BidCommit struct {
	Session              AuctionSession
	Bid                  Bid
	PreviousLeadingBidID *string
	ExpectedPrice        int64
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPaid      OrderStatus = "PAID"
	OrderCancelled OrderStatus = "CANCELLED"
)

type Order struct {
	ID           string      `json:"id"`
	SessionID    string      `json:"sessionId"`
	WinnerUserID string      `json:"winnerUserId"`
	FinalPrice   int64       `json:"finalPrice"`
	Status       OrderStatus `json:"status"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// Settlement is the winner hand-off produced when a session ends with a leading bid.
type Settlement struct {
	SessionID    string    `json:"sessionId"`
	WinnerUserID string    `json:"winnerUserId"`
	BidID        string    `json:"bidId"`
	FinalPrice   int64     `json:"finalPrice"`
	EndedAt      time.Time `json:"endedAt"`
}

type CreateSessionParams struct {
	ProductID          string        `json:"productId"`
	Status             SessionStatus `json:"status,omitempty"`
	StartTime          time.Time     `json:"startTime"`
	EndTimePlanned     time.Time     `json:"endTimePlanned"`
	AntiSnipeWindowSec int           `json:"antiSnipeWindowSec"`
	AntiSnipeExtendSec int           `json:"antiSnipeExtendSec"`
	StartingPrice      int64         `json:"startingPrice"`
	IncrementStep      int64         `json:"incrementStep"`
	CreatedByID        string        `json:"createdById"`
}

// Event types fanned out to viewers.
const (
	EventAuctionState = "auction_state"
	EventBidAccepted  = "bid_accepted"
	EventBidRejected  = "bid_rejected"
	EventChatMessage  = "chat_message"
)

// Event is the envelope published on the broadcast channel and written to viewer sockets.
// Seq is derived from the session version that produced the event, so every process running
// the session orders events the same way. Viewers use it to drop duplicates and detect gaps.
// Events outside the session sequence, such as chat, carry seq 0.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Seq       uint64          `json:"seq"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SeqStride leaves room for every event emitted by one session write.
const SeqStride = 4

// Slots within one version, in emit order.
const (
	SeqSlotBid   uint64 = 1
	SeqSlotState uint64 = 2
)

// SeqFor is the seq of the event in slot emitted by the write that produced version.
func SeqFor(version int64, slot uint64) uint64 {
	if version < 0 {
		version = 0
	}
	return uint64(version)*SeqStride + slot
}

// SeqVersion is the session version an event seq belongs to.
func SeqVersion(seq uint64) int64 {
	return int64(seq / SeqStride)
}

func NewEvent(eventType, sessionID string, seq uint64, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, SessionID: sessionID, Seq: seq, Data: data}, nil
}

// AuctionState is the resynchronisation snapshot of a session.
type AuctionState struct {
	SessionID        string        `json:"sessionId"`
	Status           SessionStatus `json:"status"`
	CurrentPrice     int64         `json:"currentPrice"`
	IncrementStep    int64         `json:"incrementStep"`
	LeadingBidID     string        `json:"leadingBidId,omitempty"`
	LeadingUserID    string        `json:"leadingUserId,omitempty"`
	StartsAt         time.Time     `json:"startsAt"`
	EndsAt           time.Time     `json:"endsAt"`
	TimeRemainingSec int64         `json:"timeRemainingSec"`
	Viewers          int           `json:"viewers"`
	Seq              uint64        `json:"seq"`
}

type BidAccepted struct {
	BidID     string    `json:"bidId"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Amount    int64     `json:"amount"`
	EndsAt    time.Time `json:"endsAt"`
	Extended  bool      `json:"extended"`
}

type BidRejected struct {
	SessionID string         `json:"sessionId"`
	Reason    string         `json:"reason"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

type ChatMessage struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
