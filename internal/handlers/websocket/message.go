package websocket

import (
	"encoding/json"

	"github.com/charmbracelet/log"

	"github.com/Martin-Hayot/auction-engine/pkg/errors"
	"github.com/Martin-Hayot/auction-engine/pkg/types"
)

// Inbound message types.
const (
	MsgJoinRoom    = "join_room"
	MsgLeaveRoom   = "leave_room"
	MsgPlaceBid    = "place_bid"
	MsgSendMessage = "send_message"
	MsgSync        = "sync"
)

type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type RoomMessage struct {
	SessionID string `json:"sessionId"`
}

type BidMessage struct {
	SessionID string `json:"sessionId"`
	Amount    int64  `json:"amount"`
}

type ChatMessage struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// ParseMessage validates and parses incoming messages.
func ParseMessage(rawMessage []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(rawMessage, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, errors.New(errors.ErrBadMessageFormat, "Message type is required")
	}
	return &msg, nil
}

func decode(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		return errors.New(errors.ErrBadMessageFormat, "Message data is required")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return &errors.AppError{Code: errors.ErrBadMessageFormat, Message: "Invalid message data", Err: err}
	}
	return nil
}

// HandleMessage routes the message based on its type.
func (h *AuctionHandler) HandleMessage(client *Client, rawMessage []byte) {
	if !client.RateLimiter.Allow() {
		log.Warnf("Rate limit exceeded for client %s", client.ID)
		client.sendError(errors.New(errors.ErrRateLimited, "Rate limit exceeded"))
		return
	}

	msg, err := ParseMessage(rawMessage)
	if err != nil {
		log.Infof("Invalid message from client %s: %v", client.ID, err)
		client.sendError(errors.New(errors.ErrBadMessageFormat, "Invalid message format"))
		return
	}

	switch msg.Type {
	case MsgJoinRoom:
		err = h.handleJoin(client, msg.Data)
	case MsgLeaveRoom:
		err = h.handleLeave(client, msg.Data)
	case MsgPlaceBid:
		err = h.handleBid(client, msg.Data)
	case MsgSendMessage:
		err = h.handleChat(client, msg.Data)
	case MsgSync:
		err = h.handleSync(client, msg.Data)
	default:
		log.Debugf("Unknown message type: %s", msg.Type)
		err = errors.New(errors.ErrUnknownMessageType, "Unknown message type").WithMeta("type", msg.Type)
	}
	if err != nil {
		client.sendError(err)
	}
}

func roomID(data json.RawMessage) (string, error) {
	var m RoomMessage
	if err := decode(data, &m); err != nil {
		return "", err
	}
	if m.SessionID == "" {
		return "", errors.New(errors.ErrBadMessageFormat, "sessionId is required")
	}
	return m.SessionID, nil
}

func (h *AuctionHandler) handleJoin(client *Client, data json.RawMessage) error {
	id, err := roomID(data)
	if err != nil {
		return err
	}
	return client.join(id)
}

func (h *AuctionHandler) handleLeave(client *Client, data json.RawMessage) error {
	id, err := roomID(data)
	if err != nil {
		return err
	}
	client.leave(id)
	return nil
}

func (h *AuctionHandler) handleSync(client *Client, data json.RawMessage) error {
	id, err := roomID(data)
	if err != nil {
		return err
	}
	r, ok := client.joined(id)
	if !ok {
		return errors.New(errors.ErrInvalidArgument, "Join the session before syncing").WithMeta("sessionId", id)
	}
	r.requestResync()
	return nil
}

// handleBid submits the bid. Acceptance reaches the bidder through the session broadcast;
// a rejection is sent to the bidder alone.
func (h *AuctionHandler) handleBid(client *Client, data json.RawMessage) error {
	var bid BidMessage
	if err := decode(data, &bid); err != nil {
		return err
	}

	ctx, cancel := client.requestContext()
	defer cancel()
	if _, err := h.engine.SubmitBid(ctx, bid.SessionID, client.ID, bid.Amount); err != nil {
		app := errors.As(err)
		if app.Code == errors.ErrInternalServer {
			log.Error("Bid failed", "session", bid.SessionID, "user", client.ID, "err", err)
		}
		ev, encErr := types.NewEvent(types.EventBidRejected, bid.SessionID, 0, types.BidRejected{
			SessionID: bid.SessionID,
			Reason:    errors.Reason(app.Code),
			Message:   app.Message,
			Details:   app.Meta,
		})
		if encErr != nil {
			return encErr
		}
		client.sendEvent(ev)
	}
	return nil
}

func (h *AuctionHandler) handleChat(client *Client, data json.RawMessage) error {
	var chat ChatMessage
	if err := decode(data, &chat); err != nil {
		return err
	}

	ctx, cancel := client.requestContext()
	defer cancel()
	return h.engine.SendChat(ctx, chat.SessionID, client.ID, chat.Text)
}
