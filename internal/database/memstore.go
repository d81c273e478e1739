package database

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/Martin-Hayot/auction-engine/pkg/errors"
	"github.com/Martin-Hayot/auction-engine/pkg/types"
)

// MemoryStore keeps sessions, bids and orders in process memory with the same guarded-write
// semantics as the Postgres service. It backs database.driver=memory and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]types.AuctionSession
	bids     map[string][]types.Bid
	orders   map[string]types.Order
	users    map[string]types.User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]types.AuctionSession),
		bids:     make(map[string][]types.Bid),
		orders:   make(map[string]types.Order),
		users:    make(map[string]types.User),
	}
}

func (m *MemoryStore) LoadSession(_ context.Context, id string) (types.AuctionSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return types.AuctionSession{}, errors.New(errors.ErrSessionNotFound, "Session not found").WithMeta("sessionId", id)
	}
	return m.withLeader(s), nil
}

// withLeader fills LeadingUserID from the bid table, like the Postgres join. Caller holds mu.
func (m *MemoryStore) withLeader(s types.AuctionSession) types.AuctionSession {
	s.LeadingUserID = nil
	if s.LeadingBidID == nil {
		return s
	}
	for _, b := range m.bids[s.ID] {
		if b.ID == *s.LeadingBidID {
			user := b.UserID
			s.LeadingUserID = &user
			break
		}
	}
	return s
}

func (m *MemoryStore) ListActiveSessions(_ context.Context) ([]types.AuctionSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.AuctionSession
	for _, s := range m.sessions {
		if s.Status == types.StatusScheduled || s.Status == types.StatusLive {
			out = append(out, m.withLeader(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s types.AuctionSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return errors.New(errors.ErrInvalidArgument, "Session already exists").WithMeta("sessionId", s.ID)
	}
	m.sessions[s.ID] = s
	return nil
}

// PutSession stores s unconditionally, as another writer would. Like any committed write it
// moves the version past the stored one.
func (m *MemoryStore) PutSession(s types.AuctionSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.sessions[s.ID]; ok && s.Version <= stored.Version {
		s.Version = stored.Version + 1
	}
	m.sessions[s.ID] = s
}

// guard checks the stored price and version predicates. Caller holds mu.
func (m *MemoryStore) guard(s types.AuctionSession, expectedPrice int64) (types.AuctionSession, error) {
	stored, ok := m.sessions[s.ID]
	if !ok || stored.CurrentPrice != expectedPrice || stored.Version != s.Version-1 {
		return types.AuctionSession{}, errors.New(errors.ErrConflict, "Session was modified concurrently").
			WithMeta("sessionId", s.ID).
			WithMeta("expectedPrice", expectedPrice).
			WithMeta("expectedVersion", s.Version-1)
	}

	stored.Status = s.Status
	stored.StartTime = s.StartTime
	stored.EndTimeEffective = s.EndTimeEffective
	stored.EndTimeActual = s.EndTimeActual
	stored.CurrentPrice = s.CurrentPrice
	stored.LeadingBidID = s.LeadingBidID
	stored.UpdatedAt = s.UpdatedAt
	stored.Version = s.Version
	return stored, nil
}

func (m *MemoryStore) SaveSession(_ context.Context, s types.AuctionSession, expectedPrice int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := m.guard(s, expectedPrice)
	if err != nil {
		return err
	}
	m.sessions[s.ID] = next
	return nil
}

func (m *MemoryStore) CommitBid(_ context.Context, c types.BidCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := m.guard(c.Session, c.ExpectedPrice)
	if err != nil {
		return err
	}

	bids := m.bids[c.Session.ID]
	for i := range bids {
		if c.PreviousLeadingBidID != nil && bids[i].ID == *c.PreviousLeadingBidID {
			bids[i].IsLeading = false
		}
	}
	bid := c.Bid
	bid.IsLeading = true
	m.bids[c.Session.ID] = append(bids, bid)
	m.sessions[c.Session.ID] = next
	return nil
}

func (m *MemoryStore) Settle(_ context.Context, st types.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.orders[st.SessionID]; done {
		return nil
	}
	m.orders[st.SessionID] = types.Order{
		ID:           uuid.NewString(),
		SessionID:    st.SessionID,
		WinnerUserID: st.WinnerUserID,
		FinalPrice:   st.FinalPrice,
		Status:       types.OrderPending,
		CreatedAt:    st.EndedAt,
	}
	return nil
}

func (m *MemoryStore) GetOrderBySession(_ context.Context, sessionID string) (types.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[sessionID]
	if !ok {
		return types.Order{}, errors.New(errors.ErrSessionNotFound, "No order for session").WithMeta("sessionId", sessionID)
	}
	return o, nil
}

// Bids returns a copy of the session's bids in acceptance order.
func (m *MemoryStore) Bids(sessionID string) []types.Bid {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.Bid(nil), m.bids[sessionID]...)
}

// AddUser registers a user for GetUserByEmail and GetUserByID.
func (m *MemoryStore) AddUser(u types.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (types.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return types.User{}, errors.New(errors.ErrInvalidToken, "User not found")
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (types.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return types.User{}, errors.New(errors.ErrInvalidToken, "User not found")
}
