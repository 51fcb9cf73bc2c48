package odp

import (
	"context"
	"sync"
)

// SessionRecord is the facilitator-local state of one session. The
// facilitator is the single writer; records pass through the store by value
// so callers cannot alias stored state.
//
// Invariants, per session:
//   - Receipts[i].Nonce = Approval.StartNonce + i
//   - NextNonce = Approval.StartNonce + count of receipts ever accepted
//   - Spent = gross sum of accepted receipt amounts (never reset by settle)
//   - Settling is true only while a settlement call is in flight
type SessionRecord struct {
	Approval           SessionApproval `json:"approval"`
	SessionSignature   string          `json:"sessionSignature"`
	SettlementContract string          `json:"settlementContract"`
	NextNonce          string          `json:"nextNonce"`
	Spent              string          `json:"spent"`
	Receipts           []Receipt       `json:"receipts"`
	Settling           bool            `json:"settling"`
}

// clone deep-copies the record.
func (r SessionRecord) clone() SessionRecord {
	out := r
	out.Receipts = make([]Receipt, len(r.Receipts))
	copy(out.Receipts, r.Receipts)
	return out
}

// SessionStore persists session records keyed by session id. Put is the
// unit of atomicity: callers read-modify-write under an external per-session
// lock. Implementations must serialize updates per session; no ordering is
// required across sessions.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (SessionRecord, bool, error)
	Put(ctx context.Context, sessionID string, record SessionRecord) error
	Delete(ctx context.Context, sessionID string) error
}

// MemorySessionStore is the in-memory reference store.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
}

// NewMemorySessionStore creates an empty in-memory store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]SessionRecord)}
}

// Get returns a copy of the stored record.
func (s *MemorySessionStore) Get(ctx context.Context, sessionID string) (SessionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.sessions[sessionID]
	if !ok {
		return SessionRecord{}, false, nil
	}
	return record.clone(), true, nil
}

// Put stores a copy of the record.
func (s *MemorySessionStore) Put(ctx context.Context, sessionID string, record SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = record.clone()
	return nil
}

// Delete evicts the record.
func (s *MemorySessionStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
