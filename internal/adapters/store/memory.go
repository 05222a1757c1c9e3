// Package store implements core.CallStore on the supported backends.
package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/google/uuid"
)

// Memory keeps call records in process. It is shared by both peers in tests
// the way a real database would be.
type Memory struct {
	mu    sync.RWMutex
	calls map[domain.CallID]*domain.CallRecord
	order []domain.CallID
	// owners maps business ids to the user answering them.
	owners map[string]domain.UserID
}

var (
	_ core.CallStore        = (*Memory)(nil)
	_ core.BusinessResolver = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		calls:  make(map[domain.CallID]*domain.CallRecord),
		owners: make(map[string]domain.UserID),
	}
}

func (m *Memory) CreateCall(_ context.Context, rec domain.CallRecord) (domain.CallRecord, error) {
	if err := validateNew(rec); err != nil {
		return domain.CallRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = domain.CallID(uuid.NewString())
	}
	if _, ok := m.calls[rec.ID]; ok {
		return domain.CallRecord{}, fmt.Errorf("call %s: %w", rec.ID, core.ErrCallExists)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	stored := rec
	m.calls[rec.ID] = &stored
	m.order = append(m.order, rec.ID)
	return rec, nil
}

func (m *Memory) UpdateStatus(_ context.Context, id domain.CallID, status domain.RecordStatus, at time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("invalid call status %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[id]
	if !ok {
		return fmt.Errorf("call %s: %w", id, core.ErrNotFound)
	}
	rec.Apply(status, at)
	return nil
}

func (m *Memory) GetCall(_ context.Context, id domain.CallID) (domain.CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.calls[id]
	if !ok {
		return domain.CallRecord{}, fmt.Errorf("call %s: %w", id, core.ErrNotFound)
	}
	return *rec, nil
}

func (m *Memory) ListCalls(_ context.Context, user domain.UserID, limit int) ([]domain.CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.CallRecord, 0)
	for _, id := range slices.Backward(m.order) {
		rec := m.calls[id]
		if rec.CallerID != user && rec.ReceiverID != user {
			continue
		}
		out = append(out, *rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// SetBusinessOwner registers who answers calls for businessID.
func (m *Memory) SetBusinessOwner(businessID string, owner domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[businessID] = owner
}

func (m *Memory) ResolveBusiness(_ context.Context, businessID string) (domain.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.owners[businessID]
	if !ok {
		return "", fmt.Errorf("business %s: %w", businessID, core.ErrNotFound)
	}
	return owner, nil
}

func validateNew(rec domain.CallRecord) error {
	if rec.CallerID == "" || rec.ReceiverID == "" {
		return fmt.Errorf("call record needs caller and receiver")
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("invalid call status %q", rec.Status)
	}
	return nil
}
