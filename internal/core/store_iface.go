package core

import (
	"context"
	"time"

	"github.com/dkeye/voicecall/internal/domain"
)

// CallStore holds one row per call attempt. Either peer may update a row;
// last writer wins.
type CallStore interface {
	// CreateCall persists rec and returns it with ID and CreatedAt assigned.
	// A rec.ID that is already stored yields ErrCallExists.
	CreateCall(ctx context.Context, rec domain.CallRecord) (domain.CallRecord, error)
	UpdateStatus(ctx context.Context, id domain.CallID, status domain.RecordStatus, at time.Time) error
	GetCall(ctx context.Context, id domain.CallID) (domain.CallRecord, error)
	// ListCalls returns the most recent calls user took part in, newest first.
	ListCalls(ctx context.Context, user domain.UserID, limit int) ([]domain.CallRecord, error)
}

// BusinessResolver maps a business entity to the user that answers its calls.
type BusinessResolver interface {
	ResolveBusiness(ctx context.Context, businessID string) (domain.UserID, error)
}

// BusinessResolverFunc adapts a function to BusinessResolver.
type BusinessResolverFunc func(ctx context.Context, businessID string) (domain.UserID, error)

func (f BusinessResolverFunc) ResolveBusiness(ctx context.Context, businessID string) (domain.UserID, error) {
	return f(ctx, businessID)
}
