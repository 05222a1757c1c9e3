package core

import (
	"context"
	"errors"

	"github.com/dkeye/voicecall/internal/domain"
)

// Frame is a raw encoded payload on a hub connection.
type Frame []byte

var ErrBackpressure = errors.New("backpressure")

// SignalConnection abstracts one client endpoint on the relay hub.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	ID() string
	TrySend(Frame) error
	Close()
}

// SignalSender inserts an outbound signaling row addressed to msg.ReceiverID.
type SignalSender interface {
	Send(ctx context.Context, msg domain.Message) error
}

// SignalTransport is the relay as seen by one process. Subscribe yields every
// inbound row addressed to user, in per-call insertion order, possibly more
// than once. The channel is closed when ctx is done or the feed breaks.
type SignalTransport interface {
	SignalSender
	Subscribe(ctx context.Context, user domain.UserID) (<-chan domain.Message, error)
}
