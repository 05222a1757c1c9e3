package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/dkeye/voicecall/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Inbound is the set of handlers the router dispatches to.
type Inbound interface {
	HandleOffer(ctx context.Context, msg domain.Message, data domain.OfferData) error
	HandleAnswer(ctx context.Context, msg domain.Message, data domain.AnswerData) error
	HandleCandidate(ctx context.Context, msg domain.Message, c domain.Candidate) error
	HandleHangup(ctx context.Context, msg domain.Message, data domain.HangupData) error
}

// Router feeds relay rows addressed to self into the call handlers, one at a
// time and in arrival order.
type Router struct {
	self   domain.UserID
	calls  Inbound
	logger zerolog.Logger
}

func NewRouter(self domain.UserID, calls Inbound) *Router {
	return &Router{
		self:   self,
		calls:  calls,
		logger: log.With().Str("module", "call.router").Str("user", string(self)).Logger(),
	}
}

// Run consumes in until it is closed or ctx is done.
func (r *Router) Run(ctx context.Context, in <-chan domain.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if err := r.Dispatch(ctx, msg); err != nil {
				r.drop(msg, err)
			}
		}
	}
}

// Dispatch validates msg and hands it to the matching handler.
func (r *Router) Dispatch(ctx context.Context, msg domain.Message) error {
	if msg.ReceiverID != r.self {
		return fmt.Errorf("%w: addressed to %q", core.ErrProtocolViolation, msg.ReceiverID)
	}
	if msg.SenderID == "" || msg.CallID == "" {
		return fmt.Errorf("%w: missing sender or call id", core.ErrProtocolViolation)
	}

	switch msg.Type {
	case domain.SignalOffer:
		var data domain.OfferData
		if err := decode(msg, &data); err != nil {
			return err
		}
		return r.calls.HandleOffer(ctx, msg, data)
	case domain.SignalAnswer:
		var data domain.AnswerData
		if err := decode(msg, &data); err != nil {
			return err
		}
		return r.calls.HandleAnswer(ctx, msg, data)
	case domain.SignalCandidate:
		var c domain.Candidate
		if err := decode(msg, &c); err != nil {
			return err
		}
		if c.Candidate == "" {
			return fmt.Errorf("%w: empty candidate", core.ErrProtocolViolation)
		}
		return r.calls.HandleCandidate(ctx, msg, c)
	case domain.SignalDecline, domain.SignalEnd:
		var data domain.HangupData
		// Hangups may carry no payload at all.
		if len(msg.Data) > 0 {
			if err := decode(msg, &data); err != nil {
				return err
			}
		}
		return r.calls.HandleHangup(ctx, msg, data)
	default:
		return fmt.Errorf("%w: unknown signal type %q", core.ErrProtocolViolation, msg.Type)
	}
}

func decode(msg domain.Message, v any) error {
	if err := msg.Decode(v); err != nil {
		return fmt.Errorf("%w: %s payload: %w", core.ErrProtocolViolation, msg.Type, err)
	}
	return nil
}

func (r *Router) drop(msg domain.Message, err error) {
	reason := dropReason(err)
	metrics.SignalsDroppedTotal.WithLabelValues(reason).Inc()

	ev := r.logger.Warn()
	if reason == "stale" {
		ev = r.logger.Debug()
	}
	ev.Err(err).
		Str("call_id", string(msg.CallID)).
		Str("sender", string(msg.SenderID)).
		Str("type", string(msg.Type)).
		Str("reason", reason).
		Msg("inbound signal dropped")
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, core.ErrStaleCall):
		return "stale"
	case errors.Is(err, core.ErrAlreadyInCall):
		return "busy"
	case errors.Is(err, core.ErrProtocolViolation):
		return "protocol"
	default:
		return "error"
	}
}
