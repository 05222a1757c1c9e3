// Package orch routes signaling frames between hub connections.
package orch

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dkeye/voicecall/internal/app"
	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/dkeye/voicecall/internal/metrics"
	"github.com/rs/zerolog/log"
)

var (
	ErrSpoofedSender = errors.New("sender does not match connection user")
	ErrBadSignal     = errors.New("malformed signal")
)

const laneCount = 64

type Orchestrator struct {
	Registry *app.Registry
	Policy   app.Policy
	Backlog  *Backlog // optional

	// lanes serialize delivery to a receiver against its backlog flush.
	lanes [laneCount]sync.Mutex
}

func (o *Orchestrator) lane(user domain.UserID) *sync.Mutex {
	return &o.lanes[xxhash.Sum64String(string(user))%laneCount]
}

// Route delivers msg from the user behind a hub connection to every
// connection of its receiver, or parks it in the backlog.
func (o *Orchestrator) Route(from domain.UserID, msg domain.Message) error {
	if msg.SenderID != from {
		return fmt.Errorf("%w: %q", ErrSpoofedSender, msg.SenderID)
	}
	if msg.ReceiverID == "" || msg.CallID == "" || !msg.Type.Valid() {
		return ErrBadSignal
	}
	frame, err := json.Marshal(domain.HubFrame{Type: domain.FrameSignal, Signal: &msg})
	if err != nil {
		return err
	}

	mu := o.lane(msg.ReceiverID)
	mu.Lock()
	defer mu.Unlock()

	delivered := 0
	for _, conn := range o.Registry.ConnectionsOf(msg.ReceiverID) {
		err := conn.TrySend(frame)
		if err == nil {
			delivered++
			continue
		}
		log.Warn().Err(err).
			Str("module", "orch").
			Str("user", string(msg.ReceiverID)).
			Str("conn", conn.ID()).
			Msg("deliver signal")
		if errors.Is(err, core.ErrBackpressure) && o.Policy != nil {
			o.onBackPressure(msg.ReceiverID, conn)
		}
	}
	metrics.HubForwardedTotal.Add(float64(delivered))

	if delivered == 0 && o.Backlog != nil {
		o.Backlog.Push(msg.ReceiverID, frame)
	}
	return nil
}

func (o *Orchestrator) onBackPressure(user domain.UserID, conn core.SignalConnection) {
	switch o.Policy.OnBackPressure(user, conn) {
	case app.KickConnection:
		o.Registry.Cancel(user, conn.ID())
	case app.DropFrame, app.NoAction:
	}
}

// Connect binds conn and flushes frames kept while user was offline. Frames
// routed to user meanwhile wait until the flush is done.
func (o *Orchestrator) Connect(user domain.UserID, conn core.SignalConnection, cancel func()) {
	mu := o.lane(user)
	mu.Lock()
	defer mu.Unlock()

	o.Registry.Bind(user, conn, cancel)
	metrics.HubConnections.Inc()
	if o.Backlog == nil {
		return
	}
	frames := o.Backlog.Take(user)
	for i, f := range frames {
		if err := conn.TrySend(f); err != nil {
			// Put back what did not fit so the next connection gets it.
			o.Backlog.Prepend(user, frames[i:])
			log.Warn().Err(err).Str("module", "orch").Str("user", string(user)).Int("left", len(frames)-i).Msg("backlog flush interrupted")
			return
		}
	}
	if len(frames) > 0 {
		metrics.HubBacklogTotal.WithLabelValues("flushed").Add(float64(len(frames)))
		log.Info().Str("module", "orch").Str("user", string(user)).Int("frames", len(frames)).Msg("backlog flushed")
	}
}

// Disconnect unbinds conn once; later calls are no-ops.
func (o *Orchestrator) Disconnect(user domain.UserID, connID string) {
	if o.Registry.Unbind(user, connID) {
		metrics.HubConnections.Dec()
	}
}
