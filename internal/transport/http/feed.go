package http

import (
	"sync"

	"github.com/dkeye/voicecall/internal/app/call"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/rs/zerolog/log"
)

// StateEvent is one call transition as pushed to UI clients.
type StateEvent struct {
	State   domain.Status `json:"state"`
	Session call.Snapshot `json:"session"`
}

// Feed fans call transitions out to UI subscribers. Publish never blocks;
// a subscriber that falls behind loses events.
type Feed struct {
	mu     sync.Mutex
	subs   map[chan StateEvent]struct{}
	buffer int
}

func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 16
	}
	return &Feed{subs: make(map[chan StateEvent]struct{}), buffer: buffer}
}

// Publish has the call.StateHandler signature.
func (f *Feed) Publish(state domain.Status, snap call.Snapshot) {
	ev := StateEvent{State: state, Session: snap}
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("module", "transport.http").Str("call_id", string(snap.ID)).Msg("state subscriber lagging, event dropped")
		}
	}
}

// Subscribe returns a channel of events and a function that releases it.
func (f *Feed) Subscribe() (<-chan StateEvent, func()) {
	ch := make(chan StateEvent, f.buffer)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, ch)
			f.mu.Unlock()
		})
	}
}

func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
