// Package relay implements core.SignalTransport over the supported relay media.
package relay

import (
	"context"
	"math/rand"
	"sync"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
)

// Memory is an in-process relay. Rows sent to a user with no subscriber are
// kept and delivered when one subscribes.
type Memory struct {
	mu      sync.Mutex
	subs    map[domain.UserID]map[*memorySub]struct{}
	backlog map[domain.UserID][]domain.Message
	sent    []domain.Message

	dupRate float64
	rng     *rand.Rand
}

var _ core.SignalTransport = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		subs:    make(map[domain.UserID]map[*memorySub]struct{}),
		backlog: make(map[domain.UserID][]domain.Message),
	}
}

// WithDuplicates makes Send deliver a row twice with probability rate,
// exercising at-least-once consumers.
func (r *Memory) WithDuplicates(rate float64, rng *rand.Rand) *Memory {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dupRate = rate
	r.rng = rng
	return r
}

func (r *Memory) Send(_ context.Context, msg domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sent = append(r.sent, msg)
	times := 1
	if r.rng != nil && r.rng.Float64() < r.dupRate {
		times = 2
	}
	subs := r.subs[msg.ReceiverID]
	if len(subs) == 0 {
		for range times {
			r.backlog[msg.ReceiverID] = append(r.backlog[msg.ReceiverID], msg)
		}
		return nil
	}
	for s := range subs {
		for range times {
			s.push(msg)
		}
	}
	return nil
}

func (r *Memory) Subscribe(ctx context.Context, user domain.UserID) (<-chan domain.Message, error) {
	s := newMemorySub()

	r.mu.Lock()
	if r.subs[user] == nil {
		r.subs[user] = make(map[*memorySub]struct{})
	}
	r.subs[user][s] = struct{}{}
	for _, msg := range r.backlog[user] {
		s.push(msg)
	}
	delete(r.backlog, user)
	r.mu.Unlock()

	go func() {
		s.pump(ctx)
		r.mu.Lock()
		delete(r.subs[user], s)
		r.mu.Unlock()
		close(s.out)
	}()
	return s.out, nil
}

// Sent returns every row inserted so far, in order.
func (r *Memory) Sent() []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Message(nil), r.sent...)
}

// memorySub queues rows without bound so Send never blocks on a slow reader.
type memorySub struct {
	mu     sync.Mutex
	queue  []domain.Message
	notify chan struct{}
	out    chan domain.Message
}

func newMemorySub() *memorySub {
	return &memorySub{
		notify: make(chan struct{}, 1),
		out:    make(chan domain.Message),
	}
}

func (s *memorySub) push(msg domain.Message) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySub) pump(ctx context.Context) {
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, msg := range batch {
			select {
			case s.out <- msg:
			case <-ctx.Done():
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return
		}
	}
}
