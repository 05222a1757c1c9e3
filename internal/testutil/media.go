// Package testutil holds in-process fakes for the call capabilities.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
)

var ErrInjected = errors.New("injected failure")

// MediaFactory hands out FakeMedia sessions and counts them.
type MediaFactory struct {
	// Fail* make the next sessions fail at that step.
	FailOpen   bool
	FailTrack  bool
	FailOffer  bool
	FailAnswer bool
	FailRemote bool

	mu       sync.Mutex
	sessions []*FakeMedia
	seq      atomic.Int64
}

func (f *MediaFactory) NewSession(context.Context) (core.MediaSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailOpen {
		return nil, fmt.Errorf("open: %w", ErrInjected)
	}
	s := &FakeMedia{
		id:         f.seq.Add(1),
		failTrack:  f.FailTrack,
		failOffer:  f.FailOffer,
		failAnswer: f.FailAnswer,
		failRemote: f.FailRemote,
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

// Sessions returns every session handed out so far.
func (f *MediaFactory) Sessions() []*FakeMedia {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeMedia(nil), f.sessions...)
}

// Last returns the most recent session, or nil.
func (f *MediaFactory) Last() *FakeMedia {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

// Acquired is the number of local audio tracks created.
func (f *MediaFactory) Acquired() int {
	n := 0
	for _, s := range f.Sessions() {
		n += s.TracksCreated()
	}
	return n
}

// Open is the number of sessions not yet closed.
func (f *MediaFactory) Open() int {
	n := 0
	for _, s := range f.Sessions() {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// FakeMedia records what the call core did with it. Callbacks are only fired
// through Emit*, never from inside another method.
type FakeMedia struct {
	id int64

	failTrack, failOffer, failAnswer, failRemote bool

	mu         sync.Mutex
	tracks     []*FakeTrack
	attached   int
	remote     *domain.Description
	candidates []domain.Candidate
	closes     int
	onCand     func(domain.Candidate)
	onState    func(core.MediaState)
}

func (m *FakeMedia) CreateLocalAudioTrack(context.Context) (core.LocalAudioTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTrack {
		return nil, fmt.Errorf("microphone: %w", ErrInjected)
	}
	t := &FakeTrack{id: fmt.Sprintf("audio-%d-%d", m.id, len(m.tracks))}
	m.tracks = append(m.tracks, t)
	return t, nil
}

func (m *FakeMedia) AttachLocalTrack(core.LocalAudioTrack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attached++
	return nil
}

func (m *FakeMedia) CreateOffer(context.Context) (domain.Description, error) {
	if m.failOffer {
		return domain.Description{}, fmt.Errorf("offer: %w", ErrInjected)
	}
	return domain.Description{Type: "offer", SDP: fmt.Sprintf("v=0 fake-offer-%d\r\nm=audio", m.id)}, nil
}

func (m *FakeMedia) CreateAnswer(context.Context) (domain.Description, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAnswer {
		return domain.Description{}, fmt.Errorf("answer: %w", ErrInjected)
	}
	if m.remote == nil {
		return domain.Description{}, errors.New("answer without remote offer")
	}
	return domain.Description{Type: "answer", SDP: fmt.Sprintf("v=0 fake-answer-%d\r\nm=audio", m.id)}, nil
}

func (m *FakeMedia) SetRemoteDescription(d domain.Description) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRemote {
		return fmt.Errorf("remote: %w", ErrInjected)
	}
	if m.remote != nil {
		return errors.New("remote description already applied")
	}
	m.remote = &d
	return nil
}

func (m *FakeMedia) AddICECandidate(c domain.Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remote == nil {
		return errors.New("candidate before remote description")
	}
	m.candidates = append(m.candidates, c)
	return nil
}

func (m *FakeMedia) OnICECandidate(fn func(domain.Candidate)) {
	m.mu.Lock()
	m.onCand = fn
	m.mu.Unlock()
}

func (m *FakeMedia) OnStateChange(fn func(core.MediaState)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

func (m *FakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

// EmitCandidate delivers a local candidate as if it was just gathered.
func (m *FakeMedia) EmitCandidate(c domain.Candidate) {
	m.mu.Lock()
	fn := m.onCand
	m.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// EmitState reports a connectivity change.
func (m *FakeMedia) EmitState(st core.MediaState) {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// Remote returns the applied remote description, or nil.
func (m *FakeMedia) Remote() *domain.Description {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// Candidates returns remote candidates in the order they were applied.
func (m *FakeMedia) Candidates() []domain.Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Candidate(nil), m.candidates...)
}

func (m *FakeMedia) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

func (m *FakeMedia) Closed() bool { return m.Closes() > 0 }

func (m *FakeMedia) TracksCreated() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracks)
}

// TracksStopped reports whether every created track was stopped.
func (m *FakeMedia) TracksStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tracks {
		if !t.Stopped() {
			return false
		}
	}
	return true
}

type FakeTrack struct {
	id      string
	stopped atomic.Int32
}

func (t *FakeTrack) ID() string    { return t.id }
func (t *FakeTrack) Stop()         { t.stopped.Add(1) }
func (t *FakeTrack) Stopped() bool { return t.stopped.Load() > 0 }

// Candidate builds a host candidate for tests.
func Candidate(n int) domain.Candidate {
	idx := uint16(0)
	mid := "0"
	return domain.Candidate{
		Candidate:     fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.%d 5000%d typ host", n, n%250+1, n%10),
		SDPMLineIndex: &idx,
		SDPMid:        &mid,
	}
}
