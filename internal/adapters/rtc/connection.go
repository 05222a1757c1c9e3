// Package rtc implements the media capability on pion/webrtc.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// Factory builds one PeerConnection per call attempt.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

var _ core.MediaFactory = (*Factory)(nil)

func NewFactory(iceServers []string) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &Factory{api: webrtc.NewAPI(webrtc.WithMediaEngine(m)), cfg: cfg}, nil
}

func (f *Factory) NewSession(context.Context) (core.MediaSession, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	c := &WebRTCConnection{
		pc:     pc,
		events: newEventQueue(),
		logger: log.With().Str("module", "webrtc").Logger(),
	}
	c.bind()
	go c.events.run()
	return c, nil
}

// WebRTCConnection adapts a PeerConnection to core.MediaSession. pion
// callbacks are queued and replayed on a separate goroutine so pion never
// waits on the caller's locks.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	events *eventQueue
	logger zerolog.Logger

	mu      sync.Mutex
	onICE   func(domain.Candidate)
	onState func(core.MediaState)
	closed  bool
}

func (c *WebRTCConnection) bind() {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		c.events.push(func() {
			c.mu.Lock()
			fn := c.onICE
			c.mu.Unlock()
			if fn != nil {
				fn(domain.Candidate{Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
			}
		})
	})

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		st := mapState(s)
		c.events.push(func() {
			c.mu.Lock()
			fn := c.onState
			c.mu.Unlock()
			if fn != nil {
				fn(st)
			}
		})
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("OnTrack received")
		go drainRemote(track)
	})
}

func mapState(s webrtc.PeerConnectionState) core.MediaState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return core.MediaConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.MediaConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.MediaDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.MediaFailed
	case webrtc.PeerConnectionStateClosed:
		return core.MediaClosed
	default:
		return core.MediaNew
	}
}

// drainRemote reads the remote audio so its buffers never fill. Playback is
// the UI's concern.
func drainRemote(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func (c *WebRTCConnection) CreateLocalAudioTrack(ctx context.Context) (core.LocalAudioTrack, error) {
	return NewSilenceSource(ctx)
}

func (c *WebRTCConnection) AttachLocalTrack(t core.LocalAudioTrack) error {
	src, ok := t.(*SilenceSource)
	if !ok {
		return fmt.Errorf("unsupported local track %T", t)
	}
	sender, err := c.pc.AddTrack(src.track)
	if err != nil {
		return err
	}
	// RTCP must be read for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *WebRTCConnection) CreateOffer(context.Context) (domain.Description, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.Description{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return domain.Description{}, err
	}
	return toDescription(offer), nil
}

func (c *WebRTCConnection) CreateAnswer(context.Context) (domain.Description, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.Description{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return domain.Description{}, err
	}
	return toDescription(answer), nil
}

func (c *WebRTCConnection) SetRemoteDescription(d domain.Description) error {
	t := webrtc.NewSDPType(d.Type)
	if t == webrtc.SDPTypeUnknown {
		return fmt.Errorf("unknown description type %q", d.Type)
	}
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: d.SDP})
}

func (c *WebRTCConnection) AddICECandidate(cand domain.Candidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
}

func (c *WebRTCConnection) OnICECandidate(fn func(domain.Candidate)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnStateChange(fn func(core.MediaState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Close does not wait for queued callbacks; those still pending are dropped.
func (c *WebRTCConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onICE = nil
	c.onState = nil
	c.mu.Unlock()

	c.events.stop()
	if err := c.pc.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}

func toDescription(d webrtc.SessionDescription) domain.Description {
	return domain.Description{Type: d.Type.String(), SDP: d.SDP}
}

// eventQueue runs callbacks in order on its own goroutine without ever
// blocking the producer.
type eventQueue struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1), done: make(chan struct{})}
}

func (q *eventQueue) push(fn func()) {
	q.mu.Lock()
	q.queue = append(q.queue, fn)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) stop() { q.once.Do(func() { close(q.done) }) }

func (q *eventQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}
		q.mu.Lock()
		batch := q.queue
		q.queue = nil
		q.mu.Unlock()
		for _, fn := range batch {
			select {
			case <-q.done:
				return
			default:
			}
			fn()
		}
	}
}
