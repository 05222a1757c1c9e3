package call

import (
	"context"
	"fmt"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
)

// acquireMedia opens the media session and local audio for s. Callbacks are
// registered before any negotiation so no local candidate is lost.
func (m *Machine) acquireMedia(ctx context.Context, s *session) error {
	ms, err := m.media.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("%w: open media session: %w", core.ErrMediaAcquisition, err)
	}
	s.media = ms
	ms.OnICECandidate(func(c domain.Candidate) { m.onLocalCandidate(s, c) })
	ms.OnStateChange(func(st core.MediaState) { m.onMediaState(s, st) })

	track, err := ms.CreateLocalAudioTrack(ctx)
	if err != nil {
		return fmt.Errorf("%w: local audio: %w", core.ErrMediaAcquisition, err)
	}
	s.tracks = append(s.tracks, track)
	if err := ms.AttachLocalTrack(track); err != nil {
		return fmt.Errorf("%w: attach local audio: %w", core.ErrMediaAcquisition, err)
	}
	return nil
}

func (m *Machine) releaseMedia(s *session) {
	for _, t := range s.tracks {
		t.Stop()
	}
	s.tracks = nil
	if s.media != nil {
		if err := s.media.Close(); err != nil {
			m.logger.Warn().Err(err).Str("call_id", string(s.id)).Msg("close media session")
		}
		s.media = nil
	}
}

// fail moves s to Failed after telling the peer and the store, best effort.
// It returns err for the caller to surface.
func (m *Machine) fail(ctx context.Context, s *session, err error) error {
	if s.torn {
		return err
	}
	s.err = err
	s.reason = domain.EndFailed

	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	logger := m.logger.With().Str("call_id", string(s.id)).Logger()
	if s.id != "" {
		if uerr := m.store.UpdateStatus(cleanup, s.id, domain.RecordEnded, m.now()); uerr != nil {
			logger.Warn().Err(uerr).Msg("mark failed call ended")
		}
		if s.peerAware {
			if serr := m.emit(cleanup, s, domain.SignalEnd, domain.HangupData{Reason: domain.EndFailed}); serr != nil {
				logger.Warn().Err(serr).Msg("notify peer of failure")
			}
		}
	}
	m.teardown(s, domain.StatusFailed)
	return err
}

// abort ends s after the terminal signal itself could not be sent. The record
// already holds the outcome and the transport is not tried again.
func (m *Machine) abort(s *session, err error) error {
	if s.torn {
		return err
	}
	s.err = err
	m.logger.Warn().Err(err).Str("call_id", string(s.id)).Str("reason", string(s.reason)).Msg("peer not told the call is over")
	m.teardown(s, domain.StatusFailed)
	return err
}

// teardown is the only path that releases a session. Later calls are no-ops.
func (m *Machine) teardown(s *session, final domain.Status) {
	if s.torn {
		return
	}
	s.torn = true
	s.stopTimer()
	s.cancel()
	m.releaseMedia(s)
	s.pendingRemote = nil
	s.pendingLocal = nil
	s.pendingOffer = nil
	s.endedAt = m.now()
	if m.active == s {
		m.active = nil
	}
	m.transition(s, final)
	if s.id != "" {
		m.finished.Add(s.id, struct{}{})
	}
	snap := s.snapshot()
	m.last = &snap
}
