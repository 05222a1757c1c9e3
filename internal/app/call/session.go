package call

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/rs/zerolog/log"
)

// session is the single call the process may have live. It is only touched
// with Machine.mu held.
type session struct {
	id         domain.CallID
	role       domain.Role
	peer       domain.UserID
	peerName   string
	businessID string
	status     domain.Status

	localDesc    *domain.Description
	remoteDesc   *domain.Description
	pendingOffer *domain.Description

	// Remote candidates received before remoteDesc, in arrival order.
	pendingRemote []domain.Candidate
	// Local candidates gathered before the offer/answer went out.
	pendingLocal []domain.Candidate
	signalled    bool
	// peerAware is set once the peer may hold state for this call.
	peerAware bool

	media  core.MediaSession
	tracks []core.LocalAudioTrack
	timer  *time.Timer

	// ctx scopes per-call work (timers, candidate sends); cancelled on teardown.
	ctx    context.Context
	cancel context.CancelFunc

	torn   bool
	reason domain.EndReason
	err    error

	startedAt  time.Time
	answeredAt time.Time
	endedAt    time.Time
}

func newSession(role domain.Role, peer domain.UserID, peerName string, now time.Time) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		role:      role,
		peer:      peer,
		peerName:  peerName,
		status:    domain.StatusIdle,
		ctx:       ctx,
		cancel:    cancel,
		startedAt: now,
	}
}

// setRemoteDescription applies d and drains queued candidates in FIFO order.
// It returns how many queued candidates were handed to the media session.
func (s *session) setRemoteDescription(d domain.Description) (int, error) {
	if s.remoteDesc != nil {
		return 0, core.ErrRemoteDescriptionSet
	}
	if s.media == nil {
		return 0, fmt.Errorf("%w: no media session", core.ErrInvalidState)
	}
	if err := s.media.SetRemoteDescription(d); err != nil {
		return 0, fmt.Errorf("%w: set remote description: %w", core.ErrNegotiation, err)
	}
	s.remoteDesc = &d

	queued := s.pendingRemote
	s.pendingRemote = nil
	applied := 0
	for _, c := range queued {
		if err := s.media.AddICECandidate(c); err != nil {
			// A bad candidate only costs one path.
			log.Warn().Err(err).Str("module", "call.session").Str("call_id", string(s.id)).Msg("queued candidate rejected")
			continue
		}
		applied++
	}
	return applied, nil
}

// addRemoteCandidate applies c, or queues it while no remote description exists.
func (s *session) addRemoteCandidate(c domain.Candidate) (queued bool, err error) {
	if s.remoteDesc == nil {
		s.pendingRemote = append(s.pendingRemote, c)
		return true, nil
	}
	if err := s.media.AddICECandidate(c); err != nil {
		return false, fmt.Errorf("%w: add candidate: %w", core.ErrNegotiation, err)
	}
	return false, nil
}

func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		ID:                   s.id,
		Role:                 s.role,
		PeerID:               s.peer,
		PeerName:             s.peerName,
		BusinessID:           s.businessID,
		Status:               s.status,
		HasLocalDescription:  s.localDesc != nil,
		HasRemoteDescription: s.remoteDesc != nil,
		PendingCandidates:    len(s.pendingRemote),
		MediaAcquired:        s.media != nil,
		EndReason:            s.reason,
		StartedAt:            s.startedAt,
	}
	if !s.answeredAt.IsZero() {
		t := s.answeredAt
		snap.AnsweredAt = &t
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		snap.EndedAt = &t
	}
	if s.status == domain.StatusFailed && s.err != nil {
		snap.Err = s.err
		snap.Error = s.err.Error()
	}
	return snap
}

// Snapshot is a read-only view of a call session for the UI layer.
type Snapshot struct {
	ID                   domain.CallID    `json:"id"`
	Role                 domain.Role      `json:"role"`
	PeerID               domain.UserID    `json:"peer_id"`
	PeerName             string           `json:"peer_name,omitempty"`
	BusinessID           string           `json:"business_id,omitempty"`
	Status               domain.Status    `json:"status"`
	HasLocalDescription  bool             `json:"has_local_description"`
	HasRemoteDescription bool             `json:"has_remote_description"`
	PendingCandidates    int              `json:"pending_candidates"`
	MediaAcquired        bool             `json:"media_acquired"`
	EndReason            domain.EndReason `json:"end_reason,omitempty"`
	Error                string           `json:"error,omitempty"`
	Err                  error            `json:"-"`
	StartedAt            time.Time        `json:"started_at"`
	AnsweredAt           *time.Time       `json:"answered_at,omitempty"`
	EndedAt              *time.Time       `json:"ended_at,omitempty"`
}

// StateHandler is invoked on every transition, in order, with the call lock
// held. Handlers must not call back into the Machine.
type StateHandler func(state domain.Status, snap Snapshot)
