// Package call owns the lifecycle of the single voice call a process may have
// live: the state machine, the inbound signaling router and the teardown path.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/dkeye/voicecall/internal/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	sendTimeout         = 10 * time.Second
	defaultTombstones   = 256
	defaultTombstoneTTL = 30 * time.Minute
)

type Options struct {
	Self     domain.UserID
	SelfName string

	Transport  core.SignalSender
	Store      core.CallStore
	Media      core.MediaFactory
	Businesses core.BusinessResolver // optional

	OnStateChange StateHandler

	// RingTimeout ends a call that is still ringing; zero disables it.
	RingTimeout time.Duration
	// RejectWhenBusy answers offers for other calls with a busy decline.
	RejectWhenBusy bool

	TombstoneSize int
	TombstoneTTL  time.Duration

	Now func() time.Time
}

// Machine is the call state machine. Every public operation and inbound
// handler runs under one lock held across media, store and relay calls.
type Machine struct {
	self       domain.UserID
	selfName   string
	transport  core.SignalSender
	store      core.CallStore
	media      core.MediaFactory
	businesses core.BusinessResolver
	onState    StateHandler

	ringTimeout time.Duration
	rejectBusy  bool
	now         func() time.Time
	logger      zerolog.Logger

	// finished remembers ids of calls that reached a terminal state so
	// redelivered rows cannot resurrect them.
	finished *expirable.LRU[domain.CallID, struct{}]

	mu     sync.Mutex
	active *session
	last   *Snapshot
	closed bool
}

func NewMachine(opts Options) (*Machine, error) {
	if opts.Self == "" {
		return nil, errors.New("call: local user id is required")
	}
	if opts.Transport == nil || opts.Store == nil || opts.Media == nil {
		return nil, errors.New("call: transport, store and media are required")
	}
	if opts.TombstoneSize <= 0 {
		opts.TombstoneSize = defaultTombstones
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = defaultTombstoneTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Machine{
		self:        opts.Self,
		selfName:    opts.SelfName,
		transport:   opts.Transport,
		store:       opts.Store,
		media:       opts.Media,
		businesses:  opts.Businesses,
		onState:     opts.OnStateChange,
		ringTimeout: opts.RingTimeout,
		rejectBusy:  opts.RejectWhenBusy,
		now:         opts.Now,
		logger:      log.With().Str("module", "call.machine").Str("user", string(opts.Self)).Logger(),
		finished:    expirable.NewLRU[domain.CallID, struct{}](opts.TombstoneSize, nil, opts.TombstoneTTL),
	}, nil
}

// Self returns the local user id.
func (m *Machine) Self() domain.UserID { return m.self }

// Current returns the live session, or nil when idle.
func (m *Machine) Current() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	snap := m.active.snapshot()
	return &snap
}

// Last returns the most recently finished session, or nil.
func (m *Machine) Last() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	snap := *m.last
	return &snap
}

// StartCall places a call to peer. peerName is kept for display only.
func (m *Machine) StartCall(ctx context.Context, peer domain.UserID, peerName string) (domain.CallID, error) {
	return m.startCall(ctx, peer, peerName, "")
}

// StartBusinessCall resolves the user answering for businessID and calls them.
func (m *Machine) StartBusinessCall(ctx context.Context, businessID, displayName string) (domain.CallID, error) {
	if businessID == "" || m.businesses == nil {
		return "", fmt.Errorf("%w: business calls are not available", core.ErrInvalidTarget)
	}
	owner, err := m.businesses.ResolveBusiness(ctx, businessID)
	if err != nil {
		return "", fmt.Errorf("%w: resolve business %s: %w", core.ErrInvalidTarget, businessID, err)
	}
	return m.startCall(ctx, owner, displayName, businessID)
}

func (m *Machine) startCall(ctx context.Context, peer domain.UserID, peerName, businessID string) (domain.CallID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", fmt.Errorf("%w: machine closed", core.ErrInvalidState)
	}
	if a := m.active; a != nil {
		return "", fmt.Errorf("%w: call %s is %s", core.ErrAlreadyInCall, a.id, a.status)
	}
	if peer == "" || peer == m.self {
		return "", fmt.Errorf("%w: %q", core.ErrInvalidTarget, peer)
	}

	s := newSession(domain.RoleCaller, peer, peerName, m.now())
	s.businessID = businessID
	m.active = s
	metrics.CallsStartedTotal.WithLabelValues(s.role.String()).Inc()

	if err := m.acquireMedia(ctx, s); err != nil {
		return "", m.fail(ctx, s, err)
	}

	rec, err := m.store.CreateCall(ctx, domain.CallRecord{
		CallerID:           m.self,
		ReceiverID:         peer,
		ReceiverBusinessID: businessID,
		Status:             domain.RecordRinging,
		CreatedAt:          s.startedAt,
	})
	if err != nil {
		return "", m.fail(ctx, s, fmt.Errorf("%w: create call record: %w", core.ErrTransport, err))
	}
	s.id = rec.ID
	m.transition(s, domain.StatusCalling)

	offer, err := s.media.CreateOffer(ctx)
	if err != nil {
		return "", m.fail(ctx, s, fmt.Errorf("%w: create offer: %w", core.ErrNegotiation, err))
	}
	s.localDesc = &offer

	err = m.emit(ctx, s, domain.SignalOffer, domain.OfferData{
		SDP:                offer,
		CallerID:           m.self,
		CallerName:         m.selfName,
		ReceiverBusinessID: businessID,
	})
	if err != nil {
		return "", m.fail(ctx, s, err)
	}
	m.markSignalled(ctx, s)
	m.armRingTimer(s)
	return s.id, nil
}

// AcceptCall answers the ringing call.
func (m *Machine) AcceptCall(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.require(domain.StatusRingingLocally)
	if err != nil {
		return err
	}
	if err := m.acquireMedia(ctx, s); err != nil {
		return m.fail(ctx, s, err)
	}
	if _, err := s.setRemoteDescription(*s.pendingOffer); err != nil {
		return m.fail(ctx, s, err)
	}
	s.pendingOffer = nil

	answer, err := s.media.CreateAnswer(ctx)
	if err != nil {
		return m.fail(ctx, s, fmt.Errorf("%w: create answer: %w", core.ErrNegotiation, err))
	}
	s.localDesc = &answer

	if err := m.writeRecord(ctx, s, domain.RecordActive); err != nil {
		return m.fail(ctx, s, err)
	}
	if err := m.emit(ctx, s, domain.SignalAnswer, domain.AnswerData{SDP: answer, ReceiverName: m.selfName}); err != nil {
		return m.fail(ctx, s, err)
	}
	m.markSignalled(ctx, s)
	s.stopTimer()
	s.answeredAt = m.now()
	m.transition(s, domain.StatusActive)
	return nil
}

// DeclineCall rejects the ringing call.
func (m *Machine) DeclineCall(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.require(domain.StatusRingingLocally)
	if err != nil {
		return err
	}
	s.reason = domain.EndDeclined
	m.markRecord(ctx, s, domain.RecordDeclined)
	if err := m.emit(ctx, s, domain.SignalDecline, domain.HangupData{Reason: domain.EndDeclined}); err != nil {
		return m.abort(s, err)
	}
	m.teardown(s, domain.StatusEnded)
	return nil
}

// EndCall hangs up the live call from any non-terminal state. Ending a call
// that is already over, for instance because the peer hung up first, is not
// an error.
func (m *Machine) EndCall(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.active
	if s == nil {
		if m.last != nil {
			return nil
		}
		return core.ErrNoActiveCall
	}
	return m.hangup(ctx, s, domain.EndHangup)
}

// Close hangs up any live call and refuses new ones.
func (m *Machine) Close(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if s := m.active; s != nil {
		if err := m.hangup(ctx, s, domain.EndHangup); err != nil {
			m.logger.Warn().Err(err).Str("call_id", string(s.id)).Msg("hangup on close")
		}
	}
}

func (m *Machine) hangup(ctx context.Context, s *session, reason domain.EndReason) error {
	s.reason = reason
	if s.id != "" {
		m.markRecord(ctx, s, domain.RecordEnded)
	}
	if err := m.emit(ctx, s, domain.SignalEnd, domain.HangupData{Reason: reason}); err != nil {
		return m.abort(s, err)
	}
	m.teardown(s, domain.StatusEnded)
	return nil
}

// HandleOffer creates a receiver session for an inbound offer.
func (m *Machine) HandleOffer(ctx context.Context, msg domain.Message, data domain.OfferData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finished.Contains(msg.CallID) {
		return fmt.Errorf("%w: %s", core.ErrStaleCall, msg.CallID)
	}
	if m.closed {
		return fmt.Errorf("%w: machine closed", core.ErrInvalidState)
	}
	if msg.SenderID == m.self {
		return fmt.Errorf("%w: offer from self", core.ErrProtocolViolation)
	}
	if data.SDP.Empty() || data.SDP.Type != string(domain.SignalOffer) {
		return fmt.Errorf("%w: offer without offer description", core.ErrProtocolViolation)
	}
	if a := m.active; a != nil {
		if a.id == msg.CallID {
			return fmt.Errorf("%w: duplicate offer for call %s in state %s", core.ErrProtocolViolation, a.id, a.status)
		}
		if m.rejectBusy {
			m.rejectBusyOffer(ctx, msg, data)
		}
		return fmt.Errorf("%w: offer %s while call %s is %s", core.ErrAlreadyInCall, msg.CallID, a.id, a.status)
	}

	s := newSession(domain.RoleReceiver, msg.SenderID, data.CallerName, m.now())
	s.id = msg.CallID
	s.businessID = data.ReceiverBusinessID
	s.peerAware = true
	offer := data.SDP
	s.pendingOffer = &offer
	m.active = s
	metrics.CallsStartedTotal.WithLabelValues(s.role.String()).Inc()
	m.recordInbound(ctx, msg, data.ReceiverBusinessID, domain.RecordRinging)

	m.transition(s, domain.StatusRingingLocally)
	m.armRingTimer(s)
	return nil
}

// HandleAnswer completes the caller side of the exchange.
func (m *Machine) HandleAnswer(ctx context.Context, msg domain.Message, data domain.AnswerData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(msg)
	if err != nil {
		return err
	}
	if s.status != domain.StatusCalling {
		return fmt.Errorf("%w: answer for call %s in state %s", core.ErrProtocolViolation, s.id, s.status)
	}
	if data.SDP.Empty() || data.SDP.Type != string(domain.SignalAnswer) {
		return fmt.Errorf("%w: answer without answer description", core.ErrProtocolViolation)
	}
	if _, err := s.setRemoteDescription(data.SDP); err != nil {
		return m.fail(ctx, s, err)
	}
	if err := m.writeRecord(ctx, s, domain.RecordActive); err != nil {
		return m.fail(ctx, s, err)
	}
	s.stopTimer()
	s.answeredAt = m.now()
	m.transition(s, domain.StatusActive)
	return nil
}

// HandleCandidate applies or queues a remote candidate.
func (m *Machine) HandleCandidate(_ context.Context, msg domain.Message, c domain.Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(msg)
	if err != nil {
		return err
	}
	switch s.status {
	case domain.StatusCalling, domain.StatusRingingLocally, domain.StatusActive:
	default:
		return fmt.Errorf("%w: candidate for call %s in state %s", core.ErrProtocolViolation, s.id, s.status)
	}
	queued, err := s.addRemoteCandidate(c)
	if queued {
		metrics.CandidatesQueuedTotal.Inc()
	}
	return err
}

// HandleHangup ends the call on a remote call-decline or call-end. Nothing is
// sent back.
func (m *Machine) HandleHangup(ctx context.Context, msg domain.Message, data domain.HangupData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(msg)
	if err != nil {
		return err
	}
	s.reason = remoteReason(msg.Type, data.Reason)
	// The peer may keep its own store; keep this side's copy in step.
	if msg.Type == domain.SignalDecline {
		m.markRecord(ctx, s, domain.RecordDeclined)
	} else {
		m.markRecord(ctx, s, domain.RecordEnded)
	}
	m.teardown(s, domain.StatusEnded)
	return nil
}

func remoteReason(t domain.SignalType, r domain.EndReason) domain.EndReason {
	switch r {
	case domain.EndBusy, domain.EndTimeout:
		return r
	}
	if t == domain.SignalDecline {
		return domain.EndRemoteDeclined
	}
	return domain.EndRemoteHangup
}

// require returns the live session if it is in want.
func (m *Machine) require(want domain.Status) (*session, error) {
	s := m.active
	if s == nil {
		return nil, core.ErrNoActiveCall
	}
	if s.status != want {
		return nil, fmt.Errorf("%w: call %s is %s", core.ErrInvalidState, s.id, s.status)
	}
	return s, nil
}

// lookup matches an inbound row against the live session.
func (m *Machine) lookup(msg domain.Message) (*session, error) {
	s := m.active
	if s == nil || s.id != msg.CallID {
		return nil, fmt.Errorf("%w: %s", core.ErrStaleCall, msg.CallID)
	}
	if msg.SenderID != s.peer {
		return nil, fmt.Errorf("%w: %s is not the peer of call %s", core.ErrProtocolViolation, msg.SenderID, s.id)
	}
	return s, nil
}

func (m *Machine) rejectBusyOffer(ctx context.Context, msg domain.Message, data domain.OfferData) {
	logger := m.logger.With().Str("call_id", string(msg.CallID)).Str("peer", string(msg.SenderID)).Logger()
	m.finished.Add(msg.CallID, struct{}{})
	m.recordInbound(ctx, msg, data.ReceiverBusinessID, domain.RecordDeclined)
	reply, err := domain.NewMessage(msg.CallID, m.self, msg.SenderID, domain.SignalDecline, domain.HangupData{Reason: domain.EndBusy})
	if err == nil {
		err = m.transport.Send(ctx, reply)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("send busy decline")
		return
	}
	metrics.SignalsSentTotal.WithLabelValues(string(domain.SignalDecline)).Inc()
	logger.Info().Msg("rejected offer while busy")
}

// recordInbound stores the receiver's copy of an offered call under the
// caller's id. The row may already exist when both peers share a store.
func (m *Machine) recordInbound(ctx context.Context, msg domain.Message, businessID string, status domain.RecordStatus) {
	now := m.now()
	rec := domain.CallRecord{
		ID:                 msg.CallID,
		CallerID:           msg.SenderID,
		ReceiverID:         m.self,
		ReceiverBusinessID: businessID,
		CreatedAt:          now,
	}
	rec.Apply(status, now)
	_, err := m.store.CreateCall(ctx, rec)
	if errors.Is(err, core.ErrCallExists) {
		err = nil
		if status != domain.RecordRinging {
			err = m.store.UpdateStatus(ctx, msg.CallID, status, now)
		}
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("call_id", string(msg.CallID)).Str("status", string(status)).Msg("record inbound call")
	}
}

func (m *Machine) writeRecord(ctx context.Context, s *session, status domain.RecordStatus) error {
	if err := m.store.UpdateStatus(ctx, s.id, status, m.now()); err != nil {
		return fmt.Errorf("%w: mark call %s: %w", core.ErrTransport, status, err)
	}
	return nil
}

// markRecord is writeRecord for paths that end the call anyway: a failed
// write is logged and the hangup proceeds.
func (m *Machine) markRecord(ctx context.Context, s *session, status domain.RecordStatus) {
	if err := m.writeRecord(ctx, s, status); err != nil {
		m.logger.Warn().Err(err).Str("call_id", string(s.id)).Msg("call record not updated")
	}
}

func (m *Machine) emit(ctx context.Context, s *session, t domain.SignalType, payload any) error {
	msg, err := domain.NewMessage(s.id, m.self, s.peer, t, payload)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrTransport, err)
	}
	if err := m.transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("%w: send %s: %w", core.ErrTransport, t, err)
	}
	metrics.SignalsSentTotal.WithLabelValues(string(t)).Inc()
	m.logger.Debug().Str("call_id", string(s.id)).Str("type", string(t)).Str("peer", string(s.peer)).Msg("signal sent")
	return nil
}

// markSignalled records that the offer/answer is on the wire and flushes
// local candidates gathered before it.
func (m *Machine) markSignalled(ctx context.Context, s *session) {
	s.signalled = true
	s.peerAware = true
	pending := s.pendingLocal
	s.pendingLocal = nil
	for _, c := range pending {
		if err := m.emit(ctx, s, domain.SignalCandidate, c); err != nil {
			m.logger.Warn().Err(err).Str("call_id", string(s.id)).Msg("flush local candidate")
		}
	}
}

func (m *Machine) onLocalCandidate(s *session, c domain.Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != s || s.torn {
		return
	}
	if !s.signalled {
		s.pendingLocal = append(s.pendingLocal, c)
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, sendTimeout)
	defer cancel()
	if err := m.emit(ctx, s, domain.SignalCandidate, c); err != nil {
		m.logger.Warn().Err(err).Str("call_id", string(s.id)).Msg("send local candidate")
	}
}

func (m *Machine) onMediaState(s *session, st core.MediaState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != s || s.torn {
		return
	}
	m.logger.Info().Str("call_id", string(s.id)).Str("media_state", st.String()).Msg("media state")
	switch st {
	case core.MediaFailed, core.MediaClosed:
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		_ = m.fail(ctx, s, fmt.Errorf("%w: peer connection %s", core.ErrConnectivity, st))
	}
}

func (m *Machine) armRingTimer(s *session) {
	if m.ringTimeout <= 0 {
		return
	}
	s.timer = time.AfterFunc(m.ringTimeout, func() { m.onRingTimeout(s) })
}

func (m *Machine) onRingTimeout(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != s || s.torn {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	logger := m.logger.With().Str("call_id", string(s.id)).Str("status", s.status.String()).Logger()
	var (
		record domain.RecordStatus
		signal domain.SignalType
	)
	switch s.status {
	case domain.StatusCalling:
		record, signal = domain.RecordEnded, domain.SignalEnd
	case domain.StatusRingingLocally:
		record, signal = domain.RecordDeclined, domain.SignalDecline
	default:
		return
	}
	logger.Info().Err(core.ErrRingTimeout).Msg("ring timeout")
	s.reason = domain.EndTimeout
	m.markRecord(ctx, s, record)
	if err := m.emit(ctx, s, signal, domain.HangupData{Reason: domain.EndTimeout}); err != nil {
		logger.Warn().Err(err).Msg("ring timeout signal")
	}
	m.teardown(s, domain.StatusEnded)
}

func (m *Machine) transition(s *session, to domain.Status) {
	from := s.status
	s.status = to

	wasLive := from != domain.StatusIdle && !from.IsTerminal()
	isLive := to != domain.StatusIdle && !to.IsTerminal()
	switch {
	case !wasLive && isLive:
		metrics.ActiveCalls.Inc()
	case wasLive && !isLive:
		metrics.ActiveCalls.Dec()
	}
	metrics.CallTransitionsTotal.WithLabelValues(to.String()).Inc()

	ev := m.logger.Info()
	if to == domain.StatusFailed {
		ev = m.logger.Warn().Err(s.err)
	}
	ev.Str("call_id", string(s.id)).
		Str("role", s.role.String()).
		Str("peer", string(s.peer)).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("call transition")

	if m.onState != nil {
		m.onState(to, s.snapshot())
	}
}
