package core

import (
	"errors"
	"fmt"
)

var (
	ErrMediaAcquisition  = errors.New("media acquisition failed")
	ErrTransport         = errors.New("signaling transport failed")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrAlreadyInCall     = errors.New("already in call")

	ErrNegotiation          = errors.New("session negotiation failed")
	ErrConnectivity         = errors.New("media connectivity failed")
	ErrNoActiveCall         = errors.New("no active call")
	ErrInvalidState         = errors.New("operation not valid in current call state")
	ErrRemoteDescriptionSet = errors.New("remote description already set")
	ErrRingTimeout          = errors.New("call was not answered in time")
	ErrInvalidTarget        = errors.New("invalid call target")
	ErrNotFound             = errors.New("not found")
	ErrCallExists           = errors.New("call already recorded")
)

// ErrStaleCall marks an inbound message for a call this process no longer tracks.
var ErrStaleCall = fmt.Errorf("%w: stale call", ErrProtocolViolation)
