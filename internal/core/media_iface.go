package core

import (
	"context"

	"github.com/dkeye/voicecall/internal/domain"
)

// MediaState is the connectivity state reported by a media session.
type MediaState int

const (
	MediaNew MediaState = iota
	MediaConnecting
	MediaConnected
	MediaDisconnected
	MediaFailed
	MediaClosed
)

func (s MediaState) String() string {
	switch s {
	case MediaNew:
		return "new"
	case MediaConnecting:
		return "connecting"
	case MediaConnected:
		return "connected"
	case MediaDisconnected:
		return "disconnected"
	case MediaFailed:
		return "failed"
	case MediaClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// LocalAudioTrack is a captured audio source owned by one call.
type LocalAudioTrack interface {
	ID() string
	// Stop releases the underlying device. Safe to call more than once.
	Stop()
}

// MediaFactory hands out one MediaSession per call attempt.
type MediaFactory interface {
	NewSession(ctx context.Context) (MediaSession, error)
}

// MediaSession is the peer-connection capability the call core drives.
// The core never inspects media internals.
type MediaSession interface {
	CreateLocalAudioTrack(ctx context.Context) (LocalAudioTrack, error)
	AttachLocalTrack(track LocalAudioTrack) error

	CreateOffer(ctx context.Context) (domain.Description, error)
	CreateAnswer(ctx context.Context) (domain.Description, error)
	SetRemoteDescription(desc domain.Description) error
	AddICECandidate(c domain.Candidate) error

	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(func(domain.Candidate))
	// OnStateChange sets a callback for connectivity changes.
	OnStateChange(func(MediaState))

	// Close should stop all underlying media resources.
	Close() error
}
