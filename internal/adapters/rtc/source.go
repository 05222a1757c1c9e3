package rtc

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	opusPayloadType = 111
	opusFrame       = 20 * time.Millisecond
	// 20ms at 48kHz.
	opusFrameSamples = 960
)

// opusSilence is a single Opus frame that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilenceSource is the local audio track of a headless agent: it keeps the
// RTP stream alive with Opus comfort silence until stopped.
type SilenceSource struct {
	track  *webrtc.TrackLocalStaticRTP
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func NewSilenceSource(ctx context.Context) (*SilenceSource, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio-"+uuid.NewString(), "voicecall",
	)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &SilenceSource{track: track, cancel: cancel, done: make(chan struct{})}
	go s.pump(ctx)
	return s, nil
}

func (s *SilenceSource) ID() string { return s.track.ID() }

func (s *SilenceSource) Stop() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *SilenceSource) pump(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadType,
			SequenceNumber: uint16(rand.Uint32()),
			Timestamp:      rand.Uint32(),
		},
		Payload: opusSilence,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// Unbound tracks drop writes; errors only mean no receiver yet.
		_ = s.track.WriteRTP(pkt)
		pkt.SequenceNumber++
		pkt.Timestamp += opusFrameSamples
	}
}
