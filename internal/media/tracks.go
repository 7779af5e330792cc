package media

import (
	"errors"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var ErrTrackStopped = errors.New("media: track stopped")

// LocalTrack wraps a pion sample track with an enabled flag. Muting drops
// samples at WriteSample, so the track stays negotiated.
type LocalTrack struct {
	kind    Kind
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	stopped atomic.Bool
}

func codecFor(kind Kind) webrtc.RTPCodecCapability {
	if kind == KindAudio {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
}

func NewLocalTrack(kind Kind, streamID string) (*LocalTrack, error) {
	if !kind.Valid() {
		return nil, errors.New("media: unknown track kind")
	}
	tr, err := webrtc.NewTrackLocalStaticSample(codecFor(kind), string(kind), streamID)
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{kind: kind, track: tr}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) Kind() Kind { return t.kind }

// Track exposes the pion track for binding to a peer connection.
func (t *LocalTrack) Track() *webrtc.TrackLocalStaticSample { return t.track }

func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }

func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *LocalTrack) Stopped() bool { return t.stopped.Load() }

// Stop is idempotent. A stopped track rejects further samples.
func (t *LocalTrack) Stop() { t.stopped.Store(true) }

// WriteSample forwards s unless the track is muted. Muted samples are dropped
// silently.
func (t *LocalTrack) WriteSample(s pionmedia.Sample) error {
	if t.stopped.Load() {
		return ErrTrackStopped
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.track.WriteSample(s)
}

// LocalTracks is the captured set of local tracks. Either track may be nil
// when the constraints did not ask for it.
type LocalTracks struct {
	Audio       *LocalTrack
	Video       *LocalTrack
	Constraints Constraints
}

// NewLocalTracks creates the tracks c asks for under one stream id.
func NewLocalTracks(streamID string, c Constraints) (LocalTracks, error) {
	if err := c.Validate(); err != nil {
		return LocalTracks{}, err
	}
	out := LocalTracks{Constraints: c}
	if c.Audio {
		a, err := NewLocalTrack(KindAudio, streamID)
		if err != nil {
			return LocalTracks{}, err
		}
		out.Audio = a
	}
	if c.Video {
		v, err := NewLocalTrack(KindVideo, streamID)
		if err != nil {
			return LocalTracks{}, err
		}
		out.Video = v
	}
	return out, nil
}

func (lt LocalTracks) Get(kind Kind) *LocalTrack {
	switch kind {
	case KindAudio:
		return lt.Audio
	case KindVideo:
		return lt.Video
	default:
		return nil
	}
}

// Kinds lists the kinds present, audio first.
func (lt LocalTracks) Kinds() []Kind {
	var out []Kind
	if lt.Audio != nil {
		out = append(out, KindAudio)
	}
	if lt.Video != nil {
		out = append(out, KindVideo)
	}
	return out
}

func (lt LocalTracks) Empty() bool { return lt.Audio == nil && lt.Video == nil }

func (lt LocalTracks) Stop() {
	if lt.Audio != nil {
		lt.Audio.Stop()
	}
	if lt.Video != nil {
		lt.Video.Stop()
	}
}
