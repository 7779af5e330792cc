// Package media owns the local and remote media pipeline of one transport
// session. The transport provider is reached only through the Transport
// interface; internal/media/loopback is the in-process implementation.
package media

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrJoinFailed      = errors.New("media: join failed")
	ErrPublishFailed   = errors.New("media: publish failed")
	ErrSubscribeFailed = errors.New("media: subscribe failed")
	ErrCaptureDenied   = errors.New("media: capture permission denied")
	ErrNotJoined       = errors.New("media: session not joined")
	ErrSessionClosed   = errors.New("media: session closed")
)

// Kind is a media kind carried by a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func (k Kind) Valid() bool { return k == KindAudio || k == KindVideo }

// Constraints bound local capture. Bitrates are in kbps.
type Constraints struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`

	MaxWidth       int `json:"max_width"`
	MaxHeight      int `json:"max_height"`
	MaxFrameRate   int `json:"max_frame_rate"`
	MaxBitrateKbps int `json:"max_bitrate_kbps"`
	MinBitrateKbps int `json:"min_bitrate_kbps"`
}

// DefaultConstraints favours a low, steady bitrate over resolution.
func DefaultConstraints() Constraints {
	return Constraints{
		Audio:          true,
		Video:          true,
		MaxWidth:       640,
		MaxHeight:      360,
		MaxFrameRate:   15,
		MaxBitrateKbps: 500,
		MinBitrateKbps: 150,
	}
}

func (c Constraints) Validate() error {
	if !c.Audio && !c.Video {
		return fmt.Errorf("media: constraints capture nothing")
	}
	if c.Video {
		if c.MaxWidth <= 0 || c.MaxHeight <= 0 || c.MaxFrameRate <= 0 {
			return fmt.Errorf("media: video bounds must be positive")
		}
	}
	if c.MaxBitrateKbps <= 0 || c.MinBitrateKbps < 0 || c.MinBitrateKbps > c.MaxBitrateKbps {
		return fmt.Errorf("media: invalid bitrate range %d-%d kbps", c.MinBitrateKbps, c.MaxBitrateKbps)
	}
	return nil
}

// JoinParams identify the room and the local participant to the provider.
type JoinParams struct {
	AppID            string
	RoomID           string
	Credential       string
	LocalTransportID string
}

// RemoteTrack is a subscribed track from another participant.
type RemoteTrack struct {
	RemoteID string `json:"remote_id"`
	Kind     Kind   `json:"kind"`
	TrackID  string `json:"track_id"`
}

type ConnectionState string

const (
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
)

// DisconnectReason tells a locally-initiated leave apart from a lost connection.
type DisconnectReason string

const (
	ReasonNone    DisconnectReason = ""
	ReasonLeave   DisconnectReason = "leave"
	ReasonNetwork DisconnectReason = "network"
)

type EventType string

const (
	EventRemoteJoined           EventType = "remote_joined"
	EventRemotePublished        EventType = "remote_published"
	EventRemoteUnpublished      EventType = "remote_unpublished"
	EventRemoteLeft             EventType = "remote_left"
	EventConnectionStateChanged EventType = "connection_state_changed"
)

// Event is an asynchronous notification from the transport.
// RemoteID and Kind are set for remote events; State and Reason for
// connection events.
type Event struct {
	Type     EventType
	RemoteID string
	Kind     Kind
	State    ConnectionState
	Reason   DisconnectReason
}

// EventHandler receives transport events. Handlers must not block for long.
type EventHandler func(Event)

// Transport is the media provider boundary. One Transport carries at most one
// joined session at a time; it may be joined again after Leave.
type Transport interface {
	Join(ctx context.Context, p JoinParams) error
	CreateLocalTracks(ctx context.Context, c Constraints) (LocalTracks, error)
	Publish(ctx context.Context, tracks LocalTracks) error
	Unpublish(ctx context.Context) error
	Subscribe(ctx context.Context, remoteID string, kind Kind) (RemoteTrack, error)
	Unsubscribe(ctx context.Context, remoteID string, kind Kind) error
	Leave(ctx context.Context) error
	// SetHandler replaces the event handler. nil detaches it.
	SetHandler(h EventHandler)
}
