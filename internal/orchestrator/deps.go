package orchestrator

import (
	"context"

	"devcall/internal/calls"
	"devcall/internal/media"
	"devcall/internal/signaling"
)

// Signaling is the part of the signaling controller an orchestrator drives.
// *signaling.Controller and *sigclient.Client both satisfy it.
type Signaling interface {
	// CreateCall with a non-empty recordID is safe to repeat.
	CreateCall(ctx context.Context, recordID, requesterID, responderID, requesterName string) (calls.Record, error)
	Respond(ctx context.Context, recordID, actorID string, decision signaling.Decision) (calls.Record, error)
	MarkActive(ctx context.Context, recordID, actorID, transportSessionID string) (calls.Record, error)
	End(ctx context.Context, recordID, actorID string) (calls.Record, error)
	Get(ctx context.Context, recordID, actorID string) (calls.Record, error)
	// Subscribe calls onLost at most once if revisions stop arriving for any
	// reason other than unsubscribe, ctx or a terminal revision.
	Subscribe(ctx context.Context, recordID, actorID string, onChange func(calls.Record), onLost func(error)) (func(), error)
}

// Media is the part of the media session manager an orchestrator drives.
// *media.Manager satisfies it.
type Media interface {
	Join(ctx context.Context, sessionID, selfTransportID, credential string) error
	StartLocalCapture(ctx context.Context, c media.Constraints) (media.LocalTracks, error)
	Publish(ctx context.Context, tracks media.LocalTracks) error
	Subscribe(ctx context.Context, remoteID string, kind media.Kind) (media.RemoteTrack, error)
	SetLocalTrackEnabled(kind media.Kind, enabled bool) error
	Leave(ctx context.Context) error

	OnRemoteParticipantJoined(fn func(remoteID string))
	OnRemoteParticipantLeft(fn func(remoteID string))
	OnRemoteTrackPublished(fn func(remoteID string, kind media.Kind))
	OnRemoteTrackUnpublished(fn func(remoteID string, kind media.Kind))
	OnConnectionStateChanged(fn func(state media.ConnectionState, reason media.DisconnectReason))
}

// CredentialFunc returns the room credential for joining recordID as
// transportID. A nil CredentialFunc joins with an empty credential.
type CredentialFunc func(ctx context.Context, recordID, transportID string) (string, error)
