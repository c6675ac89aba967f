// Package fabric defines the capability surface the dialer consumes from the
// hosted telephony provider. The provider's own signaling, media and ICE
// handling stay behind these interfaces; the rest of the application never
// touches provider objects directly.
package fabric

import (
	"context"
	"errors"
)

// ErrNotSupported is returned when the provider does not expose a requested
// capability (in-place token update, speaker routing, media track access).
var ErrNotSupported = errors.New("fabric: capability not supported")

// ConnectOptions carries the credentials for opening a signaling connection.
type ConnectOptions struct {
	Token string
	Host  string
}

// Connector opens a signaling connection to the provider. The concrete
// implementation is chosen at composition time; tests supply fakes.
type Connector func(ctx context.Context, opts ConnectOptions) (Client, error)

// InviteHandler is invoked for every inbound call offer once the client is
// registered online. Handlers must not block.
type InviteHandler func(invite Invite)

// Client is a live signaling connection. At most one exists process-wide.
//
// Disconnect closes the connection and the Events channel; a client is not
// reusable afterwards.
type Client interface {
	// Online registers this client to receive inbound calls. Holding a
	// connection alone is not enough; an unregistered client silently
	// drops all inbound calls.
	Online(ctx context.Context, onInvite InviteHandler) error
	// Offline deregisters from inbound calls.
	Offline(ctx context.Context) error
	// Dial places an outbound call.
	Dial(ctx context.Context, params DialParams) (Call, error)
	// Disconnect tears down the connection.
	Disconnect(ctx context.Context) error
	// Events exposes the raw provider notification stream.
	Events() <-chan Event
}

// TokenUpdater is implemented by clients that can swap credentials without
// dropping the connection. Absence of this capability forces a reconnect when
// the token is refreshed.
type TokenUpdater interface {
	UpdateToken(ctx context.Context, token string) error
}

// DialParams describes an outbound call.
type DialParams struct {
	To             string
	CallerIDName   string
	CallerIDNumber string
	Audio          bool
	Video          bool
}

// MediaParams describes the media to negotiate when accepting an invite.
type MediaParams struct {
	Audio bool
	Video bool
}

// InviteDetails carries caller identity for an inbound offer. The provider's
// schema is ambiguous about which field is populated; any subset may be empty.
type InviteDetails struct {
	CallerIDNumber string
	CallerIDName   string
	From           string
}

// Invite is a pending inbound call offer. Accept promotes it to a Call;
// either Accept or Reject consumes it.
type Invite interface {
	Details() InviteDetails
	Accept(ctx context.Context, params MediaParams) (Call, error)
	Reject(ctx context.Context) error
}

// Call is a connected or connecting call handle.
type Call interface {
	ID() string
	Hangup(ctx context.Context) error
	SendDigits(ctx context.Context, digits string) error
}

// Event is a raw provider notification. The payload layout varies by event
// and provider version: fields of interest may appear at the top level or
// nested under a "params" map.
type Event struct {
	Name    string
	Payload map[string]any
}

// Event names observed on the provider's signaling stream.
const (
	EventCallState           = "call.state"
	EventCallBye             = "call.bye"
	EventSessionConnected    = "session.connected"
	EventSessionReconnecting = "session.reconnecting"
	EventSessionDisconnected = "session.disconnected"
	EventSessionAuthError    = "session.auth_error"
	EventSessionExpiring     = "session.expiring"
)

// Media capabilities. A call handle implements whichever subset its transport
// supports; callers probe them in the order declared here and treat a fully
// absent surface as a non-fatal capability gap.

// AudioTrack is a single local audio track that can be enabled or disabled.
type AudioTrack interface {
	SetEnabled(enabled bool)
}

// MediaStream groups local audio tracks.
type MediaStream interface {
	AudioTracks() []AudioTrack
}

// PeerTracks exposes the structured peer/track map of the underlying
// connection. Preferred mute surface.
type PeerTracks interface {
	PeerAudioTracks() map[string]AudioTrack
}

// LocalStreamer exposes the raw local media stream.
type LocalStreamer interface {
	LocalStream() MediaStream
}

// Sender is a low-level outbound track sender.
type Sender interface {
	Kind() string
	Track() AudioTrack
}

// SenderLister exposes the low-level connection senders.
type SenderLister interface {
	Senders() []Sender
}

// StreamScanner enumerates every media stream embedded in the call object.
// Last-resort mute surface.
type StreamScanner interface {
	Streams() []MediaStream
}
