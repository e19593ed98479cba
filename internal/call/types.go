package call

import "context"

// Signaler is the only surface the call package needs from the signaling
// layer. MQSignaler is the concrete implementation used by a running peer.
type Signaler interface {
	// RegisterChannel tells the signaler which remote peer owns a channel ID.
	// Must be called before Send can route outbound messages for that channel.
	RegisterChannel(channelID, peerID string)
	Send(channelID string, payload any) error
	Subscribe() (ch chan *Envelope, cancel func())
}

// Envelope is one call-signaling frame: which channel it belongs to, which
// peer sent it, and the decoded payload.
type Envelope struct {
	Channel string `json:"channel"`
	From    string `json:"from"`
	Payload any    `json:"payload"`
}

// IncomingCall is handed to every OnIncoming callback when a remote peer
// sends a call-request. Accept starts a Session and answers it; Reject
// sends call-hangup back without ever creating one.
type IncomingCall struct {
	ChannelID  string
	RemotePeer string
	Accept     func(ctx context.Context) (*Session, error)
	Reject     func()
}
