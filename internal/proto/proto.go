// Package proto defines wire-level constants and envelope types shared
// between the signal transport, the connection manager, and the relay
// bootstrap path.
package proto

import "time"

const (
	// RoomTopicPrefix prefixes the GossipSub topic used as the untrusted
	// public broker. The full topic name is RoomTopicPrefix + room.
	RoomTopicPrefix = "hearth.room."
	MdnsTag         = "hearth-mdns"

	// ContentProtoID serves a peer's current display content (single line).
	ContentProtoID = "/hearth/content/1.0.0"

	// DiagProtoID serves a diagnostic snapshot of this node's connectivity.
	DiagProtoID = "/hearth/diag/1.0.0"

	// MQProtoID carries topic-addressed application messages, including
	// the call sub-protocol's offer/answer/ICE/hangup frames.
	MQProtoID = "/hearth/mq/1.0.0"
)

// Signal subtopics, per the room broker wire format. The RTC* subtopics are
// produced by browser-style clients that negotiate connections over the
// room topic; this peer recognizes them so they can be dropped cleanly, but
// never emits them — the libp2p transport negotiates its own connections.
const (
	SubConnect         = "connect"
	SubNameChange      = "nameChange"
	SubUnload          = "unload"
	SubRTCOffer        = "RTCOffer"
	SubRTCAnswer       = "RTCAnswer"
	SubRTCIceCandidate = "RTCIceCandidate"
)

// Envelope is the signal frame carried on the room topic.
type Envelope struct {
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`
	Subtopic  string `json:"subtopic"`
	Data      any    `json:"data"`
}

// UserInfo is the payload of a `connect` announcement and of this peer's
// `unload` frame; `nameChange` carries NameChangePayload instead.
type UserInfo struct {
	Name            string   `json:"name"`
	PublicKeyString string   `json:"publicKeyString,omitempty"`
	Addrs           []string `json:"addrs,omitempty"`
}

// NameChangePayload is the `data` field of a `nameChange` frame.
type NameChangePayload struct {
	OldName string `json:"oldName"`
	NewName string `json:"newName"`
}

// RelayInfo describes a circuit-relay bootstrap peer: its ID and dialable
// addresses. Obtained out-of-band (a well-known relay peer, a config file,
// or a rendezvous-style bootstrap list); the node itself treats it opaquely.
type RelayInfo struct {
	PeerID string   `json:"peerId"`
	Addrs  []string `json:"addrs"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
