package mq

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"hearth/internal/proto"
)

// ackTimeout is how long Send() waits for a transport ACK from the remote
// peer before returning an error to the caller.
const ackTimeout = 10 * time.Second

// Manager owns the MQ P2P handler: a topic-addressed message stream used by
// the Data-Channel Protocol's question/answer correlation layer (qa.go) and
// by the Call Sub-Protocol's signaling adapter (internal/call.MQSignaler).
type Manager struct {
	host   host.Host
	selfID string

	seq int64 // atomic monotonic counter for outbound messages

	// Topic subscribers (question/answer, call sub-protocol frames).
	topicMu     sync.RWMutex
	topicSubs   []topicSub
	topicNextID int

	// qa is the question/answer correlation layer.
	qa *qaState
}

type topicSub struct {
	id     int
	prefix string
	fn     func(from, topic string, payload any)
}

// New creates a new MQ Manager and registers the /hearth/mq/1.0.0 stream handler.
func New(h host.Host) *Manager {
	m := &Manager{
		host:   h,
		selfID: h.ID().String(),
		qa:     newQAState(),
	}
	h.SetStreamHandler(protocol.ID(proto.MQProtoID), m.handleIncoming)
	log.Printf("MQ: registered handler for %s", proto.MQProtoID)
	return m
}

// peerSupportsMQ returns false only when the peerstore has a non-empty protocol
// list for the peer and /hearth/mq/1.0.0 is absent from that list.
// If the protocol list is unknown (empty or error), we optimistically return true
// so a live connection attempt is still made.
func (m *Manager) peerSupportsMQ(pid peer.ID) bool {
	protos, err := m.host.Peerstore().GetProtocols(pid)
	if err != nil || len(protos) == 0 {
		return true // unknown — optimistically try
	}
	for _, p := range protos {
		if p == protocol.ID(proto.MQProtoID) {
			return true
		}
	}
	return false
}

// Send opens a new stream to peerID, writes a message with the given
// topic and payload, and waits up to ackTimeout for a transport ACK.
// Returns the message ID and nil on success, or an error if the send or ACK fails.
func (m *Manager) Send(ctx context.Context, peerID, topic string, payload any) (string, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return "", fmt.Errorf("mq: invalid peer id %q: %w", peerID, err)
	}

	// Fast-fail if we know from the peerstore that this peer doesn't support MQ.
	// This avoids a dial attempt + timeout for old clients.
	if !m.peerSupportsMQ(pid) {
		return "", fmt.Errorf("protocols not supported: [%s]", proto.MQProtoID)
	}

	msgID := uuid.NewString()
	seq := atomic.AddInt64(&m.seq, 1)

	msg := MQMsg{
		Type:    MsgTypeMsg,
		ID:      msgID,
		Seq:     seq,
		Topic:   topic,
		Payload: payload,
	}

	// Open a new stream (libp2p reuses the underlying muxed connection).
	dialCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	stream, err := m.host.NewStream(dialCtx, pid, protocol.ID(proto.MQProtoID))
	if err != nil {
		return "", fmt.Errorf("mq: open stream to %s: %w", peerID, err)
	}
	defer stream.Close()

	// Write the message as newline-delimited JSON.
	enc := json.NewEncoder(stream)
	if err := enc.Encode(msg); err != nil {
		return "", fmt.Errorf("mq: encode msg: %w", err)
	}

	// Read the transport ACK from the stream (remote writes it back synchronously).
	var ack MQAck
	dec := json.NewDecoder(bufio.NewReader(stream))
	_ = stream.SetReadDeadline(time.Now().Add(ackTimeout))
	if err := dec.Decode(&ack); err != nil {
		return "", fmt.Errorf("mq: waiting for ack from %s: %w", peerID, err)
	}
	if ack.ID != msgID {
		return "", fmt.Errorf("mq: ack id mismatch (got %s, want %s)", ack.ID, msgID)
	}

	log.Printf("MQ: sent msg %s (topic=%s) to %s via %s", msgID[:8], topic, peerID[:8], connVia(stream))
	return msgID, nil
}

// handleIncoming is the libp2p stream handler for /hearth/mq/1.0.0.
// It reads one MQMsg, sends the transport ACK immediately, then dispatches.
func (m *Manager) handleIncoming(stream network.Stream) {
	defer stream.Close()

	remotePeer := stream.Conn().RemotePeer().String()

	_ = stream.SetReadDeadline(time.Now().Add(30 * time.Second))

	var msg MQMsg
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&msg); err != nil {
		log.Printf("MQ: decode error from %s: %v", remotePeer[:8], err)
		return
	}

	// Validate sender.
	if remotePeer != stream.Conn().RemotePeer().String() {
		log.Printf("MQ: peer mismatch, dropping")
		return
	}

	// Send transport ACK immediately — bytes are in the buffer.
	ack := MQAck{Type: MsgTypeAck, ID: msg.ID, Seq: msg.Seq}
	_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(stream).Encode(ack); err != nil {
		log.Printf("MQ: ack write error to %s: %v", remotePeer[:8], err)
		// Continue dispatching even if ACK write failed.
	}

	log.Printf("MQ: received msg %s (topic=%s) from %s via %s", msg.ID[:8], msg.Topic, remotePeer[:8], connVia(stream))

	// Dispatch to topic subscribers (question/answer, call.Signaler adapter).
	m.topicMu.RLock()
	for _, sub := range m.topicSubs {
		if strings.HasPrefix(msg.Topic, sub.prefix) {
			go sub.fn(remotePeer, msg.Topic, msg.Payload)
		}
	}
	m.topicMu.RUnlock()
}

// connVia returns "relay:<relayID8>" if the stream is routed through a circuit
// relay (with the first 8 chars of the relay peer ID), or "direct" otherwise.
func connVia(s network.Stream) string {
	ma := s.Conn().RemoteMultiaddr().String()
	circuitIdx := strings.Index(ma, "/p2p-circuit")
	if circuitIdx < 0 {
		return "direct"
	}
	// Multiaddr before /p2p-circuit: .../p2p/<relayPeerID>/p2p-circuit
	before := ma[:circuitIdx]
	if p2pIdx := strings.LastIndex(before, "/p2p/"); p2pIdx >= 0 {
		relayID := before[p2pIdx+5:]
		if len(relayID) > 8 {
			relayID = relayID[:8]
		}
		return "relay:" + relayID
	}
	return "relay"
}

// SubscribeTopic registers a callback for messages whose topic has the given prefix.
// Returns an unsubscribe function; unsubscribing twice is a no-op.
func (m *Manager) SubscribeTopic(prefix string, fn func(from, topic string, payload any)) func() {
	m.topicMu.Lock()
	id := m.topicNextID
	m.topicNextID++
	m.topicSubs = append(m.topicSubs, topicSub{id: id, prefix: prefix, fn: fn})
	m.topicMu.Unlock()

	return func() {
		m.topicMu.Lock()
		defer m.topicMu.Unlock()
		for i, sub := range m.topicSubs {
			if sub.id == id {
				m.topicSubs = append(m.topicSubs[:i:i], m.topicSubs[i+1:]...)
				return
			}
		}
	}
}
