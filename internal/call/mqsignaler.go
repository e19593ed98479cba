package call

import (
	"context"
	"log"
	"sync"

	"hearth/internal/mq"
)

// MQSignaler adapts *mq.Manager to the Signaler interface the call package
// needs. Every call sub-protocol frame (offer/answer/ICE/hangup) travels
// as an MQ message on topic "call:<channelID>",
// using the existing topic-addressed Data-Channel Protocol transport instead
// of a dedicated signaling channel.
type MQSignaler struct {
	mq *mq.Manager

	mu       sync.Mutex
	channels map[string]string // channelID -> remote peer ID
}

// NewMQSignaler wires a Signaler on top of an existing mq.Manager.
func NewMQSignaler(m *mq.Manager) *MQSignaler {
	return &MQSignaler{
		mq:       m,
		channels: make(map[string]string),
	}
}

// RegisterChannel records which peer owns channelID, so Send knows where to
// route outbound frames for that channel.
func (s *MQSignaler) RegisterChannel(channelID, peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[channelID] = peerID
}

func (s *MQSignaler) peerFor(channelID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.channels[channelID]
	return p, ok
}

// Send transmits payload to the peer registered for channelID over the MQ
// topic "call:<channelID>".
func (s *MQSignaler) Send(channelID string, payload any) error {
	peerID, ok := s.peerFor(channelID)
	if !ok {
		return errUnregisteredChannel(channelID)
	}
	topic := mq.TopicCallPrefix + channelID
	_, err := s.mq.Send(context.Background(), peerID, topic, payload)
	return err
}

// Subscribe returns a channel of call-topic frames (from any channel ID) and
// a cancel function. Frames whose topic doesn't parse as "call:<id>" are
// dropped rather than delivered with an empty Channel.
func (s *MQSignaler) Subscribe() (chan *Envelope, func()) {
	out := make(chan *Envelope, 32)

	unsub := s.mq.SubscribeTopic(mq.TopicCallPrefix, func(from, topic string, payload any) {
		channelID := topic[len(mq.TopicCallPrefix):]
		if channelID == "" {
			return
		}
		env := &Envelope{Channel: channelID, From: from, Payload: payload}
		select {
		case out <- env:
		default:
			log.Printf("call: signaler listener full, dropping frame on %s", topic)
		}
	})

	cancel := func() {
		unsub()
		close(out)
	}
	return out, cancel
}

type errUnregisteredChannel string

func (e errUnregisteredChannel) Error() string {
	return "call: no peer registered for channel " + string(e)
}
