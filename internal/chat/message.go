package chat

import (
	"time"

	"github.com/google/uuid"
)

// MessageType represents the type of chat message: a broadcast goes to the
// whole room, a direct message to one peer.
type MessageType string

const (
	MessageTypeDirect    MessageType = "direct"    // 1-to-1 message ("dm")
	MessageTypeBroadcast MessageType = "broadcast" // public broadcast ("chat")
)

// Message is one entry of the chat ledger, extended with the routing
// fields the libp2p transport needs.
type Message struct {
	ID        string      `json:"id"`        // unique message ID
	From      string      `json:"from"`      // sender peer ID
	To        string      `json:"to"`        // recipient peer ID (empty for broadcast)
	Type      MessageType `json:"type"`      // message type
	Content   string      `json:"content"`   // message content
	Timestamp int64       `json:"timestamp"` // unix timestamp in milliseconds
}

// NewMessage creates a new direct message
func NewMessage(from, to, content string) *Message {
	return &Message{
		ID:        generateID(),
		From:      from,
		To:        to,
		Type:      MessageTypeDirect,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewBroadcast creates a new broadcast message
func NewBroadcast(from, content string) *Message {
	return &Message{
		ID:        generateID(),
		From:      from,
		Type:      MessageTypeBroadcast,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
}

// generateID creates a unique message ID.
func generateID() string {
	return uuid.NewString()
}
