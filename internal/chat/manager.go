package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"hearth/internal/eventbus"
	"hearth/internal/util"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// CommandDispatcher handles chat commands (messages starting with "!").
type CommandDispatcher func(ctx context.Context, fromPeerID, content string, sender DirectSender)

// DirectSender sends a direct message to a peer.
type DirectSender interface {
	SendDirect(ctx context.Context, toPeerID, content string) error
}

const (
	// ChatProtocolID is the libp2p protocol ID for chat
	ChatProtocolID = "/hearth/chat/1.0.0"

	// DefaultBufferSize is the default number of messages to keep in memory
	DefaultBufferSize = 100
)

// DefaultPalette is the pool of colors handed out to the active-user
// roster. Index 0 is always reserved for the local user; the rest are
// assigned round-robin to peers as they join the roster and recycled back
// to the free pool when they leave.
var DefaultPalette = []string{
	"#4f8ef7", "#f76e4f", "#4ff7a1", "#f7d24f",
	"#a14ff7", "#4fd2f7", "#f74f9e", "#9ef74f",
}

// RosterEntry is one member of the active-user roster: a peer that has
// cleared the trust gate (signed mode: "validation"; unsigned mode:
// "connectedtopeer") and been handed a display color.
type RosterEntry struct {
	PeerID string `json:"peerId"`
	Color  string `json:"color"`
}

// Options configures a new Manager.
type Options struct {
	Host       host.Host
	Bus        *eventbus.Bus // optional; enables roster tracking and chat/dm events
	BufferSize int
	// Signed gates which bus event promotes a peer onto the roster: with
	// Signed, only a peer whose signature has cleared validation (the
	// "validation" event — connmgr only ever emits it after the
	// challenge/response proof succeeds; a failed proof instead emits
	// "validationfailure" and never reaches the roster) joins; without it,
	// any libp2p-connected peer ("connectedtopeer") joins immediately. The
	// event's trusted flag records whether the key was newly saved this
	// round, not whether the proof succeeded, so it plays no part in the
	// roster gate.
	Signed bool
}

// Manager handles chat operations for a peer
type Manager struct {
	host        host.Host
	bus         *eventbus.Bus
	mu          sync.RWMutex
	messages    *util.RingBuffer[*Message] // in-memory message ring buffer
	listeners   []chan *Message            // subscribed consumers
	localPeerID string                     // our peer ID
	onCommand   CommandDispatcher

	rosterMu   sync.Mutex
	palette    []string
	freeColors []string
	selfColor  string
	order      []string          // peerIDs in join order
	colors     map[string]string // peerID -> assigned color
	unsubs     []func()
}

// New creates a new chat manager
func New(opt Options) *Manager {
	bufferSize := opt.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	palette := DefaultPalette
	m := &Manager{
		host:        opt.Host,
		bus:         opt.Bus,
		messages:    util.NewRingBuffer[*Message](bufferSize),
		listeners:   make([]chan *Message, 0),
		localPeerID: opt.Host.ID().String(),
		palette:     palette,
		selfColor:   palette[0],
		colors:      make(map[string]string),
		order:       make([]string, 0),
	}
	m.freeColors = append([]string{}, palette[1:]...)

	// Register stream handler
	opt.Host.SetStreamHandler(protocol.ID(ChatProtocolID), m.handleStream)

	if opt.Bus != nil {
		joinEvent := "connectedtopeer"
		if opt.Signed {
			joinEvent = "validation"
		}
		m.unsubs = append(m.unsubs, opt.Bus.On(joinEvent, func(args ...any) {
			if len(args) == 0 {
				return
			}
			peerID, ok := args[0].(string)
			if !ok {
				return
			}
			m.addToRoster(peerID)
		}))
		m.unsubs = append(m.unsubs, opt.Bus.On("disconnectedfrompeer", func(args ...any) {
			if len(args) == 0 {
				return
			}
			if peerID, ok := args[0].(string); ok {
				m.removeFromRoster(peerID)
			}
		}))
	}

	return m
}

// SelfColor returns the display color reserved for the local user.
func (m *Manager) SelfColor() string {
	return m.selfColor
}

// ActiveUsers returns the current roster in join order.
func (m *Manager) ActiveUsers() []RosterEntry {
	m.rosterMu.Lock()
	defer m.rosterMu.Unlock()

	out := make([]RosterEntry, 0, len(m.order))
	for _, peerID := range m.order {
		out = append(out, RosterEntry{PeerID: peerID, Color: m.colors[peerID]})
	}
	return out
}

// addToRoster assigns the next free color to peerID and appends it to the
// roster, unless it is already present.
func (m *Manager) addToRoster(peerID string) {
	m.rosterMu.Lock()
	defer m.rosterMu.Unlock()

	if _, exists := m.colors[peerID]; exists {
		return
	}
	var color string
	if len(m.freeColors) > 0 {
		color = m.freeColors[0]
		m.freeColors = m.freeColors[1:]
	} else {
		// Pool exhausted: cycle through the peer colors, skipping index 0.
		color = m.palette[1+len(m.colors)%(len(m.palette)-1)]
	}
	m.colors[peerID] = color
	m.order = append(m.order, peerID)
}

// removeFromRoster drops peerID from the roster and recycles its color.
func (m *Manager) removeFromRoster(peerID string) {
	m.rosterMu.Lock()
	defer m.rosterMu.Unlock()

	color, ok := m.colors[peerID]
	if !ok {
		return
	}
	delete(m.colors, peerID)
	for i, id := range m.order {
		if id == peerID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.freeColors = append(m.freeColors, color)
}

// SendDirect sends a direct message to a specific peer
func (m *Manager) SendDirect(ctx context.Context, toPeerID, content string) error {
	peerID, err := peer.Decode(toPeerID)
	if err != nil {
		return fmt.Errorf("invalid peer ID: %w", err)
	}

	msg := NewMessage(m.localPeerID, toPeerID, content)

	// Open stream to peer
	stream, err := m.host.NewStream(ctx, peerID, protocol.ID(ChatProtocolID))
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()

	// Send message as JSON
	if err := json.NewEncoder(stream).Encode(msg); err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	// Store in local buffer (outgoing)
	m.addMessage(msg)

	log.Printf("CHAT: Sent direct message to %s", toPeerID)
	return nil
}

// SendBroadcast sends a message to all connected peers
func (m *Manager) SendBroadcast(ctx context.Context, content string) error {
	msg := NewBroadcast(m.localPeerID, content)

	// Get all connected peers
	peers := m.host.Network().Peers()
	if len(peers) == 0 {
		// Still store locally even if no peers
		m.addMessage(msg)
		log.Printf("CHAT: Broadcast message stored (no peers connected)")
		return nil
	}

	var lastErr error
	sentCount := 0

	for _, peerID := range peers {
		// Open stream to peer
		stream, err := m.host.NewStream(ctx, peerID, protocol.ID(ChatProtocolID))
		if err != nil {
			lastErr = err
			log.Printf("CHAT: Failed to open stream to %s for broadcast: %v", peerID, err)
			continue
		}

		// Send message as JSON
		if err := json.NewEncoder(stream).Encode(msg); err != nil {
			stream.Close()
			lastErr = err
			log.Printf("CHAT: Failed to send broadcast to %s: %v", peerID, err)
			continue
		}

		stream.Close()
		sentCount++
	}

	// Store in local buffer (outgoing)
	m.addMessage(msg)

	log.Printf("CHAT: Broadcast sent to %d/%d peers", sentCount, len(peers))

	if sentCount == 0 && lastErr != nil {
		return fmt.Errorf("failed to send to any peer: %w", lastErr)
	}

	return nil
}

// GetMessages returns all messages in the buffer
func (m *Manager) GetMessages() []*Message {
	return m.messages.Snapshot()
}

// GetConversation returns messages for a specific peer conversation
func (m *Manager) GetConversation(peerID string) []*Message {
	all := m.messages.Snapshot()
	conversation := make([]*Message, 0)
	for _, msg := range all {
		if msg.Type == MessageTypeDirect &&
			((msg.From == peerID && msg.To == m.localPeerID) ||
				(msg.From == m.localPeerID && msg.To == peerID)) {
			conversation = append(conversation, msg)
		}
	}
	return conversation
}

// GetBroadcasts returns all broadcast messages
func (m *Manager) GetBroadcasts() []*Message {
	all := m.messages.Snapshot()
	broadcasts := make([]*Message, 0)
	for _, msg := range all {
		if msg.Type == MessageTypeBroadcast {
			broadcasts = append(broadcasts, msg)
		}
	}
	return broadcasts
}

// LocalPeerID returns the local peer ID
func (m *Manager) LocalPeerID() string {
	return m.localPeerID
}

// Subscribe returns a channel that receives new messages
func (m *Manager) Subscribe() <-chan *Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *Message, 10)
	m.listeners = append(m.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel
func (m *Manager) Unsubscribe(ch <-chan *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, listener := range m.listeners {
		if listener == ch {
			close(listener)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// SetCommandHandler registers a dispatcher for ! commands.
func (m *Manager) SetCommandHandler(fn CommandDispatcher) {
	m.onCommand = fn
}

// handleStream handles incoming chat streams
func (m *Manager) handleStream(stream network.Stream) {
	defer stream.Close()

	remotePeer := stream.Conn().RemotePeer().String()

	// Read message
	var msg Message
	if err := json.NewDecoder(io.LimitReader(stream, 1024*1024)).Decode(&msg); err != nil {
		log.Printf("CHAT: Failed to decode message from %s: %v", remotePeer, err)
		return
	}

	// Validate sender
	if msg.From != remotePeer {
		log.Printf("CHAT: Message from %s claims to be from %s, rejecting", remotePeer, msg.From)
		return
	}

	// Add timestamp if missing
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	// Store message
	m.addMessage(&msg)

	log.Printf("CHAT: Received message from %s: %.50s", msg.From, msg.Content)

	// Dispatch ! commands
	if m.onCommand != nil && msg.Type == MessageTypeDirect && strings.HasPrefix(msg.Content, "!") {
		go m.onCommand(context.Background(), msg.From, msg.Content, m)
	}
}

// addMessage adds a message to the buffer, notifies listeners, and emits
// the corresponding public "chat"/"dm" bus event.
func (m *Manager) addMessage(msg *Message) {
	// Ring buffer handles its own concurrency
	m.messages.Push(msg)

	// Notify listeners under manager lock
	m.mu.RLock()
	for _, listener := range m.listeners {
		select {
		case listener <- msg:
		default:
			// Listener buffer full, skip
		}
	}
	m.mu.RUnlock()

	if m.bus != nil {
		if msg.Type == MessageTypeDirect {
			m.bus.Emit("dm", msg)
		} else {
			m.bus.Emit("chat", msg)
		}
	}
}

// Close shuts down the chat manager
func (m *Manager) Close() error {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil

	m.mu.Lock()
	defer m.mu.Unlock()

	// Close all listener channels
	for _, listener := range m.listeners {
		close(listener)
	}
	m.listeners = nil

	return nil
}
