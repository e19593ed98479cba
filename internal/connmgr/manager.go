// Package connmgr implements the connection manager: a per-peer state
// machine gated by the trust engine, driven by signal frames from the room
// topic and by entangle's connected/disconnected predicate.
//
// libp2p's own secure multiplexed transport substitutes for a manual
// offer/answer/ICE dance: "offering/answering a connection" here means dialing
// the peer and opening the fixed set of stream protocols (chat, mq,
// entangle); "connected" is entangle's heartbeat predicate. The one place
// genuine SDP/ICE survives is the Call Sub-Protocol's media connection
// (internal/call), which this package does not touch.
package connmgr

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"hearth/internal/entangle"
	"hearth/internal/eventbus"
	"hearth/internal/keystore"
	"hearth/internal/mq"
	"hearth/internal/p2p"
	"hearth/internal/proto"
	"hearth/internal/trust"

	"golang.org/x/time/rate"
)

// State is the per-peer connection lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateOffering   State = "offering"
	StateAnswering  State = "answering"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateFailed     State = "failed"
	StateClosed     State = "closed"
)

const staleThreshold = 12 * time.Second

// PeerConn is the per-peer connection record.
type PeerConn struct {
	PeerID    string
	Name      string
	State     State
	CreatedAt time.Time
	SentOffer bool
}

// PromptFunc asks an external collaborator (e.g. a UI) whether to proceed;
// used for promptandtrust/connectandprompt actions. A nil PromptFunc always
// declines prompts, which is the safe default for a headless daemon.
type PromptFunc func(peerID, name string, category trust.Category) bool

// Manager gates and tracks per-peer connections.
type Manager struct {
	node     *p2p.Node
	ent      *entangle.Manager
	keys     *keystore.Store
	bus      *eventbus.Bus
	mode     trust.Mode
	selfName func() string
	prompt   PromptFunc
	signed   bool

	val       *validator
	mu        sync.Mutex
	conns     map[string]*PeerConn
	validated map[string]bool
	limiters  map[string]*rate.Limiter
}

// Options configures a new Manager.
type Options struct {
	Node     *p2p.Node
	Entangle *entangle.Manager
	Keys     *keystore.Store // nil disables the signed variant (validation gating)
	MQ       *mq.Manager     // required when Keys is set: carries the challenge/response wire round-trip
	Bus      *eventbus.Bus
	ModeName string
	SelfName func() string
	Prompt   PromptFunc
}

// New builds a Manager, resolves the named trust mode, and wires the
// entangle connected/disconnected callbacks to the connected predicate.
func New(opt Options) (*Manager, error) {
	mode, ok := trust.ModeByName(opt.ModeName)
	if !ok {
		mode, _ = trust.ModeByName("moderate")
	}
	m := &Manager{
		node:      opt.Node,
		ent:       opt.Entangle,
		keys:      opt.Keys,
		bus:       opt.Bus,
		mode:      mode,
		selfName:  opt.SelfName,
		prompt:    opt.Prompt,
		signed:    opt.Keys != nil,
		conns:     make(map[string]*PeerConn),
		validated: make(map[string]bool),
		limiters:  make(map[string]*rate.Limiter),
	}
	if m.signed {
		m.val = newValidator(opt.MQ, opt.Keys)
	}
	return m, nil
}

func (m *Manager) limiterFor(peerID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[peerID]
	if !ok {
		// Allow a burst of 3 connect signals, refilling one every 2s —
		// generous enough for a legitimate 3s re-announce burst while
		// still bounding a malicious flood.
		l = rate.NewLimiter(rate.Every(2*time.Second), 3)
		m.limiters[peerID] = l
	}
	return l
}

// HandleSignal dispatches one decoded signal envelope. connect, nameChange,
// and unload are acted on; RTCOffer/RTCAnswer/RTCIceCandidate are recognized
// but dropped since libp2p's transport replaces the manual SDP/ICE path
// (see package doc).
func (m *Manager) HandleSignal(ctx context.Context, env proto.Envelope) {
	switch env.Subtopic {
	case proto.SubConnect:
		m.handleConnect(ctx, env)
	case proto.SubNameChange:
		m.handleNameChange(env)
	case proto.SubUnload:
		m.handleUnload(env)
	case proto.SubRTCOffer, proto.SubRTCAnswer, proto.SubRTCIceCandidate:
		// Browser-style SDP frames; the libp2p transport negotiates its own
		// connections, so these are dropped.
		log.Printf("connmgr: dropping %s frame from %s", env.Subtopic, env.Sender[:min(8, len(env.Sender))])
	}
}

func (m *Manager) handleConnect(ctx context.Context, env proto.Envelope) {
	if !m.limiterFor(env.Sender).Allow() {
		return
	}

	info, err := decodeUserInfo(env.Data)
	if err != nil {
		log.Printf("connmgr: malformed connect frame from %s: %v", env.Sender[:min(8, len(env.Sender))], err)
		return
	}

	m.mu.Lock()
	existing, has := m.conns[env.Sender]
	m.mu.Unlock()

	if has {
		switch existing.State {
		case StateConnected:
			if m.ent.IsConnected(env.Sender) {
				// Already healthy; just refresh identity info.
				m.RefreshName(env.Sender, info.Name)
				return
			}
		case StateConnecting, StateOffering, StateAnswering:
			if time.Since(existing.CreatedAt) < staleThreshold {
				return
			}
			m.teardown(env.Sender, "stale")
		case StateFailed, StateClosed:
			m.teardown(env.Sender, "previously failed")
		}
	}

	category := trust.CategoryNeverMet
	if m.signed && info.PublicKeyString != "" {
		category = trust.Classify(info.Name, info.PublicKeyString, m.keys)
	}
	action := m.mode.Action(category)

	switch action {
	case trust.ActionReject:
		log.Printf("connmgr: rejecting %s (%s)", info.Name, category)
		return
	case trust.ActionPromptAndTrust:
		if m.prompt == nil || !m.prompt(env.Sender, info.Name, category) {
			return
		}
	case trust.ActionConnectPrompt, trust.ActionConnectTrust:
		// proceed; connectandprompt's "ask before saving the key" happens
		// after validation succeeds, in runValidation.
	}

	m.mu.Lock()
	m.conns[env.Sender] = &PeerConn{
		PeerID:    env.Sender,
		Name:      info.Name,
		State:     StateConnecting,
		CreatedAt: time.Now(),
	}
	m.mu.Unlock()

	if err := m.node.Connect(ctx, env.Sender); err != nil {
		log.Printf("connmgr: dial %s failed: %v", env.Sender[:min(8, len(env.Sender))], err)
	}
	m.ent.Connect(ctx, env.Sender)

	if m.signed && info.PublicKeyString != "" {
		go m.runValidation(env.Sender, info.Name, info.PublicKeyString, action)
	}
}

func (m *Manager) handleNameChange(env proto.Envelope) {
	var payload proto.NameChangePayload
	if err := remarshal(env.Data, &payload); err != nil {
		return
	}
	m.RefreshName(env.Sender, payload.NewName)
	m.bus.Emit("namechange", env.Sender, payload.OldName, payload.NewName)
}

func (m *Manager) handleUnload(env proto.Envelope) {
	m.teardown(env.Sender, "unload")
}

// OnEntangleConnect is wired as entangle.Manager's onConnect callback: the
// "connected" predicate (all channels open + connection healthy) is
// satisfied once the heartbeat stream is up.
func (m *Manager) OnEntangleConnect(peerID string) {
	m.mu.Lock()
	c, ok := m.conns[peerID]
	if !ok {
		c = &PeerConn{PeerID: peerID, State: StateConnected, CreatedAt: time.Now()}
		m.conns[peerID] = c
	} else {
		c.State = StateConnected
	}
	m.mu.Unlock()
	m.bus.Emit("connectedtopeer", peerID)
}

// OnEntangleDisconnect is wired as entangle.Manager's onDisconnect callback.
func (m *Manager) OnEntangleDisconnect(peerID string) {
	m.teardown(peerID, "disconnected")
}

func (m *Manager) teardown(peerID, reason string) {
	m.mu.Lock()
	_, had := m.conns[peerID]
	delete(m.conns, peerID)
	wasValidated := m.validated[peerID]
	delete(m.validated, peerID)
	m.mu.Unlock()

	if had {
		log.Printf("connmgr: tearing down %s (%s)", peerID[:min(8, len(peerID))], reason)
		m.bus.Emit("disconnectedfrompeer", peerID)
	}
	if wasValidated {
		m.bus.Emit("validationfailure", peerID, reason)
	}
}

// runValidation drives the challenge/response proof of possession for the
// signed variant: issue a challenge over the wire via
// validator.challenge, which waits for the peer to sign it with its own
// private key and verifies the returned signature against the public key
// the peer claimed in its `connect` frame.
func (m *Manager) runValidation(peerID, name, pubKeyString string, action trust.Action) {
	ok, err := m.val.challenge(peerID, pubKeyString)
	if err != nil {
		log.Printf("connmgr: challenge round-trip with %s failed: %v", name, err)
		m.bus.Emit("validationfailure", peerID, name)
		return
	}
	if !ok {
		m.bus.Emit("validationfailure", peerID, name)
		return
	}

	m.mu.Lock()
	if _, tracked := m.conns[peerID]; !tracked {
		// Torn down while the challenge was in flight.
		m.mu.Unlock()
		return
	}
	m.validated[peerID] = true
	m.mu.Unlock()

	trusted := action == trust.ActionConnectTrust
	if action == trust.ActionConnectPrompt {
		if m.prompt != nil && m.prompt(peerID, name, trust.CategoryTheOneAndOnly) {
			_ = m.keys.SavePublicKey(name, pubKeyString, true)
			trusted = true
		}
	} else if trusted {
		_ = m.keys.SavePublicKey(name, pubKeyString, true)
	}
	m.bus.Emit("validation", peerID, trusted)
}

// RefreshName updates the display name on an existing connection record,
// e.g. after a re-announce or a content-stream fetch. No-op for untracked
// peers or an empty name.
func (m *Manager) RefreshName(peerID, name string) {
	if name == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[peerID]; ok {
		c.Name = name
	}
}

// Validated reports whether peerID has completed challenge/response
// validation this session. Validated peers stay a subset of connected peers:
// teardown always removes a peer from both sets together.
func (m *Manager) Validated(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validated[peerID]
}

// Snapshot returns a copy of all tracked connection records.
func (m *Manager) Snapshot() []PeerConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerConn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, *c)
	}
	return out
}

func decodeUserInfo(data any) (proto.UserInfo, error) {
	var info proto.UserInfo
	err := remarshal(data, &info)
	return info, err
}

// remarshal round-trips data (typically a map[string]interface{} produced
// by decoding proto.Envelope.Data) through JSON into a concrete struct.
func remarshal(data any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
