// Package call manages native WebRTC call sessions using Pion.
// It is designed to be maximally standalone — it imports only Pion libraries
// and stdlib, plus the eventbus it reports ringing/connected/ended state on.
// Coupling to the rest of hearth is via the Signaler and eventbus.Bus only.
package call

import (
	"context"
	"log"
	"sync"
	"time"

	"hearth/internal/eventbus"
)

// Manager owns active call sessions and bridges realtime signaling to them.
type Manager struct {
	sig    Signaler
	selfID string
	bus    *eventbus.Bus

	ringTimeout   time.Duration
	statsInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	done chan struct{}
}

// Options configures ring timeout and stats poll cadence.
type Options struct {
	Sig             Signaler
	SelfID          string
	Bus             *eventbus.Bus
	RingTimeoutSec  int // 0 defaults to 15, matching config.Call.TimeoutSec's default
	StatsPollMillis int // 0 defaults to 2000
}

// New creates a new call Manager attached to sig and starts listening for
// signaling messages immediately.
func New(opt Options) *Manager {
	ringTimeout := time.Duration(opt.RingTimeoutSec) * time.Second
	if ringTimeout <= 0 {
		ringTimeout = 15 * time.Second
	}
	statsInterval := time.Duration(opt.StatsPollMillis) * time.Millisecond
	if statsInterval <= 0 {
		statsInterval = 2 * time.Second
	}
	m := &Manager{
		sig:           opt.Sig,
		selfID:        opt.SelfID,
		bus:           opt.Bus,
		ringTimeout:   ringTimeout,
		statsInterval: statsInterval,
		sessions:      make(map[string]*Session),
		done:          make(chan struct{}),
	}
	go m.dispatchLoop()
	return m
}

// OnIncoming registers a callback that is fired for each incoming call-request.
// Multiple handlers can be registered (e.g. one per attached UI adapter).
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// StartCall creates a new outbound call session on channelID to remotePeer
// and arms the ring timeout: if the session hasn't connected within
// ringTimeout, it is torn down and "calltimeout" fires.
func (m *Manager) StartCall(ctx context.Context, channelID, remotePeer string) (*Session, error) {
	m.sig.RegisterChannel(channelID, remotePeer)
	sess := newSession(channelID, remotePeer, m.sig, true, m.bus, m.statsInterval)
	m.mu.Lock()
	m.sessions[channelID] = sess
	m.mu.Unlock()
	if err := m.sig.Send(channelID, map[string]any{"type": "call-request"}); err != nil {
		m.removeSession(channelID)
		sess.Hangup()
		m.bus.Emit("callerror", channelID, remotePeer, err.Error())
		return nil, err
	}
	log.Printf("CALL: started %s → %s", channelID, remotePeer)
	m.bus.Emit("callstarted", channelID, remotePeer)
	go m.armRingTimeout(sess)
	return sess, nil
}

// AcceptCall creates a session for an incoming call and acks it, which tells
// the caller to create and send its offer.
func (m *Manager) AcceptCall(ctx context.Context, channelID, remotePeer string) (*Session, error) {
	m.sig.RegisterChannel(channelID, remotePeer)
	sess := newSession(channelID, remotePeer, m.sig, false, m.bus, m.statsInterval)
	m.mu.Lock()
	m.sessions[channelID] = sess
	m.mu.Unlock()
	if err := m.sig.Send(channelID, map[string]any{"type": "call-ack"}); err != nil {
		m.removeSession(channelID)
		sess.Hangup()
		m.bus.Emit("callerror", channelID, remotePeer, err.Error())
		return nil, err
	}
	log.Printf("CALL: accepted %s from %s", channelID, remotePeer)
	return sess, nil
}

// armRingTimeout hangs up sess and emits "calltimeout" if it neither connects
// nor ends on its own within the manager's ring timeout.
func (m *Manager) armRingTimeout(sess *Session) {
	select {
	case <-sess.ConnectedCh():
		return
	case <-sess.HangupCh():
		return
	case <-time.After(m.ringTimeout):
		log.Printf("CALL [%s]: ring timeout after %s", sess.channelID, m.ringTimeout)
		m.bus.Emit("calltimeout", sess.channelID, sess.remotePeer)
		sess.Hangup()
	}
}

// GetSession returns the active session for channelID, if any.
func (m *Manager) GetSession(channelID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[channelID]
	m.mu.RUnlock()
	return s, ok
}

// Snapshot returns a status snapshot of every call session currently tracked.
func (m *Manager) Snapshot() []SessionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionStatus, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Status())
	}
	return out
}

// removeSession removes a session from the tracking map.
func (m *Manager) removeSession(channelID string) {
	m.mu.Lock()
	delete(m.sessions, channelID)
	m.mu.Unlock()
}

// Close shuts down the manager and hangs up all active sessions.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Hangup()
	}
}

// dispatchLoop reads signaling envelopes from the Signaler and routes them.
func (m *Manager) dispatchLoop() {
	ch, cancel := m.sig.Subscribe()
	defer cancel()

	for {
		select {
		case <-m.done:
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(env)
		}
	}
}

// dispatch routes one signaling envelope to the appropriate session or
// fires OnIncoming handlers for new call-request messages.
func (m *Manager) dispatch(env *Envelope) {
	payload, ok := env.Payload.(map[string]any)
	if !ok {
		return
	}
	msgType, _ := payload["type"].(string)

	if msgType == "call-request" {
		// Register the channel before any Accept/Reject can try to send on it.
		m.sig.RegisterChannel(env.Channel, env.From)
		ic := &IncomingCall{
			ChannelID:  env.Channel,
			RemotePeer: env.From,
			Accept: func(ctx context.Context) (*Session, error) {
				return m.AcceptCall(ctx, env.Channel, env.From)
			},
			Reject: func() {
				_ = m.sig.Send(env.Channel, map[string]any{"type": "call-hangup"})
				m.removeSession(env.Channel)
				m.bus.Emit("callrejected", env.Channel, env.From)
			},
		}
		m.bus.Emit("incomingcall", env.Channel, env.From)
		m.incomingMu.RLock()
		handlers := make([]func(*IncomingCall), len(m.incoming))
		copy(handlers, m.incoming)
		m.incomingMu.RUnlock()
		for _, fn := range handlers {
			fn(ic)
		}
		return
	}

	if msgType == "call-hangup" {
		m.mu.RLock()
		_, ok := m.sessions[env.Channel]
		m.mu.RUnlock()
		if ok {
			defer func() {
				m.removeSession(env.Channel)
				m.bus.Emit("callended", env.Channel, env.From)
			}()
		}
	}

	// Route other signals (offer, answer, ice-candidate, hangup) to existing session.
	m.mu.RLock()
	sess, ok := m.sessions[env.Channel]
	m.mu.RUnlock()
	if ok {
		sess.handleSignal(msgType, payload)
	}
}
