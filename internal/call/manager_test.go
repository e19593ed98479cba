package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"hearth/internal/eventbus"
)

// fakeSignaler is an in-memory Signaler: Send appends to a log instead of
// hitting the network, and Subscribe delivers whatever the test pushes via
// deliver.
type fakeSignaler struct {
	mu         sync.Mutex
	sent       []sentMsg
	subs       []chan *Envelope
	registered map[string]string
}

type sentMsg struct {
	channel string
	payload any
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{registered: make(map[string]string)}
}

func (f *fakeSignaler) RegisterChannel(channelID, peerID string) {
	f.mu.Lock()
	f.registered[channelID] = peerID
	f.mu.Unlock()
}

func (f *fakeSignaler) Send(channelID string, payload any) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentMsg{channelID, payload})
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) Subscribe() (chan *Envelope, func()) {
	ch := make(chan *Envelope, 8)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeSignaler) deliver(env *Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- env
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestDispatchIncomingCallInvokesHandlers(t *testing.T) {
	sig := newFakeSignaler()
	bus := eventbus.New()
	m := New(Options{Sig: sig, SelfID: "me", Bus: bus, RingTimeoutSec: 1})
	defer m.Close()

	var got *IncomingCall
	done := make(chan struct{})
	m.OnIncoming(func(ic *IncomingCall) {
		got = ic
		close(done)
	})

	var incomingEmitted bool
	bus.On("incomingcall", func(args ...any) { incomingEmitted = true })

	sig.deliver(&Envelope{
		Channel: "chan1",
		From:    "alice",
		Payload: map[string]any{"type": "call-request"},
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnIncoming handler never fired")
	}

	if got.ChannelID != "chan1" || got.RemotePeer != "alice" {
		t.Fatalf("got %+v", got)
	}
	if !incomingEmitted {
		t.Fatal("expected incomingcall to be emitted")
	}
}

func TestIncomingCallRejectSendsHangupAndEmits(t *testing.T) {
	sig := newFakeSignaler()
	bus := eventbus.New()
	m := New(Options{Sig: sig, SelfID: "me", Bus: bus, RingTimeoutSec: 1})
	defer m.Close()

	var rejected bool
	bus.On("callrejected", func(args ...any) { rejected = true })

	icCh := make(chan *IncomingCall, 1)
	m.OnIncoming(func(ic *IncomingCall) { icCh <- ic })

	sig.deliver(&Envelope{
		Channel: "chan2",
		From:    "bob",
		Payload: map[string]any{"type": "call-request"},
	})

	var ic *IncomingCall
	select {
	case ic = <-icCh:
	case <-time.After(time.Second):
		t.Fatal("no incoming call delivered")
	}
	ic.Reject()

	waitFor(t, time.Second, func() bool { return rejected })

	sig.mu.Lock()
	defer sig.mu.Unlock()
	if len(sig.sent) != 1 || sig.sent[0].channel != "chan2" {
		t.Fatalf("expected call-hangup sent on chan2, got %+v", sig.sent)
	}
}

func TestCallHangupFrameEndsTrackedSession(t *testing.T) {
	sig := newFakeSignaler()
	bus := eventbus.New()
	m := New(Options{Sig: sig, SelfID: "me", Bus: bus, RingTimeoutSec: 1})
	defer m.Close()

	var ended bool
	bus.On("callended", func(args ...any) { ended = true })

	sess, err := m.StartCall(context.Background(), "chan3", "carol")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if _, ok := m.GetSession("chan3"); !ok {
		t.Fatal("expected session to be tracked")
	}

	sig.deliver(&Envelope{
		Channel: "chan3",
		From:    "carol",
		Payload: map[string]any{"type": "call-hangup"},
	})

	waitFor(t, time.Second, func() bool { return ended })
	if _, ok := m.GetSession("chan3"); ok {
		t.Fatal("expected session to be removed after call-hangup")
	}
	_ = sess
}

func TestRingTimeoutFiresWhenNeverAnswered(t *testing.T) {
	sig := newFakeSignaler()
	bus := eventbus.New()
	m := New(Options{Sig: sig, SelfID: "me", Bus: bus, RingTimeoutSec: 1})
	defer m.Close()

	var timedOut bool
	var gotChannel, gotPeer string
	bus.On("calltimeout", func(args ...any) {
		timedOut = true
		if len(args) >= 2 {
			gotChannel, _ = args[0].(string)
			gotPeer, _ = args[1].(string)
		}
	})

	_, err := m.StartCall(context.Background(), "chan4", "dave")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return timedOut })
	if gotChannel != "chan4" || gotPeer != "dave" {
		t.Fatalf("calltimeout args = %q, %q", gotChannel, gotPeer)
	}
}

func TestStartCallRegistersChannelAndSendsRequest(t *testing.T) {
	sig := newFakeSignaler()
	bus := eventbus.New()
	m := New(Options{Sig: sig, SelfID: "me", Bus: bus, RingTimeoutSec: 1})
	defer m.Close()

	sess, err := m.StartCall(context.Background(), "chan5", "erin")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	defer sess.Hangup()

	sig.mu.Lock()
	defer sig.mu.Unlock()
	if sig.registered["chan5"] != "erin" {
		t.Fatalf("channel registration = %q, want erin", sig.registered["chan5"])
	}
	if len(sig.sent) != 1 || sig.sent[0].channel != "chan5" {
		t.Fatalf("expected one frame on chan5, got %+v", sig.sent)
	}
	payload, _ := sig.sent[0].payload.(map[string]any)
	if payload["type"] != "call-request" {
		t.Fatalf("first frame = %v, want call-request", payload)
	}
}

func TestAcceptCallSendsAck(t *testing.T) {
	sig := newFakeSignaler()
	bus := eventbus.New()
	m := New(Options{Sig: sig, SelfID: "me", Bus: bus, RingTimeoutSec: 1})
	defer m.Close()

	sess, err := m.AcceptCall(context.Background(), "chan6", "frank")
	if err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	defer sess.Hangup()

	sig.mu.Lock()
	defer sig.mu.Unlock()
	if sig.registered["chan6"] != "frank" {
		t.Fatalf("channel registration = %q, want frank", sig.registered["chan6"])
	}
	if len(sig.sent) != 1 || sig.sent[0].channel != "chan6" {
		t.Fatalf("expected one frame on chan6, got %+v", sig.sent)
	}
	payload, _ := sig.sent[0].payload.(map[string]any)
	if payload["type"] != "call-ack" {
		t.Fatalf("first frame = %v, want call-ack", payload)
	}
}

func TestNewDefaultsZeroOptionsToSpecDefaults(t *testing.T) {
	m := New(Options{Sig: newFakeSignaler(), SelfID: "me", Bus: eventbus.New()})
	defer m.Close()
	if m.ringTimeout != 15*time.Second {
		t.Fatalf("ringTimeout = %s, want 15s default", m.ringTimeout)
	}
	if m.statsInterval != 2*time.Second {
		t.Fatalf("statsInterval = %s, want 2s default", m.statsInterval)
	}
}
