package connmgr

import (
	"testing"

	"hearth/internal/eventbus"
	"hearth/internal/trust"
)

func TestNewDefaultsUnknownModeToModerate(t *testing.T) {
	m, err := New(Options{Bus: eventbus.New(), ModeName: "not-a-real-mode"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.mode.Action(trust.CategoryTheOneAndOnly) != trust.ActionConnectTrust {
		t.Fatalf("expected moderate fallback mode, got action %s", m.mode.Action(trust.CategoryTheOneAndOnly))
	}
}

func TestTeardownEmitsDisconnectedOnlyWhenTracked(t *testing.T) {
	bus := eventbus.New()
	var gotDisconnect bool
	bus.On("disconnectedfrompeer", func(args ...any) { gotDisconnect = true })

	m, err := New(Options{Bus: bus, ModeName: "moderate"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// No tracked connection for this peer yet — teardown should be a no-op.
	m.teardown("peer1", "test")
	if gotDisconnect {
		t.Fatal("expected no disconnectedfrompeer for an untracked peer")
	}

	m.conns["peer1"] = &PeerConn{PeerID: "peer1", State: StateConnected}
	m.teardown("peer1", "test")
	if !gotDisconnect {
		t.Fatal("expected disconnectedfrompeer for a tracked peer")
	}
}

func TestOnEntangleConnectMarksConnectedAndEmits(t *testing.T) {
	bus := eventbus.New()
	got := false
	bus.On("connectedtopeer", func(args ...any) { got = true })

	m, err := New(Options{Bus: bus, ModeName: "moderate"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.OnEntangleConnect("peer1")
	if !got {
		t.Fatal("expected connectedtopeer to be emitted")
	}
	if m.conns["peer1"].State != StateConnected {
		t.Fatalf("state = %s, want connected", m.conns["peer1"].State)
	}
}

func TestRemarshalUserInfo(t *testing.T) {
	raw := map[string]any{"name": "alice", "publicKeyString": "K1"}
	info, err := decodeUserInfo(raw)
	if err != nil {
		t.Fatalf("decodeUserInfo: %v", err)
	}
	if info.Name != "alice" || info.PublicKeyString != "K1" {
		t.Fatalf("got %+v", info)
	}
}
