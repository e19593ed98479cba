package chat

import (
	"testing"

	"hearth/internal/eventbus"

	libp2p "github.com/libp2p/go-libp2p"
)

func newTestManager(t *testing.T, signed bool, bus *eventbus.Bus) *Manager {
	t.Helper()
	h, err := libp2p.New()
	if err != nil {
		t.Fatalf("libp2p.New: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return New(Options{Host: h, Bus: bus, Signed: signed})
}

func TestRosterAssignsAndRecyclesColors(t *testing.T) {
	bus := eventbus.New()
	m := newTestManager(t, false, bus)

	bus.Emit("connectedtopeer", "peerA")
	bus.Emit("connectedtopeer", "peerB")

	roster := m.ActiveUsers()
	if len(roster) != 2 {
		t.Fatalf("roster len = %d, want 2", len(roster))
	}
	if roster[0].PeerID != "peerA" || roster[1].PeerID != "peerB" {
		t.Fatalf("unexpected join order: %+v", roster)
	}
	if roster[0].Color == m.SelfColor() || roster[1].Color == m.SelfColor() {
		t.Fatal("peer was assigned the color reserved for self")
	}
	if roster[0].Color == roster[1].Color {
		t.Fatal("two peers were assigned the same color")
	}

	peerAColor := roster[0].Color
	bus.Emit("disconnectedfrompeer", "peerA")
	roster = m.ActiveUsers()
	if len(roster) != 1 || roster[0].PeerID != "peerB" {
		t.Fatalf("unexpected roster after disconnect: %+v", roster)
	}
	m.rosterMu.Lock()
	recycled := false
	for _, c := range m.freeColors {
		if c == peerAColor {
			recycled = true
		}
	}
	m.rosterMu.Unlock()
	if !recycled {
		t.Fatalf("peerA's color %s was not returned to the free pool", peerAColor)
	}

	bus.Emit("connectedtopeer", "peerC")
	roster = m.ActiveUsers()
	if len(roster) != 2 {
		t.Fatalf("roster len = %d, want 2 after peerC joins", len(roster))
	}
	peerCColor := ""
	for _, e := range roster {
		if e.PeerID == "peerC" {
			peerCColor = e.Color
		}
	}
	if peerCColor == "" {
		t.Fatal("peerC never made it onto the roster")
	}
}

func TestSignedModeGatesRosterOnValidation(t *testing.T) {
	bus := eventbus.New()
	m := newTestManager(t, true, bus)

	// connectedtopeer alone must not seat a peer in signed mode.
	bus.Emit("connectedtopeer", "peerA")
	if len(m.ActiveUsers()) != 0 {
		t.Fatal("signed mode seated a peer on connectedtopeer alone")
	}

	// connmgr only ever emits "validation" once the challenge/response proof
	// has succeeded; the trusted flag records whether the key was newly
	// saved, not whether the proof passed, so a false trusted flag (an
	// already-known key) still seats the peer.
	bus.Emit("validation", "peerA", false)
	roster := m.ActiveUsers()
	if len(roster) != 1 || roster[0].PeerID != "peerA" {
		t.Fatalf("expected peerA seated after validation regardless of trusted flag, got %+v", roster)
	}
}

func TestBroadcastMessageEmitsChatEvent(t *testing.T) {
	bus := eventbus.New()
	m := newTestManager(t, false, bus)

	var gotChat, gotDM bool
	bus.On("chat", func(args ...any) { gotChat = true })
	bus.On("dm", func(args ...any) { gotDM = true })

	m.addMessage(NewBroadcast(m.LocalPeerID(), "hello room"))
	if !gotChat || gotDM {
		t.Fatalf("broadcast message: gotChat=%v gotDM=%v, want true/false", gotChat, gotDM)
	}

	m.addMessage(NewMessage(m.LocalPeerID(), "somePeer", "hi"))
	if !gotDM {
		t.Fatal("direct message did not emit dm event")
	}
}
