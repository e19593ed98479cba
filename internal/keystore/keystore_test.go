package keystore

import (
	"path/filepath"
	"testing"

	"hearth/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := Open(db)
	if err != nil {
		t.Fatalf("keystore.Open: %v", err)
	}
	return s
}

// TestSignVerifyRoundTrip: sign then verify with matching keys
// returns true; altering any byte returns false.
func TestSignVerifyRoundTrip(t *testing.T) {
	s := openTestStore(t)

	challenge, err := s.ChallengeString()
	if err != nil {
		t.Fatalf("ChallengeString: %v", err)
	}
	sig, err := s.Sign(challenge)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	pk, err := s.PublicKeyString()
	if err != nil {
		t.Fatalf("PublicKeyString: %v", err)
	}

	ok, err := Verify(pk, sig, challenge)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("expected verify to succeed with matching keys and challenge")
	}

	tampered := append([]byte(nil), challenge...)
	tampered[0] ^= 0xFF
	ok, err = Verify(pk, sig, tampered)
	if err != nil {
		t.Fatalf("Verify(tampered): %v", err)
	}
	if ok {
		t.Fatal("expected verify to fail once challenge bytes are altered")
	}
}

func TestChallengeStringLength(t *testing.T) {
	s := openTestStore(t)
	c, err := s.ChallengeString()
	if err != nil {
		t.Fatalf("ChallengeString: %v", err)
	}
	if len(c) != challengeSize {
		t.Fatalf("challenge length = %d, want %d", len(c), challengeSize)
	}
}

// TestSavePublicKeyDoubleBind: a name already bound to one key is not
// rebound to another without explicit overwrite. One key may still be bound
// to several names (see TestPeerNamesReverseLookup).
func TestSavePublicKeyDoubleBind(t *testing.T) {
	s := openTestStore(t)

	if err := s.SavePublicKey("alice", "K1", false); err != nil {
		t.Fatalf("first SavePublicKey: %v", err)
	}
	err := s.SavePublicKey("alice", "K2", false)
	if err != ErrNameBoundToOtherKey {
		t.Fatalf("expected ErrNameBoundToOtherKey, got %v", err)
	}

	if err := s.SavePublicKey("alice", "K2", true); err != nil {
		t.Fatalf("overwrite SavePublicKey: %v", err)
	}
	got, ok := s.PublicKey("alice")
	if !ok || got != "K2" {
		t.Fatalf("PublicKey after overwrite = (%q, %v), want (K2, true)", got, ok)
	}
}

func TestPeerNamesReverseLookup(t *testing.T) {
	s := openTestStore(t)
	if err := s.SavePublicKey("alice", "K1", false); err != nil {
		t.Fatalf("SavePublicKey alice: %v", err)
	}
	if err := s.SavePublicKey("alice2", "K1", false); err != nil {
		t.Fatalf("SavePublicKey alice2: %v", err)
	}

	names := s.PeerNames("K1")
	if len(names) != 2 {
		t.Fatalf("PeerNames(K1) = %v, want 2 entries", names)
	}
}

func TestRemovePublicKey(t *testing.T) {
	s := openTestStore(t)
	if err := s.SavePublicKey("alice", "K1", false); err != nil {
		t.Fatalf("SavePublicKey: %v", err)
	}
	if err := s.RemovePublicKey("alice"); err != nil {
		t.Fatalf("RemovePublicKey: %v", err)
	}
	if _, ok := s.PublicKey("alice"); ok {
		t.Fatal("expected PublicKey to report unbound after removal")
	}
}
