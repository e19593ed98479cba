// Package keystore implements the identity and trust key store:
// a signing key pair, challenge/response proof of possession, and a
// known-hosts table mapping bare display names to public-key strings.
package keystore

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"hearth/internal/storage"

	crypt "github.com/libp2p/go-libp2p/core/crypto"
	"golang.org/x/crypto/blake2b"
)

// ErrNameBoundToOtherKey is returned by SavePublicKey when peerName is
// already bound to a different public key and overwrite was not requested.
var ErrNameBoundToOtherKey = errors.New("keystore: name already bound to a different public key")

const challengeSize = 32

// Store owns the local signing identity and the known-hosts table.
type Store struct {
	db   *storage.DB
	mu   sync.RWMutex
	priv crypt.PrivKey
	pub  crypt.PubKey

	// counter domain-separates successive challenges from the same process.
	counter uint64
}

// Open loads the local identity keypair from db's _identity table,
// generating and persisting a fresh 2048-bit RSA keypair on first run.
// This is a distinct keypair from the libp2p host's own
// transport identity — this one authenticates the *application* peer, the
// host key only authenticates the transport connection.
func Open(db *storage.DB) (*Store, error) {
	s := &Store{db: db}

	raw, ok := s.loadMeta("identity_priv_key")
	if ok {
		priv, err := crypt.UnmarshalPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("unmarshal stored identity key: %w", err)
		}
		s.priv = priv
		s.pub = priv.GetPublic()
		return s, nil
	}

	priv, pub, err := crypt.GenerateKeyPair(crypt.RSA, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	rawPriv, err := crypt.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal identity key: %w", err)
	}
	if err := s.saveMeta("identity_priv_key", rawPriv); err != nil {
		return nil, fmt.Errorf("persist identity key: %w", err)
	}
	s.priv = priv
	s.pub = pub
	return s, nil
}

func (s *Store) loadMeta(key string) ([]byte, bool) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM _identity WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, false
	}
	return raw, true
}

func (s *Store) saveMeta(key string, raw []byte) error {
	enc := base64.StdEncoding.EncodeToString(raw)
	_, err := s.db.Exec(`
		INSERT INTO _identity (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, enc)
	return err
}

// PublicKeyString returns the base64-encoded marshaled public key, the form
// carried in proto.UserInfo.PublicKeyString and canonical identity strings.
func (s *Store) PublicKeyString() (string, error) {
	raw, err := crypt.MarshalPublicKey(s.pub)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Identity returns the canonical identity string "bareName|publicKeyString".
func (s *Store) Identity(bareName string) (string, error) {
	pk, err := s.PublicKeyString()
	if err != nil {
		return "", err
	}
	return bareName + "|" + pk, nil
}

// Sign signs challenge with the local private key.
func (s *Store) Sign(challenge []byte) ([]byte, error) {
	return s.priv.Sign(challenge)
}

// Verify checks sig over challenge against pubKeyString, the base64-encoded
// marshaled form produced by PublicKeyString. A signature that does not
// verify yields (false, nil); an error means pubKeyString could not be
// decoded.
func Verify(pubKeyString string, sig, challenge []byte) (bool, error) {
	raw, err := base64.StdEncoding.DecodeString(pubKeyString)
	if err != nil {
		return false, fmt.Errorf("decode public key: %w", err)
	}
	pub, err := crypt.UnmarshalPublicKey(raw)
	if err != nil {
		return false, fmt.Errorf("unmarshal public key: %w", err)
	}
	ok, err := pub.Verify(challenge, sig)
	if err != nil {
		// The RSA key reports a mismatched signature as an error.
		return false, nil
	}
	return ok, nil
}

// ChallengeString returns 32 bytes of cryptographic randomness, hashed with
// blake2b-256 together with a per-process monotonic counter and the current
// time so
// that two challenges issued in the same wall-clock instant are still
// distinguishable even if the underlying CSPRNG were ever reseeded
// predictably. The random bytes from crypto/rand remain the sole source of
// unpredictability; blake2b only spreads them across a counter-keyed digest.
func (s *Store) ChallengeString() ([]byte, error) {
	raw := make([]byte, challengeSize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("read random challenge: %w", err)
	}

	s.mu.Lock()
	s.counter++
	n := s.counter
	s.mu.Unlock()

	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	h.Write(raw)
	h.Write([]byte(fmt.Sprintf("%d:%d", n, time.Now().UnixNano())))
	return h.Sum(nil), nil
}

// SavePublicKey binds peerName to pubKeyString in the known-hosts table. If
// peerName is already bound to a different key, it fails with
// ErrNameBoundToOtherKey unless overwrite is true.
func (s *Store) SavePublicKey(peerName, pubKeyString string, overwrite bool) error {
	existing, ok := s.PublicKey(peerName)
	if ok && existing != pubKeyString && !overwrite {
		return ErrNameBoundToOtherKey
	}
	_, err := s.db.Exec(`
		INSERT INTO _known_hosts (name, public_key, bound_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET public_key = excluded.public_key, bound_at = excluded.bound_at`,
		peerName, pubKeyString)
	return err
}

// PublicKey returns the public-key string bound to peerName, if any.
func (s *Store) PublicKey(peerName string) (string, bool) {
	var key string
	err := s.db.QueryRow(`SELECT public_key FROM _known_hosts WHERE name = ?`, peerName).Scan(&key)
	if err != nil {
		return "", false
	}
	return key, true
}

// RemovePublicKey removes peerName's binding from the known-hosts table.
func (s *Store) RemovePublicKey(peerName string) error {
	_, err := s.db.Exec(`DELETE FROM _known_hosts WHERE name = ?`, peerName)
	return err
}

// PeerNames returns every bare name currently bound to pubKeyString
// (reverse lookup; normally zero or one entry, but aliased identities can
// hold more).
func (s *Store) PeerNames(pubKeyString string) []string {
	rows, err := s.db.Query(`SELECT name FROM _known_hosts WHERE public_key = ?`, pubKeyString)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			names = append(names, name)
		}
	}
	return names
}

// BoundKey satisfies trust.KnownHostsView.
func (s *Store) BoundKey(name string) (string, bool) {
	return s.PublicKey(name)
}

// NamesForKey satisfies trust.KnownHostsView.
func (s *Store) NamesForKey(key string) []string {
	return s.PeerNames(key)
}
