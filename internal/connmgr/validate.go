package connmgr

import (
	"bytes"
	"context"
	"sync"
	"time"

	"hearth/internal/keystore"
	"hearth/internal/mq"
)

// validateTimeout bounds how long a challenger waits for the claimed key's
// owner to sign and return the challenge over the wire.
const validateTimeout = 8 * time.Second

// validator drives the wire round-trip for the signed variant's proof of
// possession: the challenger publishes a random challenge
// on TopicValidateChallenge, the recipient signs it with its own private key
// and returns the signature on TopicValidateResponse, and the challenger
// verifies that signature against the public key the peer claimed in its
// `connect` frame — not against the challenger's own key, which would prove
// nothing about the remote peer.
type validator struct {
	mq   *mq.Manager
	keys *keystore.Store

	mu      sync.Mutex
	pending map[string]chan mq.ValidateResponsePayload // peerID -> waiter
}

func newValidator(mqMgr *mq.Manager, keys *keystore.Store) *validator {
	v := &validator{
		mq:      mqMgr,
		keys:    keys,
		pending: make(map[string]chan mq.ValidateResponsePayload),
	}
	if mqMgr != nil {
		mqMgr.SubscribeTopic(mq.TopicValidateChallenge, v.handleChallenge)
		mqMgr.SubscribeTopic(mq.TopicValidateResponse, v.handleResponse)
	}
	return v
}

// handleChallenge answers an incoming challenge by signing it with our own
// private key and returning the signature plus our own public key string —
// proof that we, not an impostor, hold the private half of the identity we
// advertised.
func (v *validator) handleChallenge(from, _ string, payload any) {
	var p mq.ValidateChallengePayload
	if err := remarshal(payload, &p); err != nil || v.keys == nil {
		return
	}
	sig, err := v.keys.Sign(p.Challenge)
	if err != nil {
		return
	}
	pubKey, err := v.keys.PublicKeyString()
	if err != nil {
		return
	}
	_, _ = v.mq.Send(context.Background(), from, mq.TopicValidateResponse, mq.ValidateResponsePayload{
		Challenge:       p.Challenge,
		Signature:       sig,
		PublicKeyString: pubKey,
	})
}

// handleResponse delivers an incoming validate:response to whichever
// challenge() call is waiting on this peer, if any.
func (v *validator) handleResponse(from, _ string, payload any) {
	var p mq.ValidateResponsePayload
	if err := remarshal(payload, &p); err != nil {
		return
	}
	v.mu.Lock()
	ch, ok := v.pending[from]
	v.mu.Unlock()
	if ok {
		select {
		case ch <- p:
		default:
		}
	}
}

// challenge issues a fresh challenge to peerID, waits for its signed
// response, and reports whether the response verifies against
// claimedPubKeyString. A wrong-key response (the peer signed with a
// different key than it claimed in `connect`) counts as a failed proof.
func (v *validator) challenge(peerID, claimedPubKeyString string) (bool, error) {
	challenge, err := v.keys.ChallengeString()
	if err != nil {
		return false, err
	}

	ch := make(chan mq.ValidateResponsePayload, 1)
	v.mu.Lock()
	v.pending[peerID] = ch
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		delete(v.pending, peerID)
		v.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), validateTimeout)
	defer cancel()
	if _, err := v.mq.Send(ctx, peerID, mq.TopicValidateChallenge, mq.ValidateChallengePayload{Challenge: challenge}); err != nil {
		return false, err
	}

	select {
	case resp := <-ch:
		if resp.PublicKeyString != claimedPubKeyString || !bytes.Equal(resp.Challenge, challenge) {
			return false, nil
		}
		return keystore.Verify(claimedPubKeyString, resp.Signature, challenge)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
