package ledger

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/mr-tron/base58"
)

// Local is an in-process Service backed by an Ed25519 key pair. It implements
// the full contract without a running node, which makes it the reference
// implementation for tests and offline demos. Safe for concurrent use.
type Local struct {
	did  string
	priv ed25519.PrivateKey

	mu      sync.RWMutex
	peers   map[string]ed25519.PublicKey // DID -> public key
	anchors map[string][]AnchorState    // address -> states, oldest first
}

// NewLocal generates a fresh identity.
func NewLocal() (*Local, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ledger: generate key: %w", err)
	}
	l := &Local{
		did:     DeriveDID(pub),
		priv:    priv,
		peers:   make(map[string]ed25519.PublicKey),
		anchors: make(map[string][]AnchorState),
	}
	l.peers[l.did] = pub
	return l, nil
}

// DeriveDID maps a public key to a stable identifier.
func DeriveDID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "did:rubix:" + base58.Encode(sum[:])
}

func (l *Local) DID() string { return l.did }

// PublicKey exposes the local verification key so peers can register it.
func (l *Local) PublicKey() ed25519.PublicKey {
	return l.priv.Public().(ed25519.PublicKey)
}

// RegisterPeer makes did verifiable by this service instance.
func (l *Local) RegisterPeer(did string, pub ed25519.PublicKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers[did] = pub
}

func (l *Local) Sign(_ context.Context, data []byte) ([]byte, error) {
	return ed25519.Sign(l.priv, data), nil
}

func (l *Local) Verify(_ context.Context, did string, data, sig []byte) (bool, error) {
	l.mu.RLock()
	pub, ok := l.peers[did]
	l.mu.RUnlock()
	if !ok {
		return false, &ServiceError{Op: "verify", Err: fmt.Errorf("unknown DID %s", did)}
	}
	if len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(pub, data, sig), nil
}

func (l *Local) RegisterAnchor(_ context.Context, anchorID string, _ float64, payload string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.anchors[anchorID]; exists {
		return "", fmt.Errorf("ledger: anchor %s already deployed", anchorID)
	}
	l.anchors[anchorID] = []AnchorState{{"payload": payload}}
	return anchorID, nil
}

func (l *Local) AppendAnchor(_ context.Context, address string, payload string) (ExecResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	states, ok := l.anchors[address]
	if !ok {
		return ExecResult{Status: false, Message: "unknown anchor address"}, nil
	}
	l.anchors[address] = append(states, AnchorState{"payload": payload})
	return ExecResult{Status: true}, nil
}

func (l *Local) AnchorHistory(_ context.Context, address string, latestOnly bool) ([]AnchorState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	states, ok := l.anchors[address]
	if !ok {
		return nil, &ServiceError{Op: "anchor history", Err: fmt.Errorf("unknown anchor address %s", address)}
	}
	out := make([]AnchorState, len(states))
	copy(out, states)
	if latestOnly && len(out) > 0 {
		return out[len(out)-1:], nil
	}
	return out, nil
}
