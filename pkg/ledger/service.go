// Package ledger defines the identity-and-ledger service the trust core
// consumes: asymmetric signing under a DID, signature verification, and
// content-addressed anchor registration with append-only updates.
//
// The service is an external collaborator. The core never assumes anything
// about the chain's consensus or storage format beyond this contract.
package ledger

import (
	"context"
	"fmt"
)

// ExecResult is the outcome of an anchor update.
type ExecResult struct {
	Status  bool   `json:"status"`
	Message string `json:"message,omitempty"`
}

// AnchorState is one historical state of an anchor, newest last.
type AnchorState map[string]any

// Service is the ledger identity contract consumed by the trust core.
type Service interface {
	// DID returns the stable identifier of the local party.
	DID() string

	// Sign signs data with the local party's private key material.
	Sign(ctx context.Context, data []byte) ([]byte, error)

	// Verify checks sig over data against the public key registered for did.
	// A failed check returns (false, nil); an unreachable or failing service
	// returns a *ServiceError.
	Verify(ctx context.Context, did string, data, sig []byte) (bool, error)

	// RegisterAnchor deploys a new anchor under anchorID and returns its
	// address. Mutates external ledger state.
	RegisterAnchor(ctx context.Context, anchorID string, value float64, payload string) (string, error)

	// AppendAnchor appends payload as a new state under an existing anchor.
	AppendAnchor(ctx context.Context, address string, payload string) (ExecResult, error)

	// AnchorHistory lists the states recorded under an anchor, oldest first,
	// or only the latest state when latestOnly is set.
	AnchorHistory(ctx context.Context, address string, latestOnly bool) ([]AnchorState, error)
}

// ServiceError marks a transport or service failure, as opposed to a
// negative verification outcome. Callers must treat it as "could not
// determine", never as "invalid".
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }
