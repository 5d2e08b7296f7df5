// Package identity wraps the ledger identity service with envelope-level
// signing and verification. Both parties hold one Signer for the lifetime of
// the process; it is the only component that touches signature bytes.
package identity

import (
	"context"
	"encoding/hex"
	"log/slog"

	"github.com/rubixchain/agentdna/pkg/canonical"
	"github.com/rubixchain/agentdna/pkg/envelope"
	"github.com/rubixchain/agentdna/pkg/ledger"
)

// Signer signs and verifies envelopes under the local party's DID.
type Signer struct {
	svc    ledger.Service
	logger *slog.Logger
}

// NewSigner binds a signer to a ledger identity service.
func NewSigner(svc ledger.Service) *Signer {
	return &Signer{
		svc:    svc,
		logger: slog.Default().With("component", "identity"),
	}
}

// DID returns the local party's stable identifier.
func (s *Signer) DID() string { return s.svc.DID() }

// SignEnvelope canonicalizes env, signs the bytes, and returns the signed
// block. The envelope itself is never mutated.
func (s *Signer) SignEnvelope(ctx context.Context, env envelope.Envelope) (*envelope.SignedBlock, error) {
	data, err := canonical.Marshal(env)
	if err != nil {
		return nil, err
	}
	sig, err := s.svc.Sign(ctx, data)
	if err != nil {
		return nil, err
	}
	return &envelope.SignedBlock{
		Agent:     s.svc.DID(),
		Envelope:  env,
		Signature: hex.EncodeToString(sig),
	}, nil
}

// VerifyEnvelope canonicalizes env exactly as SignEnvelope does and asks the
// ledger service to check sigHex against did's public key.
//
// A malformed hex signature is a failed verification, (false, nil). A
// *ledger.ServiceError propagates unchanged: the caller could not determine
// validity and must not record a trust verdict.
func (s *Signer) VerifyEnvelope(ctx context.Context, did string, env envelope.Envelope, sigHex string) (bool, error) {
	data, err := canonical.Marshal(env)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		s.logger.Warn("invalid hex signature string", "did", did)
		return false, nil
	}
	return s.svc.Verify(ctx, did, data, sig)
}
