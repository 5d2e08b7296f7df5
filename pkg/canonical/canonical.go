// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for envelope signing. Builder and verifier must feed the
// signature primitive byte-identical input for the same logical envelope,
// so every signing and verification path goes through this package.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal returns the RFC 8785 canonical JSON form of v: keys sorted by
// UTF-8 code point, no insignificant whitespace, stable number formatting.
// Structurally equal mappings canonicalize identically regardless of
// construction order.
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Hash returns the sha256 hex digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
