// Package envelope defines the signed message unit exchanged between a host
// and its remote agents, and the role-bound builder that produces it.
package envelope

import "encoding/json"

// Envelope is the exact application-data mapping that gets canonicalized and
// signed. Field values must be JSON-serializable.
type Envelope map[string]any

// Well-known envelope fields.
const (
	FieldOriginalMessage = "original_message"
	FieldResponse        = "response"
	FieldTaskID          = "task_id"
	FieldContextID       = "context_id"
	FieldMessageID       = "message_id"
	FieldTimestamp       = "timestamp"
)

// SignedBlock is the unit of provenance: signer DID, the envelope it signed,
// and the hex-encoded signature over the envelope's canonical form.
// Immutable once created.
type SignedBlock struct {
	Agent     string   `json:"agent"`
	Envelope  Envelope `json:"envelope"`
	Signature string   `json:"signature"`
}

// Complete reports whether the block carries all three provenance fields.
func (b *SignedBlock) Complete() bool {
	return b != nil && b.Agent != "" && b.Envelope != nil && b.Signature != ""
}

// CombinedPayload carries up to two signed blocks of different roles in one
// wire payload, plus an optional batch of agent responses.
type CombinedPayload struct {
	Host      *SignedBlock   `json:"host,omitempty"`
	Agent     *SignedBlock   `json:"agent,omitempty"`
	Responses []*SignedBlock `json:"responses,omitempty"`
}

// BlockFromMap reconstructs a SignedBlock from a decoded JSON object.
// Missing or mistyped fields are left zero; callers decide whether an
// incomplete block is a trust issue.
func BlockFromMap(m map[string]any) *SignedBlock {
	if m == nil {
		return nil
	}
	b := &SignedBlock{}
	if agent, ok := m["agent"].(string); ok {
		b.Agent = agent
	}
	if env, ok := m["envelope"].(map[string]any); ok {
		b.Envelope = Envelope(env)
	}
	if sig, ok := m["signature"].(string); ok {
		b.Signature = sig
	}
	return b
}

// LooksLikeBlock reports whether a decoded JSON object has the signed-block
// shape (all three keys present).
func LooksLikeBlock(m map[string]any) bool {
	if m == nil {
		return false
	}
	_, hasAgent := m["agent"]
	_, hasEnv := m["envelope"]
	_, hasSig := m["signature"]
	return hasAgent && hasEnv && hasSig
}

// String returns the named envelope field when it is a string.
func (e Envelope) String(field string) (string, bool) {
	v, ok := e[field].(string)
	return v, ok
}

// Clone returns a shallow-value deep copy of the envelope via JSON round
// trip, so stored copies cannot alias caller-held maps.
func (e Envelope) Clone() (Envelope, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var out Envelope
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
