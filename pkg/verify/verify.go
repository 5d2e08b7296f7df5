// Package verify reconstructs signed payloads from inbound raw text and
// checks their provenance. Verification defects are returned as data, never
// as errors: callers decide whether to warn, reject, or proceed.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rubixchain/agentdna/pkg/envelope"
	"github.com/rubixchain/agentdna/pkg/identity"
)

var tracer = otel.Tracer("agentdna/verify")

// Mode selects verification strictness. Light checks only the host block:
// that is all a remote needs to trust an inbound request. Heavy additionally
// checks every embedded agent block and is what the host runs before
// committing anything to the audit ledger.
type Mode int

const (
	Light Mode = iota
	Heavy
)

func (m Mode) String() string {
	if m == Heavy {
		return "heavy"
	}
	return "light"
}

// ParseMode maps a configuration string onto a Mode, defaulting to Light.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "light":
		return Light, nil
	case "heavy":
		return Heavy, nil
	default:
		return Light, fmt.Errorf("verify: mode must be \"light\" or \"heavy\", got %q", s)
	}
}

// AgentCheck is the outcome of verifying one embedded agent block.
type AgentCheck struct {
	Agent    string            `json:"agent"`
	OK       bool              `json:"ok"`
	Envelope envelope.Envelope `json:"envelope"`
	Reason   string            `json:"reason,omitempty"`
}

// Result is the immutable outcome of one VerifyPayload call.
type Result struct {
	// OriginalMessage is the message carried by the host envelope, or the
	// raw inbound text when no protocol payload was found.
	OriginalMessage string                `json:"original_message"`
	HostBlock       *envelope.SignedBlock `json:"host_block"`
	// HostOK is nil when no host signature check could be performed,
	// distinguishing "couldn't check" from "checked and failed".
	HostOK      *bool        `json:"host_ok"`
	TrustIssues []string     `json:"trust_issues"`
	AgentChecks []AgentCheck `json:"agent_checks"`
	// Verified is the conjunction of all checks performed; dimensions not
	// checked in the selected mode do not count against it.
	Verified bool `json:"verified"`
}

// Verifier checks inbound payloads. It holds no per-call state: independent
// payloads may be verified concurrently.
type Verifier struct {
	signer *identity.Signer
}

// NewVerifier builds a verifier on top of the signing facade.
func NewVerifier(signer *identity.Signer) *Verifier {
	return &Verifier{signer: signer}
}

// VerifyPayload parses rawText and verifies the signatures it carries.
//
// Raw text that is empty or not a JSON object is plain conversation text:
// the result has Verified=false and no trust issues, so non-protocol
// messages never trigger false tamper alarms.
//
// A *ledger.ServiceError aborts the call with no partial result; the caller
// could not determine validity.
func (v *Verifier) VerifyPayload(ctx context.Context, rawText string, mode Mode) (*Result, error) {
	ctx, span := tracer.Start(ctx, "verify.payload")
	defer span.End()
	span.SetAttributes(attribute.String("verify.mode", mode.String()))

	result := &Result{
		OriginalMessage: rawText,
		TrustIssues:     []string{},
		AgentChecks:     []AgentCheck{},
	}

	if rawText == "" {
		return result, nil
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(rawText), &payload); err != nil {
		// Plain text: nothing to verify.
		return result, nil
	}

	hostBlock := locateHostBlock(payload)
	result.HostBlock = hostBlock
	if hostBlock != nil {
		if orig, ok := hostBlock.Envelope.String(envelope.FieldOriginalMessage); ok {
			result.OriginalMessage = orig
		}
	}

	overallOK := true

	// Host verification, always performed.
	switch {
	case hostBlock == nil:
		overallOK = false
		result.TrustIssues = append(result.TrustIssues, "No host block found in payload")
	case hostBlock.Agent == "" || hostBlock.Signature == "":
		overallOK = false
		result.TrustIssues = append(result.TrustIssues, "Host block missing agent/envelope/signature")
	default:
		env := hostBlock.Envelope
		if env == nil {
			env = envelope.Envelope{}
		}
		ok, err := v.signer.VerifyEnvelope(ctx, hostBlock.Agent, env, hostBlock.Signature)
		if err != nil {
			return nil, err
		}
		result.HostOK = &ok
		if !ok {
			overallOK = false
			result.TrustIssues = append(result.TrustIssues,
				fmt.Sprintf("Invalid host signature for DID %s", hostBlock.Agent))
		}
	}

	// Agent verification, heavy mode only. payload["agent"] and the
	// "responses" list form one unordered set of blocks to check.
	if mode == Heavy {
		for _, raw := range collectAgentBlocks(payload) {
			ok, err := v.checkAgentBlock(ctx, raw, result)
			if err != nil {
				return nil, err
			}
			if !ok {
				overallOK = false
			}
		}
	}

	result.Verified = overallOK
	span.SetAttributes(
		attribute.Bool("verify.verified", result.Verified),
		attribute.Int("verify.trust_issues", len(result.TrustIssues)),
	)
	return result, nil
}

func (v *Verifier) checkAgentBlock(ctx context.Context, raw map[string]any, result *Result) (bool, error) {
	block := envelope.BlockFromMap(raw)

	if !block.Complete() {
		agent := block.Agent
		if agent == "" {
			agent = "<unknown>"
		}
		env := block.Envelope
		if env == nil {
			env = envelope.Envelope{}
		}
		result.AgentChecks = append(result.AgentChecks, AgentCheck{
			Agent:    agent,
			OK:       false,
			Envelope: env,
			Reason:   "Agent block missing agent/envelope/signature",
		})
		result.TrustIssues = append(result.TrustIssues, "Agent block missing agent/envelope/signature")
		return false, nil
	}

	ok, err := v.signer.VerifyEnvelope(ctx, block.Agent, block.Envelope, block.Signature)
	if err != nil {
		return false, err
	}
	check := AgentCheck{Agent: block.Agent, OK: ok, Envelope: block.Envelope}
	if !ok {
		check.Reason = "Agent signature invalid"
		result.TrustIssues = append(result.TrustIssues,
			fmt.Sprintf("Invalid signature from agent %s", block.Agent))
	}
	result.AgentChecks = append(result.AgentChecks, check)
	return ok, nil
}

// locateHostBlock finds the host block either under payload["host"] or, when
// the payload itself has the signed-block shape, as the payload.
func locateHostBlock(payload map[string]any) *envelope.SignedBlock {
	if h, ok := payload["host"].(map[string]any); ok {
		return envelope.BlockFromMap(h)
	}
	if envelope.LooksLikeBlock(payload) {
		return envelope.BlockFromMap(payload)
	}
	return nil
}

func collectAgentBlocks(payload map[string]any) []map[string]any {
	var blocks []map[string]any
	if a, ok := payload["agent"].(map[string]any); ok {
		blocks = append(blocks, a)
	}
	if responses, ok := payload["responses"].([]any); ok {
		for _, r := range responses {
			if m, ok := r.(map[string]any); ok {
				blocks = append(blocks, m)
			}
		}
	}
	return blocks
}
