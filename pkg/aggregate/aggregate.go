// Package aggregate is the host-side batch path: it filters a set of raw
// response fragments down to valid signed agent envelopes, cross-checks their
// content against the task that was actually sent, and derives an overall
// verification verdict. On success it anchors an audit record to the ledger
// off the critical path.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rubixchain/agentdna/pkg/anchor"
	"github.com/rubixchain/agentdna/pkg/envelope"
	"github.com/rubixchain/agentdna/pkg/identity"
	"github.com/rubixchain/agentdna/pkg/policy"
)

var tracer = otel.Tracer("agentdna/aggregate")

// ErrNoValidResponse distinguishes "nothing usable arrived" from "something
// arrived and failed verification": it is returned only when zero fragments
// reached a valid agent block and no trust issue was recorded either.
var ErrNoValidResponse = errors.New("aggregate: no valid envelope response")

// Status is the overall verification verdict of one aggregation.
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusUnknown Status = "unknown"
)

// Fragment is one candidate response as received from the transport.
type Fragment struct {
	Text string `json:"text"`
	// Content is an alternate carrier some transports use.
	Content string `json:"content,omitempty"`
}

func (f Fragment) raw() string {
	if f.Text != "" {
		return f.Text
	}
	return f.Content
}

// Entry is one verified agent response kept in the result.
type Entry struct {
	Host          *envelope.SignedBlock `json:"host"`
	Agent         *envelope.SignedBlock `json:"agent"`
	AgentSigValid bool                  `json:"agent_sig_valid"`
}

// Result is the immutable outcome of one Aggregate call.
type Result struct {
	VerifiedEntries []Entry  `json:"verified_entries"`
	TrustIssues     []string `json:"trust_issues"`
	Status          Status   `json:"verification_status"`
	// Audit is the handle to the asynchronous anchor append, nil when
	// auditing was disabled or nothing verified.
	Audit *anchor.Pending `json:"-"`
}

// Aggregator verifies batches of agent responses for the host.
type Aggregator struct {
	signer  *identity.Signer
	policy  *policy.TrustPolicy
	anchors *anchor.Manager // nil when auditing is disabled
	logger  *slog.Logger
}

// NewAggregator builds an aggregator. anchors may be nil, disabling audit
// appends entirely (typical for deployments that only verify).
func NewAggregator(signer *identity.Signer, trustPolicy *policy.TrustPolicy, anchors *anchor.Manager) *Aggregator {
	return &Aggregator{
		signer:  signer,
		policy:  trustPolicy,
		anchors: anchors,
		logger:  slog.Default().With("component", "aggregate"),
	}
}

// Aggregate verifies every fragment against originalTask and derives the
// batch verdict. recordAudit controls the best-effort audit append; its
// failure never rolls back or hides a successful verification.
//
// A *ledger.ServiceError during signature checks aborts the whole call:
// either the complete result is produced or none of it.
func (a *Aggregator) Aggregate(ctx context.Context, fragments []Fragment, originalTask, remoteName string, recordAudit bool) (*Result, error) {
	ctx, span := tracer.Start(ctx, "aggregate.responses")
	defer span.End()
	span.SetAttributes(
		attribute.Int("aggregate.fragments", len(fragments)),
		attribute.String("aggregate.remote", remoteName),
	)

	result := &Result{
		VerifiedEntries: []Entry{},
		TrustIssues:     []string{},
		Status:          StatusUnknown,
	}

	for _, frag := range fragments {
		raw := frag.raw()
		if !envelope.LooksLikeProtocol(raw) {
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			continue
		}
		agentRaw, ok := payload["agent"].(map[string]any)
		if !ok {
			// Not an agent response; other fragments in the batch may
			// still be valid.
			continue
		}

		agentBlock := envelope.BlockFromMap(agentRaw)
		if !agentBlock.Complete() {
			result.TrustIssues = append(result.TrustIssues, "Missing fields in agent block")
			continue
		}

		valid, err := a.signer.VerifyEnvelope(ctx, agentBlock.Agent, agentBlock.Envelope, agentBlock.Signature)
		if err != nil {
			return nil, err
		}
		if !valid {
			result.TrustIssues = append(result.TrustIssues,
				fmt.Sprintf("Invalid signature from %s", agentBlock.Agent))
			continue
		}

		mismatch := false
		if orig, _ := agentBlock.Envelope.String(envelope.FieldOriginalMessage); orig != originalTask {
			mismatch = true
			result.TrustIssues = append(result.TrustIssues, "Original message mismatch")
		}

		admit, err := a.policy.Admit(policy.Input{
			Envelope: agentBlock.Envelope,
			Mismatch: mismatch,
			Issues:   result.TrustIssues,
		})
		if err != nil {
			return nil, err
		}
		if !admit {
			a.logger.Warn("trust policy rejected verified entry",
				"agent", agentBlock.Agent, "mismatch", mismatch)
			continue
		}

		storedEnv, err := agentBlock.Envelope.Clone()
		if err != nil {
			return nil, err
		}

		var hostBlock *envelope.SignedBlock
		if h, ok := payload["host"].(map[string]any); ok {
			hostBlock = envelope.BlockFromMap(h)
		}

		result.VerifiedEntries = append(result.VerifiedEntries, Entry{
			Host: hostBlock,
			Agent: &envelope.SignedBlock{
				Agent:     agentBlock.Agent,
				Envelope:  storedEnv,
				Signature: agentBlock.Signature,
			},
			AgentSigValid: true,
		})
	}

	var noValid error
	if len(result.VerifiedEntries) == 0 && len(result.TrustIssues) == 0 {
		noValid = ErrNoValidResponse
	}

	if len(result.VerifiedEntries) > 0 && len(result.TrustIssues) == 0 {
		result.Status = StatusOK
	} else {
		result.Status = StatusFailed
	}

	if a.anchors != nil && recordAudit && len(result.VerifiedEntries) > 0 {
		rec := a.buildRecord(result, remoteName)
		// The append must not inherit the caller's cancellation: it runs to
		// completion or fails on its own, at most once per aggregation.
		pending := a.anchors.Dispatch(context.WithoutCancel(ctx), rec)
		result.Audit = pending
		go a.reportAudit(pending)
	}

	span.SetAttributes(
		attribute.String("aggregate.status", string(result.Status)),
		attribute.Int("aggregate.verified", len(result.VerifiedEntries)),
		attribute.Int("aggregate.trust_issues", len(result.TrustIssues)),
	)
	return result, noValid
}

// buildRecord assembles the append-only audit record for this aggregation.
// Each stored response embeds the host's trust-issue view so the trail shows
// what the verifier saw, not just what the agents claimed.
func (a *Aggregator) buildRecord(result *Result, remoteName string) *anchor.Record {
	var hostBlock *envelope.SignedBlock
	responses := make([]*envelope.SignedBlock, 0, len(result.VerifiedEntries))

	for _, entry := range result.VerifiedEntries {
		if hostBlock == nil && entry.Host.Complete() {
			hostBlock = entry.Host
		}
		if entry.Agent == nil {
			continue
		}
		env, err := entry.Agent.Envelope.Clone()
		if err != nil {
			env = envelope.Envelope{}
		}
		env["host_trust_issues"] = result.TrustIssues
		responses = append(responses, &envelope.SignedBlock{
			Agent:     entry.Agent.Agent,
			Envelope:  env,
			Signature: entry.Agent.Signature,
		})
	}

	return &anchor.Record{
		Comment:            fmt.Sprintf("Agent exchange with %s", remoteName),
		Executor:           "host_agent",
		DID:                a.signer.DID(),
		VerificationStatus: string(result.Status),
		TrustIssues:        result.TrustIssues,
		Host:               hostBlock,
		Responses:          responses,
	}
}

func (a *Aggregator) reportAudit(p *Pending) {
	if err := p.Wait(context.Background()); err != nil {
		a.logger.Warn("audit append failed", "error", err)
	}
}

// Pending aliases the anchor append handle for callers of this package.
type Pending = anchor.Pending
