// Package agentdna is the role-scoped entry point: a host builds signed
// requests and aggregates remote responses, a remote verifies inbound
// requests and builds signed responses. Everything underneath (envelopes,
// canonical signing, anchors) is reachable directly for callers that need
// finer control.
package agentdna

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/rubixchain/agentdna/pkg/aggregate"
	"github.com/rubixchain/agentdna/pkg/anchor"
	"github.com/rubixchain/agentdna/pkg/config"
	"github.com/rubixchain/agentdna/pkg/envelope"
	"github.com/rubixchain/agentdna/pkg/identity"
	"github.com/rubixchain/agentdna/pkg/ledger"
	"github.com/rubixchain/agentdna/pkg/policy"
	"github.com/rubixchain/agentdna/pkg/verify"
)

// DNA binds one ledger identity to one protocol role.
type DNA struct {
	role       envelope.Role
	signer     *identity.Signer
	builder    *envelope.Builder
	verifier   *verify.Verifier
	verifyMode verify.Mode
	aggregator *aggregate.Aggregator // host only
	anchors    *anchor.Manager       // host only, nil when auditing disabled
	registry   *anchor.SQLiteRegistry
	audit      bool
	logger     *slog.Logger
}

// New wires the role surface from cfg on top of svc. Host role gets the
// aggregator and, when auditing is enabled, an anchor manager persisting to
// cfg.StateDir. Remote role gets the verifier only.
func New(cfg *config.Config, svc ledger.Service) (*DNA, error) {
	role, err := envelope.ParseRole(cfg.Role)
	if err != nil {
		return nil, err
	}
	mode, err := verify.ParseMode(cfg.VerifyMode)
	if err != nil {
		return nil, err
	}

	signer := identity.NewSigner(svc)
	d := &DNA{
		role:       role,
		signer:     signer,
		builder:    envelope.NewBuilder(signer, role),
		verifier:   verify.NewVerifier(signer),
		verifyMode: mode,
		audit:      cfg.AuditEnabled,
		logger:     slog.Default().With("component", "agentdna", "role", role.String()),
	}

	if role != envelope.RoleHost {
		return d, nil
	}

	trustPolicy, err := policy.New(cfg.TrustPolicy)
	if err != nil {
		return nil, err
	}

	if cfg.AuditEnabled {
		reg, err := anchor.OpenSQLiteRegistry(filepath.Join(cfg.StateDir, "anchors.db"))
		if err != nil {
			return nil, fmt.Errorf("agentdna: open anchor registry: %w", err)
		}
		d.registry = reg
		d.anchors, err = anchor.NewManager(svc, reg, anchor.Options{
			Alias: cfg.Alias,
			Value: cfg.AnchorValue,
		})
		if err != nil {
			_ = reg.Close()
			return nil, err
		}
	}

	d.aggregator = aggregate.NewAggregator(signer, trustPolicy, d.anchors)
	return d, nil
}

// DID returns the ledger identity this instance signs with.
func (d *DNA) DID() string { return d.signer.DID() }

// Role returns the configured protocol role.
func (d *DNA) Role() envelope.Role { return d.role }

// Close releases the anchor registry, if one was opened.
func (d *DNA) Close() error {
	if d.registry != nil {
		return d.registry.Close()
	}
	return nil
}

// BuildRequest signs originalMessage as a host request. Host role only.
func (d *DNA) BuildRequest(ctx context.Context, originalMessage string, state envelope.State) (*envelope.HostRequest, error) {
	if d.role != envelope.RoleHost {
		return nil, fmt.Errorf("agentdna: BuildRequest requires the host role, configured role is %s", d.role)
	}
	return d.builder.HostRequest(ctx, originalMessage, state)
}

// HandleResponses verifies the remote's response fragments against
// originalTask and, when auditing is enabled, records the outcome on the
// ledger. Host role only.
func (d *DNA) HandleResponses(ctx context.Context, fragments []aggregate.Fragment, originalTask, remoteName string) (*aggregate.Result, error) {
	if d.role != envelope.RoleHost {
		return nil, fmt.Errorf("agentdna: HandleResponses requires the host role, configured role is %s", d.role)
	}
	return d.aggregator.Aggregate(ctx, fragments, originalTask, remoteName, d.audit)
}

// HandleRequest verifies inbound raw text with the configured verify mode.
// Remote role only.
func (d *DNA) HandleRequest(ctx context.Context, rawText string) (*verify.Result, error) {
	if d.role != envelope.RoleRemote {
		return nil, fmt.Errorf("agentdna: HandleRequest requires the remote role, configured role is %s", d.role)
	}
	return d.verifier.VerifyPayload(ctx, rawText, d.verifyMode)
}

// BuildResponse signs a response envelope echoing the verified host block.
// Remote role only.
func (d *DNA) BuildResponse(ctx context.Context, originalMessage, response string, hostBlock *envelope.SignedBlock, extra map[string]any) (*envelope.AgentResponse, error) {
	if d.role != envelope.RoleRemote {
		return nil, fmt.Errorf("agentdna: BuildResponse requires the remote role, configured role is %s", d.role)
	}
	return d.builder.AgentResponse(ctx, originalMessage, response, hostBlock, extra)
}
