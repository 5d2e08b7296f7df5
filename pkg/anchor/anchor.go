// Package anchor manages the content-addressed ledger anchor that carries a
// host's audit trail. One anchor exists per (identity, alias) pair; it is
// registered at most once and only ever appended to afterwards.
package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mr-tron/base58"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rubixchain/agentdna/pkg/envelope"
	"github.com/rubixchain/agentdna/pkg/ledger"
)

var tracer = otel.Tracer("agentdna/anchor")

// AnchorID derives the stable content-addressed identifier for an
// (identity, alias) pair: the CIDv0 form (base58btc multihash) of
// sha256("<did>.<alias>"). Stable across restarts, so the same host and
// alias always map to the same anchor.
func AnchorID(did, alias string) string {
	digest := sha256.Sum256([]byte(did + "." + alias))
	multihash := append([]byte{0x12, byte(len(digest))}, digest[:]...)
	return base58.Encode(multihash)
}

// Record is one append-only audit entry written to the ledger after a
// verified aggregation. Never overwritten; each append is a new state under
// the same anchor.
type Record struct {
	Comment            string                  `json:"comment"`
	Executor           string                  `json:"executor"`
	DID                string                  `json:"did"`
	VerificationStatus string                  `json:"verification_status"`
	TrustIssues        []string                `json:"trust_issues"`
	Host               *envelope.SignedBlock   `json:"host"`
	Responses          []*envelope.SignedBlock `json:"responses"`
}

// Entry is a registered anchor as persisted in the local registry.
type Entry struct {
	AnchorID string
	Address  string
	DID      string
	Alias    string
}

// Registry persists the identity+alias -> anchor address mapping so a host
// never double-registers the anchor it already owns.
type Registry interface {
	Lookup(ctx context.Context, anchorID string) (*Entry, error)
	Save(ctx context.Context, entry *Entry) error
}

// Options configures a Manager.
type Options struct {
	Alias string
	// Value is the initial value attached at registration.
	Value float64
}

// Manager owns the anchor lifecycle for one (identity, alias) pair:
// resolve from the registry, register on first use, then accept appends.
type Manager struct {
	svc    ledger.Service
	reg    Registry
	alias  string
	value  float64
	logger *slog.Logger

	mu      sync.Mutex
	address string // cached once Ready
}

// NewManager builds a manager. It performs no I/O; resolution happens on the
// first Ensure or Append call.
func NewManager(svc ledger.Service, reg Registry, opts Options) (*Manager, error) {
	if opts.Alias == "" {
		return nil, fmt.Errorf("anchor: alias is required")
	}
	value := opts.Value
	if value == 0 {
		value = 0.001
	}
	return &Manager{
		svc:    svc,
		reg:    reg,
		alias:  opts.Alias,
		value:  value,
		logger: slog.Default().With("component", "anchor", "alias", opts.Alias),
	}, nil
}

// AnchorID returns the deterministic identifier this manager resolves.
func (m *Manager) AnchorID() string {
	return AnchorID(m.svc.DID(), m.alias)
}

// Ensure resolves the anchor address, registering the anchor with the ledger
// on first use. Idempotent: concurrent and repeated calls return the same
// address, and the ledger sees at most one registration. A registration
// failure is fatal: the host cannot audit without a ready anchor.
func (m *Manager) Ensure(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.address != "" {
		return m.address, nil
	}

	anchorID := m.AnchorID()

	entry, err := m.reg.Lookup(ctx, anchorID)
	if err != nil {
		return "", fmt.Errorf("anchor: registry lookup: %w", err)
	}
	if entry != nil {
		m.logger.Info("reusing registered anchor", "anchor_id", anchorID, "address", entry.Address)
		m.address = entry.Address
		return m.address, nil
	}

	payload, err := json.Marshal(map[string]string{"agent_name": m.alias})
	if err != nil {
		return "", err
	}
	address, err := m.svc.RegisterAnchor(ctx, anchorID, m.value, string(payload))
	if err != nil {
		return "", fmt.Errorf("anchor: registration: %w", err)
	}
	if address == "" {
		return "", fmt.Errorf("anchor: ledger returned no address for %s", anchorID)
	}

	if err := m.reg.Save(ctx, &Entry{
		AnchorID: anchorID,
		Address:  address,
		DID:      m.svc.DID(),
		Alias:    m.alias,
	}); err != nil {
		return "", fmt.Errorf("anchor: persist registration: %w", err)
	}

	m.logger.Info("registered new anchor", "anchor_id", anchorID, "address", address)
	m.address = address
	return address, nil
}

// Append writes rec as a new state under the anchor, resolving it first if
// needed. A non-success ledger response surfaces as an error; callers on the
// aggregation path degrade it to a warning.
func (m *Manager) Append(ctx context.Context, rec *Record) (ledger.ExecResult, error) {
	ctx, span := tracer.Start(ctx, "anchor.append")
	defer span.End()

	address, err := m.Ensure(ctx)
	if err != nil {
		return ledger.ExecResult{}, err
	}
	span.SetAttributes(attribute.String("anchor.address", address))

	payload, err := json.Marshal(rec)
	if err != nil {
		return ledger.ExecResult{}, fmt.Errorf("anchor: encode record: %w", err)
	}

	res, err := m.svc.AppendAnchor(ctx, address, string(payload))
	if err != nil {
		return ledger.ExecResult{}, err
	}
	if !res.Status {
		return res, fmt.Errorf("anchor: append rejected: %s", res.Message)
	}
	return res, nil
}

// History reads back the states recorded under the anchor.
func (m *Manager) History(ctx context.Context, latestOnly bool) ([]ledger.AnchorState, error) {
	address, err := m.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	return m.svc.AnchorHistory(ctx, address, latestOnly)
}
