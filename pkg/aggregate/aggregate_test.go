package aggregate_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubixchain/agentdna/pkg/aggregate"
	"github.com/rubixchain/agentdna/pkg/anchor"
	"github.com/rubixchain/agentdna/pkg/envelope"
	"github.com/rubixchain/agentdna/pkg/identity"
	"github.com/rubixchain/agentdna/pkg/ledger"
	"github.com/rubixchain/agentdna/pkg/policy"
)

type fixture struct {
	hostSigner   *identity.Signer
	remoteSigner *identity.Signer
	hostLedger   *countingLedger
	hostBlock    *envelope.SignedBlock
}

// countingLedger counts anchor traffic to prove at-most-once dispatch.
type countingLedger struct {
	*ledger.Local
	mu      sync.Mutex
	appends int
	fail    bool
}

func (c *countingLedger) AppendAnchor(ctx context.Context, address, payload string) (ledger.ExecResult, error) {
	c.mu.Lock()
	c.appends++
	fail := c.fail
	c.mu.Unlock()
	if fail {
		return ledger.ExecResult{}, &ledger.ServiceError{Op: "execute", Err: errors.New("node down")}
	}
	return c.Local.AppendAnchor(ctx, address, payload)
}

func (c *countingLedger) appendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appends
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hostLocal, err := ledger.NewLocal()
	require.NoError(t, err)
	remoteLocal, err := ledger.NewLocal()
	require.NoError(t, err)
	hostLocal.RegisterPeer(remoteLocal.DID(), remoteLocal.PublicKey())

	hostLedger := &countingLedger{Local: hostLocal}
	hostSigner := identity.NewSigner(hostLedger)
	remoteSigner := identity.NewSigner(remoteLocal)

	b := envelope.NewBuilder(hostSigner, envelope.RoleHost)
	req, err := b.HostRequest(context.Background(), "book a court for friday", envelope.State{})
	require.NoError(t, err)

	return &fixture{
		hostSigner:   hostSigner,
		remoteSigner: remoteSigner,
		hostLedger:   hostLedger,
		hostBlock:    req.HostBlock,
	}
}

func (f *fixture) response(t *testing.T, originalMessage, response string) string {
	t.Helper()
	b := envelope.NewBuilder(f.remoteSigner, envelope.RoleRemote)
	resp, err := b.AgentResponse(context.Background(), originalMessage, response, f.hostBlock, nil)
	require.NoError(t, err)
	return resp.CombinedJSON
}

func (f *fixture) aggregator(t *testing.T, anchors *anchor.Manager) *aggregate.Aggregator {
	t.Helper()
	p, err := policy.New("")
	require.NoError(t, err)
	return aggregate.NewAggregator(f.hostSigner, p, anchors)
}

func (f *fixture) anchorManager(t *testing.T) *anchor.Manager {
	t.Helper()
	reg, err := anchor.OpenSQLiteRegistry(filepath.Join(t.TempDir(), "anchors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	m, err := anchor.NewManager(f.hostLedger, reg, anchor.Options{Alias: "host"})
	require.NoError(t, err)
	return m
}

const task = "book a court for friday"

func TestAggregate_MixedBatch(t *testing.T) {
	f := newFixture(t)
	agg := f.aggregator(t, nil)

	// Fragment 2: valid shape, corrupted signature.
	badSig := f.response(t, task, "done")
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(badSig), &payload))
	agentBlock := payload["agent"].(map[string]any)
	sig := agentBlock["signature"].(string)
	flipped := "0"
	if sig[0] == '0' {
		flipped = "1"
	}
	agentBlock["signature"] = flipped + sig[1:]
	corrupted, err := json.Marshal(payload)
	require.NoError(t, err)

	fragments := []aggregate.Fragment{
		{Text: "{not valid json"},
		{Text: string(corrupted)},
		{Text: f.response(t, task, "court booked")},
	}

	res, err := agg.Aggregate(context.Background(), fragments, task, "karley", false)
	require.NoError(t, err)

	assert.Len(t, res.VerifiedEntries, 1)
	require.Len(t, res.TrustIssues, 1)
	assert.Contains(t, res.TrustIssues[0], "Invalid signature from")
	// One fragment failed verification, so the overall verdict is failed
	// even though a clean entry exists.
	assert.Equal(t, aggregate.StatusFailed, res.Status)
	assert.True(t, res.VerifiedEntries[0].AgentSigValid)
}

func TestAggregate_CleanBatchIsOK(t *testing.T) {
	f := newFixture(t)
	agg := f.aggregator(t, nil)

	fragments := []aggregate.Fragment{
		{Text: "plain text fragment, skipped"},
		{Text: f.response(t, task, "court booked")},
	}

	res, err := agg.Aggregate(context.Background(), fragments, task, "karley", false)
	require.NoError(t, err)
	assert.Equal(t, aggregate.StatusOK, res.Status)
	assert.Len(t, res.VerifiedEntries, 1)
	assert.Empty(t, res.TrustIssues)
}

func TestAggregate_MismatchIsFlaggedNotDropped(t *testing.T) {
	f := newFixture(t)
	agg := f.aggregator(t, nil)

	fragments := []aggregate.Fragment{
		{Text: f.response(t, "a different task entirely", "done")},
	}

	res, err := agg.Aggregate(context.Background(), fragments, task, "karley", false)
	require.NoError(t, err)

	// Signature is valid, so the entry is kept; the divergence is reported
	// for the caller to decide policy.
	assert.Len(t, res.VerifiedEntries, 1)
	assert.Contains(t, res.TrustIssues, "Original message mismatch")
	assert.Equal(t, aggregate.StatusFailed, res.Status)
}

func TestAggregate_RejectPolicyDropsMismatch(t *testing.T) {
	f := newFixture(t)
	p, err := policy.New("!mismatch")
	require.NoError(t, err)
	agg := aggregate.NewAggregator(f.hostSigner, p, nil)

	fragments := []aggregate.Fragment{
		{Text: f.response(t, "a different task entirely", "done")},
	}

	res, err := agg.Aggregate(context.Background(), fragments, task, "karley", false)
	require.NoError(t, err)
	assert.Empty(t, res.VerifiedEntries)
	assert.Contains(t, res.TrustIssues, "Original message mismatch")
	assert.Equal(t, aggregate.StatusFailed, res.Status)
}

func TestAggregate_NoValidResponse(t *testing.T) {
	f := newFixture(t)
	agg := f.aggregator(t, nil)

	fragments := []aggregate.Fragment{
		{Text: "just words"},
		{Text: `{"unrelated": true}`},
	}

	res, err := agg.Aggregate(context.Background(), fragments, task, "karley", false)
	assert.ErrorIs(t, err, aggregate.ErrNoValidResponse)
	require.NotNil(t, res)
	assert.Empty(t, res.VerifiedEntries)
	assert.Empty(t, res.TrustIssues)
	assert.Equal(t, aggregate.StatusFailed, res.Status)
}

func TestAggregate_MissingAgentFields(t *testing.T) {
	f := newFixture(t)
	agg := f.aggregator(t, nil)

	fragments := []aggregate.Fragment{
		{Text: `{"agent":{"agent":"did:rubix:x","envelope":{"response":"y"}}}`},
	}

	res, err := agg.Aggregate(context.Background(), fragments, task, "karley", false)
	require.NoError(t, err)
	assert.Contains(t, res.TrustIssues, "Missing fields in agent block")
	assert.Empty(t, res.VerifiedEntries)
}

func TestAggregate_AuditAppendedOnce(t *testing.T) {
	f := newFixture(t)
	anchors := f.anchorManager(t)
	agg := f.aggregator(t, anchors)

	fragments := []aggregate.Fragment{{Text: f.response(t, task, "done")}}

	res, err := agg.Aggregate(context.Background(), fragments, task, "karley", true)
	require.NoError(t, err)
	require.NotNil(t, res.Audit, "caller gets an explicit handle to the append")
	require.NoError(t, res.Audit.Wait(context.Background()))
	assert.Equal(t, 1, f.hostLedger.appendCount())

	states, err := anchors.History(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, states, 1)

	var rec anchor.Record
	payload, ok := states[0]["payload"].(string)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal([]byte(payload), &rec))
	assert.Equal(t, "ok", rec.VerificationStatus)
	assert.Equal(t, f.hostSigner.DID(), rec.DID)
	assert.Len(t, rec.Responses, 1)
	assert.Contains(t, rec.Responses[0].Envelope, "host_trust_issues")
}

func TestAggregate_AuditDisabledByCaller(t *testing.T) {
	f := newFixture(t)
	anchors := f.anchorManager(t)
	agg := f.aggregator(t, anchors)

	fragments := []aggregate.Fragment{{Text: f.response(t, task, "done")}}
	res, err := agg.Aggregate(context.Background(), fragments, task, "karley", false)
	require.NoError(t, err)
	assert.Nil(t, res.Audit)
	assert.Equal(t, 0, f.hostLedger.appendCount())
}

func TestAggregate_AuditFailureDoesNotFailResult(t *testing.T) {
	f := newFixture(t)
	anchors := f.anchorManager(t)
	// Register the anchor first so only the append fails.
	_, err := anchors.Ensure(context.Background())
	require.NoError(t, err)
	f.hostLedger.mu.Lock()
	f.hostLedger.fail = true
	f.hostLedger.mu.Unlock()

	agg := f.aggregator(t, anchors)
	fragments := []aggregate.Fragment{{Text: f.response(t, task, "done")}}

	res, err := agg.Aggregate(context.Background(), fragments, task, "karley", true)
	require.NoError(t, err, "audit failure must never hide a successful verification")
	assert.Equal(t, aggregate.StatusOK, res.Status)

	require.NotNil(t, res.Audit)
	assert.Error(t, res.Audit.Wait(context.Background()))
}

func TestAggregate_AuditSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t)
	anchors := f.anchorManager(t)
	agg := f.aggregator(t, anchors)

	ctx, cancel := context.WithCancel(context.Background())
	fragments := []aggregate.Fragment{{Text: f.response(t, task, "done")}}

	res, err := agg.Aggregate(ctx, fragments, task, "karley", true)
	require.NoError(t, err)
	cancel()

	require.NotNil(t, res.Audit)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	assert.NoError(t, res.Audit.Wait(waitCtx))
}

func TestAggregate_ServiceErrorAborts(t *testing.T) {
	f := newFixture(t)

	brokenLocal, err := ledger.NewLocal()
	require.NoError(t, err)
	broken := identity.NewSigner(&verifyFailingLedger{Local: brokenLocal})
	p, err := policy.New("")
	require.NoError(t, err)
	agg := aggregate.NewAggregator(broken, p, nil)

	fragments := []aggregate.Fragment{{Text: f.response(t, task, "done")}}
	res, err := agg.Aggregate(context.Background(), fragments, task, "karley", false)
	assert.Nil(t, res)
	var svcErr *ledger.ServiceError
	assert.True(t, errors.As(err, &svcErr))
}

type verifyFailingLedger struct{ *ledger.Local }

func (v *verifyFailingLedger) Verify(context.Context, string, []byte, []byte) (bool, error) {
	return false, &ledger.ServiceError{Op: "verify", Err: errors.New("unreachable")}
}
