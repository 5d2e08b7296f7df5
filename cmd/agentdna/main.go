// Command agentdna runs a full host/remote exchange against in-process
// ledger identities: signed request, remote-side verification, signed
// response, host-side aggregation, and an audit append. Pass -tamper to
// corrupt the response signature and watch the trust issues surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/rubixchain/agentdna/pkg/agentdna"
	"github.com/rubixchain/agentdna/pkg/aggregate"
	"github.com/rubixchain/agentdna/pkg/config"
	"github.com/rubixchain/agentdna/pkg/envelope"
	"github.com/rubixchain/agentdna/pkg/ledger"
	"github.com/rubixchain/agentdna/pkg/observability"
)

func main() {
	tamper := flag.Bool("tamper", false, "corrupt the remote signature before aggregation")
	task := flag.String("task", "Book a badminton court for Friday evening", "original task message")
	otlp := flag.String("otlp", "", "OTLP gRPC endpoint for trace export, e.g. localhost:4317")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ctx := context.Background()
	tracing, err := observability.Init(ctx, observability.Config{
		ServiceName:  "agentdna-demo",
		OTLPEndpoint: *otlp,
		Insecure:     true,
	})
	if err != nil {
		slog.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = tracing.Shutdown(ctx) }()

	if err := run(ctx, *task, *tamper); err != nil {
		slog.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, task string, tamper bool) error {
	hostLedger, err := ledger.NewLocal()
	if err != nil {
		return err
	}
	remoteLedger, err := ledger.NewLocal()
	if err != nil {
		return err
	}
	hostLedger.RegisterPeer(remoteLedger.DID(), remoteLedger.PublicKey())
	remoteLedger.RegisterPeer(hostLedger.DID(), hostLedger.PublicKey())

	stateDir, err := os.MkdirTemp("", "agentdna-demo-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(stateDir) }()

	host, err := agentdna.New(&config.Config{
		Alias:        "host",
		Role:         "host",
		VerifyMode:   "light",
		AuditEnabled: true,
		StateDir:     stateDir,
	}, hostLedger)
	if err != nil {
		return err
	}
	defer func() { _ = host.Close() }()

	remote, err := agentdna.New(&config.Config{
		Alias:      "karley",
		Role:       "remote",
		VerifyMode: "heavy",
	}, remoteLedger)
	if err != nil {
		return err
	}
	defer func() { _ = remote.Close() }()

	slog.Info("identities ready", "host", host.DID(), "remote", remote.DID())

	req, err := host.BuildRequest(ctx, task, envelope.State{})
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	slog.Info("host request signed", "message_id", req.MessageID, "task_id", req.TaskID)

	inbound, err := remote.HandleRequest(ctx, req.HostJSON)
	if err != nil {
		return fmt.Errorf("verify request: %w", err)
	}
	if inbound.HostOK == nil || !*inbound.HostOK {
		return fmt.Errorf("remote rejected the host request: %v", inbound.TrustIssues)
	}
	slog.Info("remote verified request", "original_message", inbound.OriginalMessage)

	resp, err := remote.BuildResponse(ctx, inbound.OriginalMessage, "Court 4 booked for 19:00", inbound.HostBlock, nil)
	if err != nil {
		return fmt.Errorf("build response: %w", err)
	}

	wire := resp.CombinedJSON
	if tamper {
		wire, err = corruptSignature(wire)
		if err != nil {
			return err
		}
		slog.Warn("response signature corrupted on the wire")
	}

	result, err := host.HandleResponses(ctx, []aggregate.Fragment{{Text: wire}}, task, "karley")
	if err != nil {
		return fmt.Errorf("aggregate responses: %w", err)
	}
	slog.Info("aggregation finished",
		"status", result.Status,
		"verified", len(result.VerifiedEntries),
		"trust_issues", result.TrustIssues,
	)

	if result.Audit != nil {
		if err := result.Audit.Wait(ctx); err != nil {
			slog.Warn("audit append failed", "error", err)
		} else {
			slog.Info("audit record appended", "message", result.Audit.Result().Message)
		}
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// corruptSignature flips the leading nibble of the agent signature so the
// payload still parses but verification fails.
func corruptSignature(wire string) (string, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(wire), &payload); err != nil {
		return "", err
	}
	block, ok := payload["agent"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("no agent block to tamper with")
	}
	sig, ok := block["signature"].(string)
	if !ok || sig == "" {
		return "", fmt.Errorf("no signature to tamper with")
	}
	head := "0"
	if sig[0] == '0' {
		head = "1"
	}
	block["signature"] = head + sig[1:]
	out, err := json.Marshal(payload)
	return string(out), err
}
