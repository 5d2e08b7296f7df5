package envelope

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rubixchain/agentdna/pkg/canonical"
)

// Role selects which envelope kinds a builder may produce. It is a closed
// set: a host only ever builds requests, a remote only ever builds responses.
type Role int

const (
	RoleHost Role = iota
	RoleRemote
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleRemote:
		return "remote"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ParseRole maps a configuration string onto a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "host":
		return RoleHost, nil
	case "remote":
		return RoleRemote, nil
	default:
		return 0, fmt.Errorf("envelope: role must be \"host\" or \"remote\", got %q", s)
	}
}

// Signer signs envelopes under a stable DID. Implemented by identity.Signer.
type Signer interface {
	DID() string
	SignEnvelope(ctx context.Context, env Envelope) (*SignedBlock, error)
}

// Builder constructs and signs role-specific envelopes.
type Builder struct {
	signer Signer
	role   Role
	now    func() time.Time
	newID  func() string
}

// NewBuilder returns a builder bound to the given role.
func NewBuilder(signer Signer, role Role) *Builder {
	return &Builder{
		signer: signer,
		role:   role,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// State carries identifiers reusable across turns of one conversation.
// Zero values mean "generate fresh".
type State struct {
	TaskID    string
	ContextID string
}

// HostRequest is the result of building a signed host request.
type HostRequest struct {
	HostBlock *SignedBlock
	// HostJSON is the canonical serialization of {"host": HostBlock}, ready
	// to embed in a transport text part.
	HostJSON  string
	TaskID    string
	ContextID string
	MessageID string
}

// AgentResponse is the result of building a signed agent response.
type AgentResponse struct {
	AgentBlock *SignedBlock
	Envelope   Envelope
	// CombinedJSON is the canonical serialization of
	// {"agent": AgentBlock, "host"?: hostBlock}.
	CombinedJSON string
	HostBlock    *SignedBlock
}

// HostRequest builds and signs a host request envelope. task_id and
// context_id come from state when present; message_id is always fresh so
// every request stays uniquely addressable even when a task spans turns.
func (b *Builder) HostRequest(ctx context.Context, originalMessage string, state State) (*HostRequest, error) {
	if b.role != RoleHost {
		return nil, fmt.Errorf("envelope: %s builder cannot build a host request", b.role)
	}
	if originalMessage == "" {
		return nil, fmt.Errorf("envelope: host request requires original_message")
	}

	taskID := state.TaskID
	if taskID == "" {
		taskID = b.newID()
	}
	contextID := state.ContextID
	if contextID == "" {
		contextID = b.newID()
	}
	messageID := b.newID()

	env := Envelope{
		FieldOriginalMessage: originalMessage,
		FieldTaskID:          taskID,
		FieldContextID:       contextID,
		FieldMessageID:       messageID,
		FieldTimestamp:       b.now().UTC().Format(time.RFC3339),
	}

	block, err := b.signer.SignEnvelope(ctx, env)
	if err != nil {
		return nil, err
	}

	wire, err := canonical.Marshal(map[string]any{"host": block})
	if err != nil {
		return nil, err
	}

	return &HostRequest{
		HostBlock: block,
		HostJSON:  string(wire),
		TaskID:    taskID,
		ContextID: contextID,
		MessageID: messageID,
	}, nil
}

// AgentResponse builds and signs an agent response envelope. The host block,
// when present, passes through unsigned for reply chaining. extra is merged
// into the envelope before signing, letting the responder embed its own
// trust view for the next hop to audit.
func (b *Builder) AgentResponse(ctx context.Context, originalMessage, response string, hostBlock *SignedBlock, extra map[string]any) (*AgentResponse, error) {
	if b.role != RoleRemote {
		return nil, fmt.Errorf("envelope: %s builder cannot build an agent response", b.role)
	}
	if originalMessage == "" {
		return nil, fmt.Errorf("envelope: agent response requires original_message")
	}
	if response == "" {
		return nil, fmt.Errorf("envelope: agent response requires response")
	}

	env := Envelope{
		FieldOriginalMessage: originalMessage,
		FieldResponse:        response,
	}
	for k, v := range extra {
		env[k] = v
	}

	block, err := b.signer.SignEnvelope(ctx, env)
	if err != nil {
		return nil, err
	}

	combined := map[string]any{"agent": block}
	if hostBlock != nil {
		combined["host"] = hostBlock
	}
	wire, err := canonical.Marshal(combined)
	if err != nil {
		return nil, err
	}

	return &AgentResponse{
		AgentBlock:   block,
		Envelope:     env,
		CombinedJSON: string(wire),
		HostBlock:    hostBlock,
	}, nil
}
