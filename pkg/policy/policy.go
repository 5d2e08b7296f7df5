// Package policy evaluates a configurable CEL expression to decide whether a
// signature-valid agent entry is admitted into the aggregation result.
//
// The default expression "true" keeps every valid entry, mirroring the
// permissive flag-only behavior of the protocol: a content mismatch is
// reported as a trust issue, never silently dropped. Operators who want a
// stricter stance set e.g. "!mismatch" to reject diverging responses.
package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// DefaultExpression admits every signature-valid entry.
const DefaultExpression = "true"

// TrustPolicy is a compiled admission rule evaluated once per verified agent
// entry. Safe for concurrent use; programs are compiled once and cached.
type TrustPolicy struct {
	env  *cel.Env
	expr string

	mu  sync.RWMutex
	prg cel.Program
}

// Input is the evaluation context for one candidate entry.
type Input struct {
	// Envelope is the verified agent envelope.
	Envelope map[string]any
	// Mismatch is true when the envelope's original_message diverges from
	// the task the host actually sent.
	Mismatch bool
	// Issues is the trust-issue list accumulated so far in this aggregation.
	Issues []string
}

// New compiles expr into a trust policy. An empty expression selects
// DefaultExpression.
func New(expr string) (*TrustPolicy, error) {
	if expr == "" {
		expr = DefaultExpression
	}
	env, err := cel.NewEnv(
		cel.Variable("envelope", cel.DynType),
		cel.Variable("mismatch", cel.BoolType),
		cel.Variable("issues", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: environment: %w", err)
	}
	p := &TrustPolicy{env: env, expr: expr}
	if _, err := p.program(); err != nil {
		return nil, err
	}
	return p, nil
}

// Expression returns the configured CEL source.
func (p *TrustPolicy) Expression() string { return p.expr }

// Admit evaluates the policy for one entry. A policy that fails to evaluate
// is treated as a denial with the error surfaced, not a crash.
func (p *TrustPolicy) Admit(in Input) (bool, error) {
	prg, err := p.program()
	if err != nil {
		return false, err
	}
	issues := in.Issues
	if issues == nil {
		issues = []string{}
	}
	envMap := in.Envelope
	if envMap == nil {
		envMap = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"envelope": envMap,
		"mismatch": in.Mismatch,
		"issues":   issues,
	})
	if err != nil {
		return false, fmt.Errorf("policy: evaluate %q: %w", p.expr, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: expression %q did not evaluate to bool", p.expr)
	}
	return allowed, nil
}

func (p *TrustPolicy) program() (cel.Program, error) {
	p.mu.RLock()
	prg := p.prg
	p.mu.RUnlock()
	if prg != nil {
		return prg, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prg != nil {
		return p.prg, nil
	}

	ast, issues := p.env.Compile(p.expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile %q: %w", p.expr, issues.Err())
	}
	compiled, err := p.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: program %q: %w", p.expr, err)
	}
	p.prg = compiled
	return compiled, nil
}
