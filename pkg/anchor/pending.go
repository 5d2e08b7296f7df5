package anchor

import (
	"context"

	"github.com/rubixchain/agentdna/pkg/ledger"
)

// Pending is the handle to one in-flight audit append. The aggregation path
// dispatches the append off its critical path and hands this back so callers
// can observe the outcome or drain it at shutdown. It resolves exactly once.
type Pending struct {
	done chan struct{}
	res  ledger.ExecResult
	err  error
}

// Dispatch runs append on its own goroutine against rec and returns the
// handle immediately.
func (m *Manager) Dispatch(ctx context.Context, rec *Record) *Pending {
	p := &Pending{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.res, p.err = m.Append(ctx, rec)
	}()
	return p
}

// Wait blocks until the append resolves or ctx is cancelled.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done reports without blocking whether the append has resolved.
func (p *Pending) Done() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Result returns the ledger response; valid only after Wait or Done.
func (p *Pending) Result() ledger.ExecResult { return p.res }

// Err returns the append error, if any; valid only after Wait or Done.
func (p *Pending) Err() error { return p.err }
