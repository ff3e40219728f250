package storageengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/sushant-115/gojotxn/core/transaction"
	"go.uber.org/zap"
)

// Result is what a decided attempt produced.
type Result struct {
	// Committed is true when the COMMIT decision was applied to the table.
	Committed bool
	// Output holds one "<var> = <value>" line per PRINT, in script order.
	Output []string
}

// Attempt is one prepare/decide round of a transaction on this node. The
// overlay and held locks live only until the attempt is decided.
type Attempt struct {
	engine *Engine
	id     uint64
	ops    []transaction.Operation

	// Written only by Engine.Attempt before it returns, then guarded by mu.
	mu      sync.Mutex
	state   transaction.AttemptState
	vote    transaction.Vote
	err     error
	decided bool
	held    []byte
	overlay map[byte]int64
}

// ID is unique per engine.
func (a *Attempt) ID() uint64 { return a.id }

// Vote is PREPARE_OK when every lock was acquired.
func (a *Attempt) Vote() transaction.Vote {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.vote
}

// Err explains an ABORT vote. It is nil for PREPARE_OK.
func (a *Attempt) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// State reports where the attempt is in its lifecycle.
func (a *Attempt) State() transaction.AttemptState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Decide applies the coordinator's decision. COMMIT on a prepared attempt
// evaluates the script against the overlay and installs it; anything else
// discards the overlay. Locks are released on every path. A returned error
// wrapping ErrSnapshotWrite means the commit stands in memory only.
func (a *Attempt) Decide(ctx context.Context, d transaction.Decision) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.decided {
		return Result{}, ErrAttemptFinished
	}
	a.decided = true

	if d != transaction.DecisionCommit || a.state != transaction.AttemptPrepared {
		a.engine.release(a)
		a.state = transaction.AttemptAborted
		a.engine.logger.Debug("Attempt aborted", zap.Uint64("attempt", a.id), zap.Stringer("decision", d))
		return Result{}, nil
	}

	output := a.evaluate()
	err := a.engine.commit(ctx, a)
	a.state = transaction.AttemptCommitted
	a.engine.logger.Debug("Attempt committed", zap.Uint64("attempt", a.id), zap.Strings("output", output))
	return Result{Committed: true, Output: output}, err
}

// Release aborts the attempt if it has not been decided yet. It is safe to
// call on every exit path.
func (a *Attempt) Release() {
	_, _ = a.Decide(context.Background(), transaction.DecisionAbort)
}

// evaluate runs the operations in script order. Operands read the overlay,
// so later operations observe earlier ones.
func (a *Attempt) evaluate() []string {
	var output []string
	for _, op := range a.ops {
		switch op.Kind {
		case transaction.OpAssign:
			a.overlay[op.Dest] = op.Src[0].Literal
		case transaction.OpAdd:
			a.overlay[op.Dest] = a.resolve(op.Src[0]) + a.resolve(op.Src[1])
		case transaction.OpPrint:
			output = append(output, fmt.Sprintf("%c = %d", op.Dest, a.overlay[op.Dest]))
		case transaction.OpSleep:
			// No-op.
		}
	}
	return output
}

func (a *Attempt) resolve(o transaction.Operand) int64 {
	if o.IsVar {
		return a.overlay[o.Var]
	}
	return o.Literal
}

// finishAbort records a local ABORT vote. No locks are held at this point.
func (a *Attempt) finishAbort(err error) {
	a.state = transaction.AttemptAborted
	a.vote = transaction.VoteAbort
	a.err = err
}
