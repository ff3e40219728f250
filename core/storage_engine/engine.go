// Package storageengine is the per-node lock manager and executor. It owns
// the committed variable table, the lock table and the durable snapshot, and
// runs one prepare/decide attempt per transaction round.
package storageengine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sushant-115/gojotxn/core/transaction"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	"go.uber.org/zap"
)

// Config controls the engine's persistence and contention handling.
type Config struct {
	// SnapshotPath is the durable snapshot file. Empty keeps the table in memory only.
	SnapshotPath string
	// UnknownOps is the interpreter policy for unrecognised keywords.
	UnknownOps transaction.UnknownOpPolicy
	// RetryBudgetMin and RetryBudgetMax bound the number of conflicting lock
	// passes an attempt tolerates. The budget is drawn once per attempt.
	RetryBudgetMin int
	RetryBudgetMax int
	// BackoffMin and BackoffMax bound the sleep between conflicting passes.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// DefaultConfig uses a retry budget of 5..15 passes and a 3..10 second backoff.
func DefaultConfig() Config {
	return Config{
		SnapshotPath:   "database",
		UnknownOps:     transaction.UnknownOpIgnore,
		RetryBudgetMin: 5,
		RetryBudgetMax: 15,
		BackoffMin:     3 * time.Second,
		BackoffMax:     10 * time.Second,
	}
}

func (c Config) validate() error {
	if c.RetryBudgetMin <= 0 || c.RetryBudgetMax < c.RetryBudgetMin {
		return fmt.Errorf("%w: retry budget range [%d, %d]", ErrInvalidConfig, c.RetryBudgetMin, c.RetryBudgetMax)
	}
	if c.BackoffMin < 0 || c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("%w: backoff range [%s, %s]", ErrInvalidConfig, c.BackoffMin, c.BackoffMax)
	}
	return nil
}

// Engine is one node's local storage engine. All table and lock state is
// guarded by mu; the snapshot is rewritten under the same critical section
// as the in-memory commit.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	metrics *internaltelemetry.TxnMetrics

	mu     sync.Mutex
	values Table
	owners [transaction.NumVariables]uint64 // 0 = unlocked, otherwise the owning attempt id
	nextID uint64
}

// Open creates an engine and loads its snapshot, if one exists.
func Open(cfg Config, logger *zap.Logger, metrics *internaltelemetry.TxnMetrics) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NopTxnMetrics()
	}

	values := EmptyTable()
	if cfg.SnapshotPath != "" {
		loaded, err := LoadSnapshot(cfg.SnapshotPath)
		if err != nil {
			return nil, err
		}
		values = loaded
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger.Named("storage_engine"),
		metrics: metrics,
		values:  values,
	}
	e.logger.Info("Storage engine opened",
		zap.String("snapshot", cfg.SnapshotPath),
		zap.Int("assigned", e.assignedCount()),
	)
	return e, nil
}

// Attempt parses script and tries to lock every variable it touches. It
// returns once the attempt has voted; a PREPARE_OK attempt keeps its locks
// until Decide or Release is called.
func (e *Engine) Attempt(ctx context.Context, script string) *Attempt {
	a := &Attempt{
		engine:  e,
		id:      e.newAttemptID(),
		state:   transaction.AttemptRunning,
		overlay: make(map[byte]int64),
	}
	logger := e.logger.With(zap.Uint64("attempt", a.id))

	ops, err := transaction.Parse(script, e.cfg.UnknownOps)
	if err != nil {
		logger.Warn("Transaction discarded by interpreter", zap.Error(err))
		e.metrics.RecordAbort(ctx, internaltelemetry.AbortReasonParseError)
		a.finishAbort(fmt.Errorf("%w: %w", ErrScriptRejected, err))
		return a
	}
	a.ops = ops

	budget := randIntInclusive(e.cfg.RetryBudgetMin, e.cfg.RetryBudgetMax)
	logger.Debug("Attempt started", zap.Int("operations", len(ops)), zap.Int("retry_budget", budget))

	retries := 0
	for {
		if e.lockAll(a) {
			a.state = transaction.AttemptPrepared
			a.vote = transaction.VotePrepareOK
			logger.Debug("All locks acquired", zap.Int("locks", len(a.held)), zap.Int("retries", retries))
			return a
		}
		retries++
		e.metrics.LockRetriesCounter.Add(ctx, 1)
		if retries >= budget {
			logger.Info("Lock retry budget exhausted, voting abort", zap.Int("retries", retries))
			e.metrics.RecordAbort(ctx, internaltelemetry.AbortReasonContention)
			a.finishAbort(ErrLockContention)
			return a
		}

		backoff := randDuration(e.cfg.BackoffMin, e.cfg.BackoffMax)
		logger.Debug("Lock conflict, backing off", zap.Int("retries", retries), zap.Duration("backoff", backoff))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.finishAbort(fmt.Errorf("%w: %w", ErrAttemptCancelled, ctx.Err()))
			return a
		case <-timer.C:
		}
	}
}

// lockAll runs one lock pass for a. On conflict every lock taken by the pass
// is released before returning false.
func (e *Engine) lockAll(a *Attempt) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, op := range a.ops {
		for _, v := range op.Variables() {
			switch owner := e.owners[v]; owner {
			case a.id:
			case 0:
				e.owners[v] = a.id
				a.held = append(a.held, v)
				a.overlay[v] = e.values[v]
				e.logger.Debug("Acquired lock", zap.Uint64("attempt", a.id), zap.String("var", string(v)))
			default:
				e.releaseLocked(a)
				return false
			}
		}
	}
	return true
}

// commit installs a's overlay, rewrites the snapshot and releases a's locks.
// The returned error only reports a failed snapshot write.
func (e *Engine) commit(ctx context.Context, a *Attempt) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, v := range a.held {
		e.values[v] = a.overlay[v]
		e.logger.Debug("Commit", zap.Uint64("attempt", a.id), zap.String("var", string(v)), zap.Int64("value", e.values[v]))
	}

	var err error
	if e.cfg.SnapshotPath != "" {
		if werr := WriteSnapshot(e.cfg.SnapshotPath, &e.values); werr != nil {
			e.logger.Warn("Failed to write snapshot, transaction committed only to memory",
				zap.Uint64("attempt", a.id), zap.Error(werr))
			e.metrics.SnapshotFailuresCounter.Add(ctx, 1)
			err = fmt.Errorf("%w: %w", ErrSnapshotWrite, werr)
		}
	}
	e.releaseLocked(a)
	return err
}

func (e *Engine) release(a *Attempt) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseLocked(a)
}

// releaseLocked must be called with e.mu held.
func (e *Engine) releaseLocked(a *Attempt) {
	for _, v := range a.held {
		if e.owners[v] == a.id {
			e.owners[v] = 0
			e.logger.Debug("Released lock", zap.Uint64("attempt", a.id), zap.String("var", string(v)))
		}
	}
	a.held = a.held[:0]
}

func (e *Engine) newAttemptID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	return e.nextID
}

// Value returns the committed value of variable id.
func (e *Engine) Value(id byte) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.values[id]
}

// Table returns a copy of the committed table.
func (e *Engine) Table() Table {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.values
}

// Locked reports whether any attempt currently holds the lock on id.
func (e *Engine) Locked(id byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owners[id] != 0
}

func (e *Engine) assignedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, v := range e.values {
		if v != transaction.Unassigned {
			n++
		}
	}
	return n
}

func randIntInclusive(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rand.IntN(hi-lo+1)
}

func randDuration(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
