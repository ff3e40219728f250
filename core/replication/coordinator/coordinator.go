// Package coordinator drives two-phase commit for client transactions. Each
// round prepares the script on the local engine and on every peer under one
// shared deadline, decides, broadcasts the decision and, on ABORT, starts a
// new round with the same script.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sushant-115/gojotxn/core/replication/participant"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/internal/peers"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrRoundsExhausted = errors.New("transaction aborted in every allowed round")
	ErrInvalidConfig   = errors.New("invalid coordinator configuration")
)

// LocalParticipant prepares a transaction on this node's own engine.
// *participant.Handler satisfies it.
type LocalParticipant interface {
	OnTransaction(ctx context.Context, script string) *participant.Session
}

// Config controls round timing.
type Config struct {
	// VoteTimeoutMin and VoteTimeoutMax bound the per-round vote deadline,
	// drawn once per round.
	VoteTimeoutMin time.Duration
	VoteTimeoutMax time.Duration
	// RetryDelayMin and RetryDelayMax bound the pause before the next round.
	RetryDelayMin time.Duration
	RetryDelayMax time.Duration
	// AckTimeout bounds decision delivery to each peer.
	AckTimeout time.Duration
	// MaxRounds stops retrying after this many aborted rounds. Zero retries
	// until the transaction commits or the context ends.
	MaxRounds int
}

// DefaultConfig draws the vote deadline from 50..150 seconds.
func DefaultConfig() Config {
	return Config{
		VoteTimeoutMin: 50 * time.Second,
		VoteTimeoutMax: 150 * time.Second,
		RetryDelayMin:  100 * time.Millisecond,
		RetryDelayMax:  time.Second,
		AckTimeout:     5 * time.Second,
	}
}

func (c Config) validate() error {
	if c.VoteTimeoutMin <= 0 || c.VoteTimeoutMax < c.VoteTimeoutMin {
		return fmt.Errorf("%w: vote timeout range [%s, %s]", ErrInvalidConfig, c.VoteTimeoutMin, c.VoteTimeoutMax)
	}
	if c.RetryDelayMin < 0 || c.RetryDelayMax < c.RetryDelayMin {
		return fmt.Errorf("%w: retry delay range [%s, %s]", ErrInvalidConfig, c.RetryDelayMin, c.RetryDelayMax)
	}
	if c.MaxRounds < 0 || c.AckTimeout < 0 {
		return fmt.Errorf("%w: negative max rounds or ack timeout", ErrInvalidConfig)
	}
	return nil
}

// Outcome describes a committed transaction.
type Outcome struct {
	TxnID  string
	Rounds int
	// Output is the PRINT output produced by this node's commit.
	Output []string
}

// Coordinator runs transactions against the local participant and a fixed
// set of peers. It is safe for concurrent use; every Run is independent.
type Coordinator struct {
	local   LocalParticipant
	peers   []peers.Peer
	dialer  participant.Dialer
	cfg     Config
	logger  *zap.Logger
	metrics *internaltelemetry.TxnMetrics
	tracer  trace.Tracer
}

// New creates a coordinator. Nil logger, metrics or tracer fall back to no-op
// implementations.
func New(
	cfg Config,
	local LocalParticipant,
	registry peers.Registry,
	dialer participant.Dialer,
	logger *zap.Logger,
	metrics *internaltelemetry.TxnMetrics,
	tracer trace.Tracer,
) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NopTxnMetrics()
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	return &Coordinator{
		local:   local,
		peers:   registry.Peers(),
		dialer:  dialer,
		cfg:     cfg,
		logger:  logger.Named("coordinator"),
		metrics: metrics,
		tracer:  tracer,
	}, nil
}

// Run coordinates script until a round commits. It returns ctx.Err() if ctx
// ends first, and ErrRoundsExhausted when MaxRounds is set and reached.
func (c *Coordinator) Run(ctx context.Context, txnID, script string) (Outcome, error) {
	c.metrics.ActiveTxnsUpDownCounter.Add(ctx, 1)
	defer c.metrics.ActiveTxnsUpDownCounter.Add(context.WithoutCancel(ctx), -1)

	logger := c.logger.With(zap.String("txn_id", txnID))
	logger.Info("Coordinating transaction", zap.Int("peers", len(c.peers)))

	for round := 1; ; round++ {
		if c.cfg.MaxRounds > 0 && round > c.cfg.MaxRounds {
			logger.Warn("Giving up on transaction", zap.Int("rounds", c.cfg.MaxRounds))
			return Outcome{}, fmt.Errorf("%w: %d rounds", ErrRoundsExhausted, c.cfg.MaxRounds)
		}

		output, committed, err := c.runRound(ctx, logger.With(zap.Int("round", round)), txnID, round, script)
		if err != nil {
			return Outcome{}, err
		}
		if committed {
			c.metrics.CommitsCounter.Add(ctx, 1)
			logger.Info("Transaction committed", zap.Int("rounds", round))
			return Outcome{TxnID: txnID, Rounds: round, Output: output}, nil
		}

		delay := randDuration(c.cfg.RetryDelayMin, c.cfg.RetryDelayMax)
		logger.Info("Round aborted, retrying", zap.Int("round", round), zap.Duration("delay", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Outcome{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// vote is one participant's answer for a round. peer is -1 for the local
// participant.
type vote struct {
	peer int
	vote transaction.Vote
	err  error
}

// roundState is everything a round opened and must close.
type roundState struct {
	local  *participant.Session
	remote []*participant.RemoteSession
}

func (c *Coordinator) runRound(ctx context.Context, logger *zap.Logger, txnID string, round int, script string) ([]string, bool, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.round", trace.WithAttributes(
		attribute.String("txn.id", txnID),
		attribute.Int("round", round),
	))
	defer span.End()
	c.metrics.RoundsCounter.Add(ctx, 1)

	timeout := randDuration(c.cfg.VoteTimeoutMin, c.cfg.VoteTimeoutMax)
	voteCtx, cancelVotes := context.WithTimeout(ctx, timeout)
	defer cancelVotes()
	logger.Debug("Round started", zap.Duration("vote_timeout", timeout))
	start := time.Now()

	state := &roundState{remote: make([]*participant.RemoteSession, len(c.peers))}
	votes := make(chan vote, len(c.peers)+1)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s := c.local.OnTransaction(voteCtx, script)
		state.local = s
		votes <- vote{peer: -1, vote: s.Vote()}
	}()
	for i, p := range c.peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rs, err := participant.Dial(voteCtx, c.dialer, p.Addr(), script)
			if err != nil {
				votes <- vote{peer: i, err: err}
				return
			}
			rs.AckTimeout = c.cfg.AckTimeout
			state.remote[i] = rs
			v, err := rs.Vote(voteCtx)
			votes <- vote{peer: i, vote: v, err: err}
		}()
	}

	decision := transaction.DecisionCommit
	reason := ""
	for received := 0; received < len(c.peers)+1; received++ {
		v := <-votes
		if decision == transaction.DecisionAbort {
			continue
		}
		switch {
		case (v.err != nil || v.vote == transaction.VoteAbort) && voteCtx.Err() != nil:
			reason = internaltelemetry.AbortReasonTimeout
		case v.err != nil:
			reason = internaltelemetry.AbortReasonPeerError
			logger.Warn("Participant failed", zap.String("peer", c.peers[v.peer].Addr()), zap.Error(v.err))
		case v.vote == transaction.VoteAbort && v.peer < 0:
			reason = internaltelemetry.AbortReasonLocalVote
		case v.vote == transaction.VoteAbort:
			reason = internaltelemetry.AbortReasonPeerVote
			logger.Info("Peer voted abort", zap.String("peer", c.peers[v.peer].Addr()))
		default:
			continue
		}
		decision = transaction.DecisionAbort
		cancelVotes()
	}
	if decision == transaction.DecisionCommit && voteCtx.Err() != nil {
		decision = transaction.DecisionAbort
		reason = internaltelemetry.AbortReasonTimeout
	}
	wg.Wait()
	c.metrics.VoteLatencyHistogram.Record(ctx, time.Since(start).Milliseconds())

	if err := ctx.Err(); err != nil {
		decision = transaction.DecisionAbort
		reason = ""
	}
	span.SetAttributes(attribute.String("decision", decision.String()))
	if reason != "" {
		span.SetAttributes(attribute.String("abort.reason", reason))
		c.metrics.RecordAbort(ctx, reason)
	}
	logger.Info("Round decided", zap.Stringer("decision", decision), zap.String("reason", reason))

	output := c.broadcast(ctx, logger, state, decision)

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return nil, false, err
	}
	return output, decision == transaction.DecisionCommit, nil
}

// broadcast delivers decision to every session the round opened and closes
// them. Delivery failures are counted and logged; they never change the
// decision. It returns the local PRINT output.
func (c *Coordinator) broadcast(ctx context.Context, logger *zap.Logger, state *roundState, decision transaction.Decision) []string {
	bctx := context.WithoutCancel(ctx)
	if c.cfg.AckTimeout > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(bctx, c.cfg.AckTimeout)
		defer cancel()
	}

	var g errgroup.Group
	var output []string
	g.Go(func() error {
		res, err := state.local.OnDecision(bctx, decision)
		if err != nil {
			logger.Warn("Local decision applied with errors", zap.Error(err))
		}
		output = res.Output
		return nil
	})
	for i, rs := range state.remote {
		if rs == nil {
			continue
		}
		g.Go(func() error {
			defer rs.Close()
			if err := rs.Decide(bctx, decision); err != nil {
				c.metrics.DeliveryFailuresCounter.Add(bctx, 1)
				logger.Warn("Decision delivery failed",
					zap.String("peer", c.peers[i].Addr()),
					zap.Stringer("decision", decision),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return output
}

func randDuration(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
