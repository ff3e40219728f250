// Package txnservice is the client-facing transaction endpoint. A client
// keeps one connection open and sends scripts over it one after another. For
// each it receives an acceptance notice at once and a success message with
// the PRINT output once the transaction committed on every node.
package txnservice

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sushant-115/gojotxn/core/replication/coordinator"
	"github.com/sushant-115/gojotxn/core/replication/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Runner coordinates one transaction to completion.
// *coordinator.Coordinator satisfies it.
type Runner interface {
	Run(ctx context.Context, txnID, script string) (coordinator.Outcome, error)
}

// Config throttles admission. Zero values disable the corresponding limit.
type Config struct {
	// AdmissionRate is the sustained number of transactions started per second.
	AdmissionRate float64
	// AdmissionBurst is the limiter's bucket size; it defaults to 1.
	AdmissionBurst int
	// MaxInFlight bounds transactions being coordinated at once.
	MaxInFlight int64
}

// Service serves client connections.
type Service struct {
	runner  Runner
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	logger  *zap.Logger
}

// NewService creates a service that coordinates through runner.
func NewService(runner Runner, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{runner: runner, logger: logger.Named("txn_service")}
	if cfg.AdmissionRate > 0 {
		burst := cfg.AdmissionBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AdmissionRate), burst)
	}
	if cfg.MaxInFlight > 0 {
		s.sem = semaphore.NewWeighted(cfg.MaxInFlight)
	}
	return s
}

// ServeConn runs a client session: each script the client sends is
// acknowledged, coordinated and reported in turn until the client hangs up.
// The connection is closed only on hangup or a fatal error; the client reads
// a close as failure. A transaction still in flight when the client hangs up
// is abandoned.
func (s *Service) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With(zap.String("client", conn.RemoteAddr().String()))

	in := newInbox(ctx)
	defer in.hangup(nil)
	go in.fill(wire.NewReader(conn))

	served := 0
	for {
		script, ok := in.next()
		if !ok {
			if cause := context.Cause(in.ctx); errors.Is(cause, io.EOF) {
				logger.Debug("Client disconnected", zap.Int("transactions", served))
			} else if cause != nil && ctx.Err() == nil {
				logger.Warn("Client session ended", zap.Error(cause))
			}
			return
		}
		if !s.serveTransaction(in.ctx, conn, logger, script) {
			return
		}
		served++
	}
}

// serveTransaction handles one script of a session. It returns false when the
// session cannot continue.
func (s *Service) serveTransaction(ctx context.Context, conn net.Conn, logger *zap.Logger, script string) bool {
	txnID := uuid.NewString()
	logger = logger.With(zap.String("txn_id", txnID))
	if err := wire.WriteMessage(conn, wire.AcceptedMessage); err != nil {
		logger.Warn("Failed to acknowledge transaction", zap.Error(err))
		return false
	}
	logger.Info("Transaction accepted")

	release, err := s.admit(ctx)
	if err != nil {
		logger.Info("Transaction abandoned while waiting for admission", zap.Error(err))
		return false
	}
	defer release()

	outcome, err := s.runner.Run(ctx, txnID, script)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("Client went away, transaction abandoned", zap.Error(err))
		} else {
			logger.Error("Transaction failed", zap.Error(err))
		}
		return false
	}

	if err := wire.WriteMessage(conn, successMessage(outcome.Output)); err != nil {
		logger.Warn("Failed to report commit to client", zap.Error(err))
		return false
	}
	logger.Info("Transaction reported", zap.Int("rounds", outcome.Rounds))
	return true
}

// inbox reads client messages in the background. Scripts that arrive while
// an earlier one is running are queued in order; a read error or EOF cancels
// ctx with the error as its cause.
type inbox struct {
	ctx    context.Context
	hangup context.CancelCauseFunc
	notify chan struct{}

	mu    sync.Mutex
	queue []string
}

func newInbox(parent context.Context) *inbox {
	ctx, hangup := context.WithCancelCause(parent)
	return &inbox{ctx: ctx, hangup: hangup, notify: make(chan struct{}, 1)}
}

func (in *inbox) fill(r *wire.Reader) {
	for {
		msg, err := r.ReadMessage()
		if err != nil {
			in.hangup(err)
			return
		}
		in.mu.Lock()
		in.queue = append(in.queue, msg)
		in.mu.Unlock()
		select {
		case in.notify <- struct{}{}:
		default:
		}
	}
}

// next blocks for the oldest queued script. It returns false once the client
// has hung up or the session context ended.
func (in *inbox) next() (string, bool) {
	for {
		if in.ctx.Err() != nil {
			return "", false
		}
		in.mu.Lock()
		if len(in.queue) > 0 {
			script := in.queue[0]
			in.queue = in.queue[1:]
			in.mu.Unlock()
			return script, true
		}
		in.mu.Unlock()

		select {
		case <-in.notify:
		case <-in.ctx.Done():
			return "", false
		}
	}
}

// admit blocks until the limiter and the in-flight bound let one more
// transaction through.
func (s *Service) admit(ctx context.Context) (func(), error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if s.sem == nil {
		return func() {}, nil
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { s.sem.Release(1) }, nil
}

func successMessage(output []string) string {
	var b strings.Builder
	b.WriteString(wire.SuccessMessage)
	for _, line := range output {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
