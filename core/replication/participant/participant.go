// Package participant runs the participant side of the commit protocol: it
// prepares a transaction on the local storage engine, reports the vote and
// applies whatever the coordinator decides.
package participant

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/sushant-115/gojotxn/core/replication/wire"
	storageengine "github.com/sushant-115/gojotxn/core/storage_engine"
	"github.com/sushant-115/gojotxn/core/transaction"
	"go.uber.org/zap"
)

// Preparer runs one prepare attempt. *storageengine.Engine satisfies it.
type Preparer interface {
	Attempt(ctx context.Context, script string) *storageengine.Attempt
}

// Config tunes connection handling.
type Config struct {
	// DecisionTimeout bounds the wait for a decision after voting. Zero
	// waits until the connection dies.
	DecisionTimeout time.Duration
}

// Handler serves prepare requests against one engine.
type Handler struct {
	engine Preparer
	cfg    Config
	logger *zap.Logger
}

// NewHandler creates a handler bound to engine.
func NewHandler(engine Preparer, cfg Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		engine: engine,
		cfg:    cfg,
		logger: logger.Named("participant"),
	}
}

// Session is one prepared (or rejected) transaction awaiting its decision.
type Session struct {
	attempt *storageengine.Attempt
	logger  *zap.Logger
}

// OnTransaction prepares script locally. The returned session holds its locks
// until OnDecision or Release.
func (h *Handler) OnTransaction(ctx context.Context, script string) *Session {
	a := h.engine.Attempt(ctx, script)
	s := &Session{
		attempt: a,
		logger:  h.logger.With(zap.Uint64("attempt", a.ID())),
	}
	s.logger.Debug("Prepared", zap.Stringer("vote", a.Vote()), zap.Error(a.Err()))
	return s
}

// Vote is the session's prepare verdict.
func (s *Session) Vote() transaction.Vote { return s.attempt.Vote() }

// Err explains an ABORT vote.
func (s *Session) Err() error { return s.attempt.Err() }

// OnDecision applies the coordinator's decision.
func (s *Session) OnDecision(ctx context.Context, d transaction.Decision) (storageengine.Result, error) {
	res, err := s.attempt.Decide(ctx, d)
	if err != nil && !errors.Is(err, storageengine.ErrSnapshotWrite) {
		return res, err
	}
	s.logger.Info("Decision applied", zap.Stringer("decision", d), zap.Bool("committed", res.Committed))
	return res, err
}

// Release discards the session if it is still undecided.
func (s *Session) Release() { s.attempt.Release() }

// ServeConn handles one coordinator connection: script, vote, decision, ack.
// Any failure before a decision arrives releases the locks, which is the same
// as an ABORT decision. conn is closed on return.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := h.logger.With(zap.String("peer", conn.RemoteAddr().String()))

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	reader := wire.NewReader(conn)
	script, err := reader.ReadMessage()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			logger.Warn("Failed to read transaction", zap.Error(err))
		}
		return
	}

	session := h.OnTransaction(ctx, script)
	defer session.Release()

	if err := wire.WriteVote(conn, session.Vote()); err != nil {
		logger.Warn("Failed to send vote, releasing locks", zap.Error(err))
		return
	}

	if h.cfg.DecisionTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(h.cfg.DecisionTimeout))
	}
	d, err := reader.ReadDecision()
	if err != nil {
		logger.Warn("No decision received, presuming abort", zap.Error(err))
		return
	}
	conn.SetReadDeadline(time.Time{})

	if _, err := session.OnDecision(ctx, d); err != nil {
		logger.Warn("Decision applied with errors", zap.Stringer("decision", d), zap.Error(err))
	}
	if err := wire.WriteAck(conn); err != nil {
		logger.Debug("Failed to acknowledge decision", zap.Error(err))
	}
}
