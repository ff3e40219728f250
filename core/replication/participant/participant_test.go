package participant

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojotxn/core/replication/wire"
	storageengine "github.com/sushant-115/gojotxn/core/storage_engine"
	"github.com/sushant-115/gojotxn/core/transaction"
	"go.uber.org/zap/zaptest"
)

// --- Test Helpers ---

func newTestEngine(t *testing.T) *storageengine.Engine {
	t.Helper()
	cfg := storageengine.DefaultConfig()
	cfg.SnapshotPath = ""
	cfg.RetryBudgetMin, cfg.RetryBudgetMax = 1, 1
	cfg.BackoffMin, cfg.BackoffMax = time.Millisecond, time.Millisecond
	e, err := storageengine.Open(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	return e
}

// servePipe runs ServeConn on one end of a pipe and returns the other end
// plus a channel closed when ServeConn returns.
func servePipe(t *testing.T, ctx context.Context, h *Handler) (net.Conn, <-chan struct{}) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeConn(ctx, server)
	}()
	return client, done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ServeConn did not return")
	}
}

func listen(t *testing.T, h *Handler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go h.ServeConn(context.Background(), c)
		}
	}()
	return ln.Addr().String()
}

// --- Test Cases ---

func TestServeConn_Commit(t *testing.T) {
	e := newTestEngine(t)
	h := NewHandler(e, Config{}, zaptest.NewLogger(t))
	conn, done := servePipe(t, context.Background(), h)
	r := wire.NewReader(conn)

	require.NoError(t, wire.WriteMessage(conn, "ASSIGN A 5\nPRINT A"))
	v, err := r.ReadVote()
	require.NoError(t, err)
	require.Equal(t, transaction.VotePrepareOK, v)
	require.True(t, e.Locked('A'))

	require.NoError(t, wire.WriteDecision(conn, transaction.DecisionCommit))
	require.NoError(t, r.ReadAck())
	waitDone(t, done)

	require.Equal(t, int64(5), e.Value('A'))
	require.False(t, e.Locked('A'))
}

func TestServeConn_AbortDecision(t *testing.T) {
	e := newTestEngine(t)
	h := NewHandler(e, Config{}, zaptest.NewLogger(t))
	conn, done := servePipe(t, context.Background(), h)
	r := wire.NewReader(conn)

	require.NoError(t, wire.WriteMessage(conn, "ASSIGN A 5"))
	_, err := r.ReadVote()
	require.NoError(t, err)
	require.NoError(t, wire.WriteDecision(conn, transaction.DecisionAbort))
	require.NoError(t, r.ReadAck())
	waitDone(t, done)

	require.Equal(t, transaction.Unassigned, e.Value('A'))
	require.False(t, e.Locked('A'))
}

func TestServeConn_InvalidScriptVotesAbort(t *testing.T) {
	e := newTestEngine(t)
	h := NewHandler(e, Config{}, zaptest.NewLogger(t))
	conn, done := servePipe(t, context.Background(), h)
	r := wire.NewReader(conn)

	require.NoError(t, wire.WriteMessage(conn, "ASSIGN A five"))
	v, err := r.ReadVote()
	require.NoError(t, err)
	require.Equal(t, transaction.VoteAbort, v)

	// A COMMIT for an attempt that voted ABORT changes nothing.
	require.NoError(t, wire.WriteDecision(conn, transaction.DecisionCommit))
	require.NoError(t, r.ReadAck())
	waitDone(t, done)
	require.Equal(t, transaction.Unassigned, e.Value('A'))
}

func TestServeConn_DisconnectReleasesLocks(t *testing.T) {
	e := newTestEngine(t)
	h := NewHandler(e, Config{}, zaptest.NewLogger(t))
	conn, done := servePipe(t, context.Background(), h)
	r := wire.NewReader(conn)

	require.NoError(t, wire.WriteMessage(conn, "ASSIGN B 1"))
	_, err := r.ReadVote()
	require.NoError(t, err)
	require.True(t, e.Locked('B'))

	conn.Close()
	waitDone(t, done)
	require.False(t, e.Locked('B'))
	require.Equal(t, transaction.Unassigned, e.Value('B'))
}

func TestServeConn_MalformedDecisionReleasesLocks(t *testing.T) {
	e := newTestEngine(t)
	h := NewHandler(e, Config{}, zaptest.NewLogger(t))
	conn, done := servePipe(t, context.Background(), h)
	r := wire.NewReader(conn)

	require.NoError(t, wire.WriteMessage(conn, "ASSIGN B 1"))
	_, err := r.ReadVote()
	require.NoError(t, err)
	require.NoError(t, wire.WriteMessage(conn, "maybe"))
	waitDone(t, done)
	require.False(t, e.Locked('B'))
}

func TestServeConn_DecisionTimeout(t *testing.T) {
	e := newTestEngine(t)
	h := NewHandler(e, Config{DecisionTimeout: 20 * time.Millisecond}, zaptest.NewLogger(t))
	conn, done := servePipe(t, context.Background(), h)
	r := wire.NewReader(conn)

	require.NoError(t, wire.WriteMessage(conn, "ASSIGN C 1"))
	_, err := r.ReadVote()
	require.NoError(t, err)
	waitDone(t, done)
	require.False(t, e.Locked('C'))
}

func TestServeConn_ContextCancelClosesConnection(t *testing.T) {
	e := newTestEngine(t)
	h := NewHandler(e, Config{}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	conn, done := servePipe(t, ctx, h)
	r := wire.NewReader(conn)

	require.NoError(t, wire.WriteMessage(conn, "ASSIGN D 1"))
	_, err := r.ReadVote()
	require.NoError(t, err)

	cancel()
	waitDone(t, done)
	require.False(t, e.Locked('D'))
}

func TestSession_InProcess(t *testing.T) {
	e := newTestEngine(t)
	h := NewHandler(e, Config{}, zaptest.NewLogger(t))

	s := h.OnTransaction(context.Background(), "ASSIGN A 2\nADD B A 3\nPRINT B")
	require.Equal(t, transaction.VotePrepareOK, s.Vote())
	require.NoError(t, s.Err())

	res, err := s.OnDecision(context.Background(), transaction.DecisionCommit)
	require.NoError(t, err)
	require.Equal(t, []string{"B = 5"}, res.Output)

	_, err = s.OnDecision(context.Background(), transaction.DecisionCommit)
	require.ErrorIs(t, err, storageengine.ErrAttemptFinished)
}

func TestRemoteSession_CommitWithAck(t *testing.T) {
	e := newTestEngine(t)
	addr := listen(t, NewHandler(e, Config{}, zaptest.NewLogger(t)))

	s, err := Dial(context.Background(), &net.Dialer{}, addr, "ASSIGN Z 26")
	require.NoError(t, err)
	defer s.Close()
	s.AckTimeout = time.Second
	require.Equal(t, addr, s.Addr())

	v, err := s.Vote(context.Background())
	require.NoError(t, err)
	require.Equal(t, transaction.VotePrepareOK, v)

	require.NoError(t, s.Decide(context.Background(), transaction.DecisionCommit))
	require.Equal(t, int64(26), e.Value('Z'))
}

func TestRemoteSession_VoteHonoursContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		// Never answer.
		defer c.Close()
		time.Sleep(time.Second)
	}()

	s, err := Dial(context.Background(), &net.Dialer{}, ln.Addr().String(), "ASSIGN A 1")
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = s.Vote(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestRemoteSession_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), &net.Dialer{}, addr, "ASSIGN A 1")
	require.Error(t, err)
}
