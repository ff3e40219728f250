package node

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojotxn/config"
	"github.com/sushant-115/gojotxn/core/replication/wire"
	storageengine "github.com/sushant-115/gojotxn/core/storage_engine"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// --- Test Helpers ---

type cluster struct {
	nodes     []*Node
	clientLns []net.Listener
}

func listenLocal(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func testConfig(t *testing.T, id string, peerAddrs []string) config.Config {
	cfg := config.Default()
	cfg.NodeID = id
	cfg.Peers = peerAddrs
	cfg.Storage.SnapshotPath = filepath.Join(t.TempDir(), "database")
	cfg.Storage.RetryBudgetMin, cfg.Storage.RetryBudgetMax = 2, 4
	cfg.Storage.BackoffMin, cfg.Storage.BackoffMax = time.Millisecond, 5*time.Millisecond
	cfg.Coordinator.VoteTimeoutMin, cfg.Coordinator.VoteTimeoutMax = 2*time.Second, 3*time.Second
	cfg.Coordinator.RetryDelayMin, cfg.Coordinator.RetryDelayMax = time.Millisecond, 20*time.Millisecond
	cfg.Coordinator.AckTimeout = time.Second
	return cfg
}

func startCluster(t *testing.T, size int) *cluster {
	t.Helper()
	peerLns := make([]net.Listener, size)
	for i := range peerLns {
		peerLns[i] = listenLocal(t)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &cluster{}
	for i := 0; i < size; i++ {
		var others []string
		for j, ln := range peerLns {
			if j != i {
				others = append(others, ln.Addr().String())
			}
		}
		n, err := New(testConfig(t, "node", others), zaptest.NewLogger(t), nil)
		require.NoError(t, err)

		clientLn := listenLocal(t)
		go n.Serve(ctx, clientLn, peerLns[i])

		c.nodes = append(c.nodes, n)
		c.clientLns = append(c.clientLns, clientLn)
	}

	t.Cleanup(func() {
		cancel()
		for _, n := range c.nodes {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			require.NoError(t, n.Shutdown(shutdownCtx))
			done()
		}
	})
	return c
}

// transact sends script the way the command-line client does and returns the
// final message.
func transact(addr, script string) (string, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := wire.WriteMessage(conn, script); err != nil {
		return "", err
	}
	r := wire.NewReader(conn)
	msg, err := r.ReadMessage()
	if err != nil {
		return "", err
	}
	if msg != wire.AcceptedMessage {
		return "", fmt.Errorf("unexpected first message %q", msg)
	}
	conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	return r.ReadMessage()
}

func runTransaction(t *testing.T, addr, script string) string {
	t.Helper()
	msg, err := transact(addr, script)
	require.NoError(t, err)
	return msg
}

// --- Test Cases ---

func TestCluster_CommitReplicatesToEveryNode(t *testing.T) {
	c := startCluster(t, 3)

	msg := runTransaction(t, c.clientLns[0].Addr().String(), "ASSIGN A 5\nPRINT A")
	require.Equal(t, "Transaction successful!\nA = 5\n", msg)

	for _, n := range c.nodes {
		require.Eventually(t, func() bool { return n.Engine().Value('A') == 5 }, 2*time.Second, 5*time.Millisecond)
		require.False(t, n.Engine().Locked('A'))
	}

	// Snapshots were rewritten on every node.
	for _, n := range c.nodes {
		loaded, err := storageengine.LoadSnapshot(n.cfg.Storage.SnapshotPath)
		require.NoError(t, err)
		require.Equal(t, int64(5), loaded['A'])
	}
}

func TestCluster_ConcurrentClientsOnDifferentNodes(t *testing.T) {
	c := startCluster(t, 3)

	type result struct {
		msg string
		err error
	}
	results := make(chan result, len(c.nodes))
	for _, ln := range c.clientLns {
		go func(addr string) {
			msg, err := transact(addr, "ADD X X 1")
			results <- result{msg, err}
		}(ln.Addr().String())
	}
	for range c.nodes {
		select {
		case r := <-results:
			require.NoError(t, r.err)
			require.Equal(t, wire.SuccessMessage, r.msg)
		case <-time.After(20 * time.Second):
			t.Fatal("transaction did not complete")
		}
	}

	// X starts unassigned (-1); three increments give 2 on every replica.
	for _, n := range c.nodes {
		require.Eventually(t, func() bool { return n.Engine().Value('X') == 2 }, 2*time.Second, 5*time.Millisecond)
	}
}

func TestNode_HealthService(t *testing.T) {
	cfg := testConfig(t, "solo", nil)
	n, err := New(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	adminLn := listenLocal(t)
	go n.ServeAdmin(adminLn)

	conn, err := grpc.NewClient(adminLn.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
		require.NoError(t, err)
		return resp.GetStatus()
	}
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- n.Serve(ctx, listenLocal(t), listenLocal(t)) }()
	require.Eventually(t, func() bool { return check() == healthpb.HealthCheckResponse_SERVING }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-served)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	require.NoError(t, n.Shutdown(shutdownCtx))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "bad", []string{"a:1", "a:1"})
	_, err := New(cfg, nil, nil)
	require.Error(t, err)

	cfg = testConfig(t, "bad", nil)
	cfg.Storage.RetryBudgetMin = 0
	_, err = New(cfg, nil, nil)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestCluster_SessionCarriesSeveralTransactions(t *testing.T) {
	c := startCluster(t, 2)

	conn, err := net.Dial("tcp", c.clientLns[0].Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	r := wire.NewReader(conn)

	for _, step := range []struct{ script, want string }{
		{"ASSIGN A 5\nPRINT A", "Transaction successful!\nA = 5\n"},
		{"ADD A A 1\nPRINT A", "Transaction successful!\nA = 6\n"},
	} {
		require.NoError(t, wire.WriteMessage(conn, step.script))
		msg, err := r.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, wire.AcceptedMessage, msg)
		msg, err = r.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, step.want, msg)
	}

	for _, n := range c.nodes {
		require.Eventually(t, func() bool { return n.Engine().Value('A') == 6 }, 2*time.Second, 5*time.Millisecond)
	}
}

func TestNode_CountsOpenPeerConnections(t *testing.T) {
	// A peer that accepts and never votes keeps the prepare connection open.
	silent := listenLocal(t)
	held := make(chan net.Conn, 1)
	go func() {
		conn, err := silent.Accept()
		if err == nil {
			held <- conn
		}
	}()
	t.Cleanup(func() {
		silent.Close()
		select {
		case conn := <-held:
			conn.Close()
		default:
		}
	})

	n, err := New(testConfig(t, "solo", []string{silent.Addr().String()}), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	require.Empty(t, n.openPeerConns())

	ctx, cancel := context.WithCancel(context.Background())
	clientLn := listenLocal(t)
	go n.Serve(ctx, clientLn, listenLocal(t))
	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		require.NoError(t, n.Shutdown(shutdownCtx))
		require.Empty(t, n.openPeerConns())
	})

	client, err := net.Dial("tcp", clientLn.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, wire.WriteMessage(client, "ASSIGN A 1"))

	require.Eventually(t, func() bool {
		return n.openPeerConns()[silent.Addr().String()] == 1
	}, 2*time.Second, 5*time.Millisecond)
}
