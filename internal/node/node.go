// Package node assembles one replica: storage engine, participant handler,
// coordinator and client service, plus the listeners that feed them.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	txnservice "github.com/sushant-115/gojotxn/api/txn_service"
	"github.com/sushant-115/gojotxn/config"
	"github.com/sushant-115/gojotxn/core/replication/coordinator"
	"github.com/sushant-115/gojotxn/core/replication/participant"
	storageengine "github.com/sushant-115/gojotxn/core/storage_engine"
	"github.com/sushant-115/gojotxn/internal/peers"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	"github.com/sushant-115/gojotxn/pkg/connection"
	"github.com/sushant-115/gojotxn/pkg/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name reported by the admin server.
const HealthService = "gojotxn.Transaction"

// Node is one running replica.
type Node struct {
	cfg    config.Config
	logger *zap.Logger

	engine  *storageengine.Engine
	handler *participant.Handler
	coord   *coordinator.Coordinator
	service *txnservice.Service
	peers   peers.Registry

	dialer   *connection.Dialer
	accepted *connection.Tracker
	health   *health.Server
	admin    *grpc.Server

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// New builds a node from cfg. The engine loads its snapshot here; nothing
// listens until Serve.
func New(cfg config.Config, logger *zap.Logger, tel *telemetry.Telemetry) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	logger = logger.Named("node")

	metrics, err := internaltelemetry.NewTxnMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	registry, err := peers.Parse(cfg.Peers, cfg.DefaultPeerPort)
	if err != nil {
		return nil, fmt.Errorf("failed to parse peers: %w", err)
	}

	engine, err := storageengine.Open(cfg.StorageEngine(), logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage engine: %w", err)
	}

	handler := participant.NewHandler(engine, cfg.ParticipantHandler(), logger)
	dialer := connection.NewDialer(cfg.Coordinator.DialTimeout)
	coord, err := coordinator.New(cfg.CoordinatorRounds(), handler, registry, dialer, logger, metrics, tel.Tracer)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}
	service := txnservice.NewService(coord, txnservice.Config{
		AdmissionRate:  cfg.Admission.Rate,
		AdmissionBurst: cfg.Admission.Burst,
		MaxInFlight:    cfg.Admission.MaxInFlight,
	}, logger)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Node{
		cfg:      cfg,
		logger:   logger,
		engine:   engine,
		handler:  handler,
		coord:    coord,
		service:  service,
		peers:    registry,
		dialer:   dialer,
		accepted: connection.NewTracker(),
		health:   hs,
	}, nil
}

// Engine exposes the local storage engine.
func (n *Node) Engine() *storageengine.Engine { return n.engine }

// Serve accepts client connections on clientLn and peer connections on
// peerLn until ctx ends or a listener fails. Both listeners are closed on
// return.
func (n *Node) Serve(ctx context.Context, clientLn, peerLn net.Listener) error {
	n.track(clientLn, peerLn)
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		clientLn.Close()
		peerLn.Close()
	})
	defer stop()

	n.logger.Info("Node serving",
		zap.String("client_addr", clientLn.Addr().String()),
		zap.String("peer_addr", peerLn.Addr().String()),
		zap.Int("peers", n.peers.Len()),
	)
	n.setServing(healthpb.HealthCheckResponse_SERVING)

	g.Go(func() error { return n.acceptLoop(gctx, clientLn, "client", n.service.ServeConn) })
	g.Go(func() error { return n.acceptLoop(gctx, peerLn, "peer", n.handler.ServeConn) })
	err := g.Wait()
	n.setServing(healthpb.HealthCheckResponse_NOT_SERVING)
	return err
}

// ServeAdmin runs the gRPC health service on ln until Shutdown.
func (n *Node) ServeAdmin(ln net.Listener) error {
	n.mu.Lock()
	if n.admin == nil {
		n.admin = grpc.NewServer()
		healthpb.RegisterHealthServer(n.admin, n.health)
	}
	srv := n.admin
	n.mu.Unlock()

	n.logger.Info("Admin server starting", zap.String("address", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("admin server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting work, closes every connection the node owns and
// waits for connection handlers to return or ctx to end. Undecided attempts
// release their locks as their connections close.
func (n *Node) Shutdown(ctx context.Context) error {
	n.logger.Info("Shutting down node")
	n.health.Shutdown()

	n.mu.Lock()
	for _, ln := range n.listeners {
		ln.Close()
	}
	admin := n.admin
	n.mu.Unlock()
	if admin != nil {
		admin.Stop()
	}

	for addr, open := range n.openPeerConns() {
		n.logger.Info("Closing open peer connections", zap.String("peer", addr), zap.Int("connections", open))
	}
	n.accepted.Close()
	n.dialer.Close()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		n.logger.Info("Node shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown interrupted with handlers running: %w", ctx.Err())
	}
}

// openPeerConns counts outbound connections per configured peer, leaving out
// peers with none open.
func (n *Node) openPeerConns() map[string]int {
	open := make(map[string]int)
	for _, p := range n.peers.Peers() {
		if c := n.dialer.ActiveFor(p.Addr()); c > 0 {
			open[p.Addr()] = c
		}
	}
	return open
}

func (n *Node) acceptLoop(ctx context.Context, ln net.Listener, kind string, serve func(context.Context, net.Conn)) error {
	logger := n.logger.With(zap.String("listener", kind))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("%s listener failed: %w", kind, err)
		}
		tc, err := n.accepted.Track(conn)
		if err != nil {
			logger.Debug("Dropping connection during shutdown", zap.String("remote", conn.RemoteAddr().String()))
			continue
		}
		logger.Debug("Incoming connection", zap.String("remote", conn.RemoteAddr().String()))
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			serve(ctx, tc)
		}()
	}
}

func (n *Node) track(lns ...net.Listener) {
	n.mu.Lock()
	n.listeners = append(n.listeners, lns...)
	n.mu.Unlock()
}

func (n *Node) setServing(status healthpb.HealthCheckResponse_ServingStatus) {
	n.health.SetServingStatus("", status)
	n.health.SetServingStatus(HealthService, status)
}
