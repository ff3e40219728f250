package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sushant-115/gojotxn/config"
	"github.com/sushant-115/gojotxn/internal/node"
	"github.com/sushant-115/gojotxn/pkg/logger"
	"github.com/sushant-115/gojotxn/pkg/telemetry"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath   = flag.String("config", "", "Path to a YAML configuration file")
	nodeID       = flag.String("node_id", "", "Node identifier used in logs")
	clientAddr   = flag.String("client_addr", "", "Listen address for client transactions")
	peerAddr     = flag.String("peer_addr", "", "Listen address for peer prepare requests")
	adminAddr    = flag.String("admin_addr", "", "Listen address for the gRPC health service")
	snapshotPath = flag.String("snapshot", "", "Path of the durable snapshot file")
	metricsAddr  = flag.String("metrics_addr", "", "Serve Prometheus metrics on this address")
	logLevel     = flag.String("log_level", "", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] [peer ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer zlogger.Sync()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}

	zlogger.Info("Starting gojotxn node",
		zap.String("client_addr", cfg.ClientAddr),
		zap.String("peer_addr", cfg.PeerAddr),
		zap.String("admin_addr", cfg.AdminAddr),
		zap.Strings("peers", cfg.Peers),
		zap.String("snapshot", cfg.Storage.SnapshotPath),
		zap.String("metrics_addr", tel.MetricsAddr()),
	)

	n, err := node.New(cfg, zlogger, tel)
	if err != nil {
		zlogger.Fatal("Failed to initialize node", zap.Error(err))
	}

	clientLn, err := net.Listen("tcp", cfg.ClientAddr)
	if err != nil {
		zlogger.Fatal("Failed to listen for clients", zap.Error(err), zap.String("address", cfg.ClientAddr))
	}
	peerLn, err := net.Listen("tcp", cfg.PeerAddr)
	if err != nil {
		zlogger.Fatal("Failed to listen for peers", zap.Error(err), zap.String("address", cfg.PeerAddr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AdminAddr != "" {
		adminLn, err := net.Listen("tcp", cfg.AdminAddr)
		if err != nil {
			zlogger.Fatal("Failed to listen for admin", zap.Error(err), zap.String("address", cfg.AdminAddr))
		}
		go func() {
			if err := n.ServeAdmin(adminLn); err != nil {
				zlogger.Error("Admin server stopped", zap.Error(err))
			}
		}()
	}

	if err := n.Serve(ctx, clientLn, peerLn); err != nil {
		zlogger.Error("Node stopped with error", zap.Error(err))
	}
	zlogger.Info("Received shutdown signal, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := n.Shutdown(shutdownCtx); err != nil {
		zlogger.Warn("Node shutdown incomplete", zap.Error(err))
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		zlogger.Warn("Telemetry shutdown failed", zap.Error(err))
	}
	zlogger.Info("gojotxn node shut down gracefully")
}

// loadConfig reads the config file and applies flag overrides. Positional
// arguments are the peer list and replace any peers from the file.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, err
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.NodeID, *nodeID)
	override(&cfg.ClientAddr, *clientAddr)
	override(&cfg.PeerAddr, *peerAddr)
	override(&cfg.AdminAddr, *adminAddr)
	override(&cfg.Storage.SnapshotPath, *snapshotPath)
	override(&cfg.Logger.Level, *logLevel)
	if *metricsAddr != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.MetricsAddr = *metricsAddr
	}
	if flag.NArg() > 0 {
		cfg.Peers = flag.Args()
	}
	cfg.Logger.NodeID = cfg.NodeID

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
