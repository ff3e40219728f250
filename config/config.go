// Package config loads node configuration from YAML and applies defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sushant-115/gojotxn/core/replication/coordinator"
	"github.com/sushant-115/gojotxn/core/replication/participant"
	storageengine "github.com/sushant-115/gojotxn/core/storage_engine"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/pkg/logger"
	"github.com/sushant-115/gojotxn/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full configuration of one node.
type Config struct {
	NodeID string `yaml:"node_id"`
	// ClientAddr accepts client transactions.
	ClientAddr string `yaml:"client_addr"`
	// PeerAddr accepts prepare requests from coordinating peers.
	PeerAddr string `yaml:"peer_addr"`
	// AdminAddr serves the gRPC health service. Empty disables it.
	AdminAddr string `yaml:"admin_addr"`
	// Peers are the other nodes, "host" or "host:port".
	Peers []string `yaml:"peers"`
	// DefaultPeerPort applies to peers listed without a port.
	DefaultPeerPort int `yaml:"default_peer_port"`

	Storage     StorageConfig     `yaml:"storage"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Participant ParticipantConfig `yaml:"participant"`
	Admission   AdmissionConfig   `yaml:"admission"`

	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type StorageConfig struct {
	SnapshotPath string `yaml:"snapshot_path"`
	// UnknownOps is "ignore" or "reject".
	UnknownOps     string        `yaml:"unknown_ops"`
	RetryBudgetMin int           `yaml:"retry_budget_min"`
	RetryBudgetMax int           `yaml:"retry_budget_max"`
	BackoffMin     time.Duration `yaml:"backoff_min"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

type CoordinatorConfig struct {
	VoteTimeoutMin time.Duration `yaml:"vote_timeout_min"`
	VoteTimeoutMax time.Duration `yaml:"vote_timeout_max"`
	RetryDelayMin  time.Duration `yaml:"retry_delay_min"`
	RetryDelayMax  time.Duration `yaml:"retry_delay_max"`
	AckTimeout     time.Duration `yaml:"ack_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	MaxRounds      int           `yaml:"max_rounds"`
}

type ParticipantConfig struct {
	DecisionTimeout time.Duration `yaml:"decision_timeout"`
}

// AdmissionConfig throttles client transactions. Zero values disable each limit.
type AdmissionConfig struct {
	Rate        float64 `yaml:"rate"`
	Burst       int     `yaml:"burst"`
	MaxInFlight int64   `yaml:"max_in_flight"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	storage := storageengine.DefaultConfig()
	coord := coordinator.DefaultConfig()
	return Config{
		NodeID:          "node-1",
		ClientAddr:      ":5555",
		PeerAddr:        ":7777",
		DefaultPeerPort: 7777,
		Storage: StorageConfig{
			SnapshotPath:   storage.SnapshotPath,
			UnknownOps:     "ignore",
			RetryBudgetMin: storage.RetryBudgetMin,
			RetryBudgetMax: storage.RetryBudgetMax,
			BackoffMin:     storage.BackoffMin,
			BackoffMax:     storage.BackoffMax,
		},
		Coordinator: CoordinatorConfig{
			VoteTimeoutMin: coord.VoteTimeoutMin,
			VoteTimeoutMax: coord.VoteTimeoutMax,
			RetryDelayMin:  coord.RetryDelayMin,
			RetryDelayMax:  coord.RetryDelayMax,
			AckTimeout:     coord.AckTimeout,
			DialTimeout:    5 * time.Second,
			MaxRounds:      coord.MaxRounds,
		},
		Logger: logger.Config{
			Level:  "info",
			Format: "json",
		},
		Telemetry: telemetry.Config{
			ServiceName: "gojotxn",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.ClientAddr == "" {
		errs = append(errs, errors.New("client_addr is required"))
	}
	if c.PeerAddr == "" {
		errs = append(errs, errors.New("peer_addr is required"))
	}
	if c.DefaultPeerPort < 0 || c.DefaultPeerPort > 65535 {
		errs = append(errs, fmt.Errorf("default_peer_port %d out of range", c.DefaultPeerPort))
	}
	if _, err := transaction.ParseUnknownOpPolicy(c.Storage.UnknownOps); err != nil {
		errs = append(errs, err)
	}
	if c.Storage.RetryBudgetMin <= 0 || c.Storage.RetryBudgetMax < c.Storage.RetryBudgetMin {
		errs = append(errs, fmt.Errorf("retry budget range [%d, %d] is invalid", c.Storage.RetryBudgetMin, c.Storage.RetryBudgetMax))
	}
	if c.Storage.BackoffMin < 0 || c.Storage.BackoffMax < c.Storage.BackoffMin {
		errs = append(errs, fmt.Errorf("backoff range [%s, %s] is invalid", c.Storage.BackoffMin, c.Storage.BackoffMax))
	}
	if c.Coordinator.VoteTimeoutMin <= 0 || c.Coordinator.VoteTimeoutMax < c.Coordinator.VoteTimeoutMin {
		errs = append(errs, fmt.Errorf("vote timeout range [%s, %s] is invalid", c.Coordinator.VoteTimeoutMin, c.Coordinator.VoteTimeoutMax))
	}
	if c.Coordinator.RetryDelayMin < 0 || c.Coordinator.RetryDelayMax < c.Coordinator.RetryDelayMin {
		errs = append(errs, fmt.Errorf("retry delay range [%s, %s] is invalid", c.Coordinator.RetryDelayMin, c.Coordinator.RetryDelayMax))
	}
	if c.Coordinator.MaxRounds < 0 {
		errs = append(errs, errors.New("max_rounds must not be negative"))
	}
	if c.Admission.Rate < 0 || c.Admission.Burst < 0 || c.Admission.MaxInFlight < 0 {
		errs = append(errs, errors.New("admission limits must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// StorageEngine converts the storage section.
func (c Config) StorageEngine() storageengine.Config {
	policy, _ := transaction.ParseUnknownOpPolicy(c.Storage.UnknownOps)
	return storageengine.Config{
		SnapshotPath:   c.Storage.SnapshotPath,
		UnknownOps:     policy,
		RetryBudgetMin: c.Storage.RetryBudgetMin,
		RetryBudgetMax: c.Storage.RetryBudgetMax,
		BackoffMin:     c.Storage.BackoffMin,
		BackoffMax:     c.Storage.BackoffMax,
	}
}

// CoordinatorRounds converts the coordinator section.
func (c Config) CoordinatorRounds() coordinator.Config {
	return coordinator.Config{
		VoteTimeoutMin: c.Coordinator.VoteTimeoutMin,
		VoteTimeoutMax: c.Coordinator.VoteTimeoutMax,
		RetryDelayMin:  c.Coordinator.RetryDelayMin,
		RetryDelayMax:  c.Coordinator.RetryDelayMax,
		AckTimeout:     c.Coordinator.AckTimeout,
		MaxRounds:      c.Coordinator.MaxRounds,
	}
}

// ParticipantHandler converts the participant section.
func (c Config) ParticipantHandler() participant.Config {
	return participant.Config{DecisionTimeout: c.Participant.DecisionTimeout}
}
