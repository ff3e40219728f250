package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Abort reasons recorded on gojotxn.txn.aborts_total.
const (
	AbortReasonLocalVote  = "local_vote"
	AbortReasonPeerVote   = "peer_vote"
	AbortReasonPeerError  = "peer_error"
	AbortReasonTimeout    = "timeout"
	AbortReasonParseError = "parse_error"
	AbortReasonContention = "contention"
)

// TxnMetrics holds all the metric instruments for the commit protocol.
type TxnMetrics struct {
	RoundsCounter           metric.Int64Counter
	CommitsCounter          metric.Int64Counter
	AbortsCounter           metric.Int64Counter
	LockRetriesCounter      metric.Int64Counter
	DeliveryFailuresCounter metric.Int64Counter
	VoteLatencyHistogram    metric.Int64Histogram
	ActiveTxnsUpDownCounter metric.Int64UpDownCounter
	SnapshotFailuresCounter metric.Int64Counter
}

// NewTxnMetrics creates and registers all the metrics for a node.
func NewTxnMetrics(meter metric.Meter) (*TxnMetrics, error) {
	rounds, err := meter.Int64Counter(
		"gojotxn.txn.rounds_total",
		metric.WithDescription("Total number of coordinator rounds started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	commits, err := meter.Int64Counter(
		"gojotxn.txn.commits_total",
		metric.WithDescription("Total number of rounds decided COMMIT."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	aborts, err := meter.Int64Counter(
		"gojotxn.txn.aborts_total",
		metric.WithDescription("Total number of aborts, by reason."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter(
		"gojotxn.engine.lock_retries_total",
		metric.WithDescription("Total number of lock passes that hit a conflict."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	deliveryFailures, err := meter.Int64Counter(
		"gojotxn.decision.delivery_failures_total",
		metric.WithDescription("Decisions that could not be delivered to a participant."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	voteLatency, err := meter.Int64Histogram(
		"gojotxn.txn.vote_latency",
		metric.WithDescription("Time from round start until the decision is known."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"gojotxn.txn.active",
		metric.WithDescription("Number of client transactions being coordinated."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	snapshotFailures, err := meter.Int64Counter(
		"gojotxn.engine.snapshot_failures_total",
		metric.WithDescription("Commits whose snapshot rewrite failed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TxnMetrics{
		RoundsCounter:           rounds,
		CommitsCounter:          commits,
		AbortsCounter:           aborts,
		LockRetriesCounter:      retries,
		DeliveryFailuresCounter: deliveryFailures,
		VoteLatencyHistogram:    voteLatency,
		ActiveTxnsUpDownCounter: active,
		SnapshotFailuresCounter: snapshotFailures,
	}, nil
}

// NopTxnMetrics returns instruments backed by the no-op meter.
func NopTxnMetrics() *TxnMetrics {
	m, _ := NewTxnMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

// RecordAbort counts one abort with the given reason attribute.
func (m *TxnMetrics) RecordAbort(ctx context.Context, reason string) {
	m.AbortsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
