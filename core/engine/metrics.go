package engine

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// engineMetrics are the engine's OpenTelemetry instruments, exported through
// the Prometheus endpoint when telemetry is enabled.
type engineMetrics struct {
	txnBegun     metric.Int64Counter
	txnCommitted metric.Int64Counter
	txnAborted   metric.Int64Counter
	walWrites    metric.Int64Counter
}

func newEngineMetrics(meter metric.Meter) (*engineMetrics, error) {
	m := &engineMetrics{}
	var err error

	if m.txnBegun, err = meter.Int64Counter("grovekv.txn.begun",
		metric.WithDescription("Transactions successfully begun.")); err != nil {
		return nil, fmt.Errorf("txn.begun counter: %w", err)
	}
	if m.txnCommitted, err = meter.Int64Counter("grovekv.txn.committed",
		metric.WithDescription("Transactions ended with their writes applied.")); err != nil {
		return nil, fmt.Errorf("txn.committed counter: %w", err)
	}
	if m.txnAborted, err = meter.Int64Counter("grovekv.txn.aborted",
		metric.WithDescription("Transactions aborted with their writes discarded.")); err != nil {
		return nil, fmt.Errorf("txn.aborted counter: %w", err)
	}
	if m.walWrites, err = meter.Int64Counter("grovekv.wal.writes",
		metric.WithDescription("Write items appended to a WAL, transactional or not.")); err != nil {
		return nil, fmt.Errorf("wal.writes counter: %w", err)
	}
	return m, nil
}
