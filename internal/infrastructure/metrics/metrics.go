// Package metrics exports transaction statistics to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"txcoord/internal/core/tx"
)

var _ tx.Observer = (*TxMetrics)(nil)

// TxMetrics counts the physical transactions a tx.Manager begins and how
// they end. Register it with tx.WithObserver.
type TxMetrics struct {
	// Transactions begun (propagation)
	TransactionsStarted *prometheus.CounterVec

	// Transactions completed (outcome: committed, rolled_back, unknown)
	TransactionsCompleted *prometheus.CounterVec

	// Time from GetTransaction to cleanup (outcome)
	TransactionDuration *prometheus.HistogramVec

	// Transactions currently open
	ActiveTransactions prometheus.Gauge
}

// New creates metrics registered with the default registry.
func New() *TxMetrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the metrics with reg.
func NewWithRegistry(reg prometheus.Registerer) *TxMetrics {
	m := &TxMetrics{
		TransactionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_started_total",
				Help: "Total number of transactions begun by the transaction manager",
			},
			[]string{"propagation"},
		),
		TransactionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_completed_total",
				Help: "Total number of completed transactions by outcome",
			},
			[]string{"outcome"},
		),
		TransactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transaction_duration_seconds",
				Help:    "Transaction lifetime in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		ActiveTransactions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "transactions_active",
				Help: "Current number of open transactions",
			},
		),
	}

	reg.MustRegister(
		m.TransactionsStarted,
		m.TransactionsCompleted,
		m.TransactionDuration,
		m.ActiveTransactions,
	)

	return m
}

func (m *TxMetrics) TransactionBegun(_ context.Context, def tx.Definition) {
	m.TransactionsStarted.WithLabelValues(def.Propagation.String()).Inc()
	m.ActiveTransactions.Inc()
}

func (m *TxMetrics) TransactionCompleted(_ context.Context, status *tx.Status, outcome tx.CompletionStatus) {
	m.TransactionsCompleted.WithLabelValues(outcome.String()).Inc()
	m.TransactionDuration.WithLabelValues(outcome.String()).Observe(time.Since(status.StartedAt()).Seconds())
	m.ActiveTransactions.Dec()
}
