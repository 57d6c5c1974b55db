package tx

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// SynchronizationPolicy decides when GetTransaction activates synchronization.
type SynchronizationPolicy int

const (
	// SyncAlways activates synchronization even for empty transactions
	// (SUPPORTS, NOT_SUPPORTED, NEVER without an existing transaction).
	SyncAlways SynchronizationPolicy = iota
	// SyncOnActualTransaction activates synchronization only for new transactions.
	SyncOnActualTransaction
	// SyncNever never activates synchronization.
	SyncNever
)

func (p SynchronizationPolicy) String() string {
	switch p {
	case SyncAlways:
		return "always"
	case SyncOnActualTransaction:
		return "on_actual_transaction"
	case SyncNever:
		return "never"
	default:
		return fmt.Sprintf("synchronization(%d)", int(p))
	}
}

// ParseSynchronizationPolicy accepts "always", "on_actual_transaction", "never"
// and their SYNCHRONIZATION_* spellings.
func ParseSynchronizationPolicy(s string) (SynchronizationPolicy, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.TrimPrefix(name, "synchronization_")
	name = strings.ReplaceAll(name, "-", "_")
	switch name {
	case "", "always":
		return SyncAlways, nil
	case "on_actual_transaction":
		return SyncOnActualTransaction, nil
	case "never":
		return SyncNever, nil
	default:
		return 0, NewInvalidDefinition("unknown synchronization policy " + s)
	}
}

// Config holds manager-wide policy. It is fixed at construction.
type Config struct {
	Synchronization SynchronizationPolicy

	// NestedTransactionAllowed must be true for PROPAGATION_NESTED to join an
	// existing transaction.
	NestedTransactionAllowed bool

	// RollbackOnCommitFailure rolls back when the adapter's commit fails.
	// The rollback error, if any, then replaces the commit error.
	RollbackOnCommitFailure bool
}

// DefaultConfig returns the default policy: always synchronize, no nesting,
// no rollback on commit failure.
func DefaultConfig() Config {
	return Config{
		Synchronization:          SyncAlways,
		NestedTransactionAllowed: false,
		RollbackOnCommitFailure:  false,
	}
}

// Option customizes a Manager.
type Option func(m *Manager)

// WithObserver reports begin/completion of new transactions to o.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithTracer replaces the default otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}
