package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txcoord/internal/core/tx"
)

// stubAdapter begins and completes transactions without a resource.
type stubAdapter struct {
	tx.BaseAdapter
}

type stubKey struct{}

func (stubAdapter) GetTransaction(ctx context.Context) (tx.Object, error) {
	if v := tx.MustRegistry(ctx).GetResource(stubKey{}); v != nil {
		return v, nil
	}
	return new(bool), nil
}

func (stubAdapter) IsExistingTransaction(_ context.Context, obj tx.Object) (bool, error) {
	return *obj.(*bool), nil
}

func (stubAdapter) Begin(ctx context.Context, obj tx.Object, _ tx.Definition) error {
	*obj.(*bool) = true
	return tx.MustRegistry(ctx).BindResource(stubKey{}, obj)
}

func (stubAdapter) Commit(context.Context, *tx.Status) error { return nil }

func (stubAdapter) Rollback(context.Context, *tx.Status) error { return nil }

func (stubAdapter) CleanupAfterCompletion(ctx context.Context, obj tx.Object) {
	*obj.(*bool) = false
	_, _ = tx.MustRegistry(ctx).UnbindResource(stubKey{})
}

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	require.NotNil(t, m)
	assert.NotNil(t, m.TransactionsStarted)
	assert.NotNil(t, m.TransactionsCompleted)
	assert.NotNil(t, m.TransactionDuration)
	assert.NotNil(t, m.ActiveTransactions)
}

func TestTxMetrics_ObservesManager(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)
	manager := tx.NewManager(stubAdapter{}, tx.DefaultConfig(), tx.WithObserver(m))
	ctx := context.Background()

	require.NoError(t, manager.RunInTransaction(ctx, func(ctx context.Context) error {
		assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveTransactions))
		// Participating transactions are not counted.
		return manager.RunInTransaction(ctx, func(context.Context) error { return nil })
	}))

	errFail := errors.New("fail")
	require.ErrorIs(t, manager.RequiresNew(ctx, func(context.Context) error { return errFail }), errFail)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.TransactionsStarted.WithLabelValues("PROPAGATION_REQUIRED")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TransactionsStarted.WithLabelValues("PROPAGATION_REQUIRES_NEW")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TransactionsCompleted.WithLabelValues("committed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TransactionsCompleted.WithLabelValues("rolled_back")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveTransactions))
	assert.Equal(t, 2, testutil.CollectAndCount(m.TransactionDuration))
}

func TestTxMetrics_Gather(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	def := tx.DefaultDefinition()
	m.TransactionBegun(context.Background(), def)

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "transactions_started_total" {
			found = true
			assert.Len(t, f.GetMetric(), 1)
		}
	}
	assert.True(t, found, "transactions_started_total metric not found")
}
