package scenario

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txcoord/internal/core/tx"
	"txcoord/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.SetDefault(logger.NewNop())
	os.Exit(m.Run())
}

const minimal = `
driver: sqlite
dsn: file:test.db
steps:
  - name: only
`

func TestParse_Minimal(t *testing.T) {
	s, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, s.Driver)
	require.Len(t, s.Steps, 1)
	assert.Empty(t, s.Steps[0].Definition)

	cfg, err := s.Manager.TxConfig()
	require.NoError(t, err)
	assert.Equal(t, tx.DefaultConfig(), cfg)
}

func TestParse_ExpandsEnvironmentInDSN(t *testing.T) {
	t.Setenv("TXSCENARIO_TEST_DSN", "postgres://localhost/app")

	s, err := Parse([]byte(`
driver: postgres
dsn: ${TXSCENARIO_TEST_DSN}
steps: [{name: a}]
`))
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/app", s.DSN)
}

func TestParse_ManagerConfig(t *testing.T) {
	s, err := Parse([]byte(`
driver: pq
dsn: x
manager:
  synchronization: on_actual_transaction
  nested_transaction_allowed: true
  rollback_on_commit_failure: true
steps: [{name: a}]
`))
	require.NoError(t, err)

	cfg, err := s.Manager.TxConfig()
	require.NoError(t, err)
	assert.Equal(t, tx.Config{
		Synchronization:          tx.SyncOnActualTransaction,
		NestedTransactionAllowed: true,
		RollbackOnCommitFailure:  true,
	}, cfg)
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"malformed yaml": "driver: [",
		"unknown driver": "driver: oracle\ndsn: x\nsteps: [{name: a}]",
		"missing dsn":    "driver: sqlite\nsteps: [{name: a}]",
		"no steps":       "driver: sqlite\ndsn: x",
		"unnamed step":   "driver: sqlite\ndsn: x\nsteps: [{definition: PROPAGATION_REQUIRED}]",
		"bad definition": "driver: sqlite\ndsn: x\nsteps: [{name: a, steps: [{name: b, definition: PROPAGATION_SOMETIMES}]}]",
		"bad sync":       "driver: sqlite\ndsn: x\nmanager: {synchronization: sometimes}\nsteps: [{name: a}]",
		"check no table": "driver: sqlite\ndsn: x\nsteps: [{name: a}]\nchecks: [{count: 1}]",
		"negative count": "driver: sqlite\ndsn: x\nsteps: [{name: a}]\nchecks: [{table: t, count: -1}]",
		"empty topic":    "driver: postgres\ndsn: x\nsteps: [{name: a, outbox: [\"\"]}]",
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "only", s.Steps[0].Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestStep_ExpectedCode(t *testing.T) {
	assert.Equal(t, "", (&Step{}).expectedCode())
	assert.Equal(t, CodeStepFailed, (&Step{Fail: true}).expectedCode())
	assert.Equal(t, tx.CodeUnexpectedRollback, (&Step{Fail: true, ExpectError: tx.CodeUnexpectedRollback}).expectedCode())
}
