// Package scenario runs declarative transaction trees against a real
// database. A scenario describes nested units of work with their
// propagation settings, and checks on the resulting table contents.
package scenario

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"txcoord/internal/core/tx"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres" // pgx pool
	DriverPQ       = "pq"       // lib/pq through database/sql
)

// Scenario is the root of a scenario file.
type Scenario struct {
	Name    string        `yaml:"name"`
	Driver  string        `yaml:"driver" validate:"required,oneof=sqlite postgres pq"`
	DSN     string        `yaml:"dsn" validate:"required"`
	Manager ManagerConfig `yaml:"manager"`
	Setup   []string      `yaml:"setup"`
	Steps   []Step        `yaml:"steps" validate:"required,min=1,dive"`
	Checks  []Check       `yaml:"checks" validate:"dive"`
}

// ManagerConfig mirrors tx.Config in file form.
type ManagerConfig struct {
	Synchronization          string `yaml:"synchronization" validate:"omitempty,txsync"`
	NestedTransactionAllowed bool   `yaml:"nested_transaction_allowed"`
	RollbackOnCommitFailure  bool   `yaml:"rollback_on_commit_failure"`
}

// Step is one unit of work. Children run inside the step's callback, so
// their propagation is resolved against the step's transaction.
type Step struct {
	Name string `yaml:"name" validate:"required"`

	// Definition uses the canonical encoding, e.g.
	// "PROPAGATION_REQUIRES_NEW,ISOLATION_DEFAULT,timeout_5". Empty means
	// the default definition.
	Definition string `yaml:"definition" validate:"omitempty,txdef"`

	SQL   []string `yaml:"sql"`
	Steps []Step   `yaml:"steps" validate:"dive"`

	// Outbox lists event topics published in the step's transaction, after
	// its SQL. Only the postgres driver has an outbox.
	Outbox []string `yaml:"outbox" validate:"dive,required"`

	// AfterCommit statements run outside the transaction once it commits.
	AfterCommit []string `yaml:"after_commit"`

	RollbackOnly bool `yaml:"rollback_only"`
	Fail         bool `yaml:"fail"`

	// ExpectError is the expected error code, e.g. UNEXPECTED_ROLLBACK.
	// A step with Fail set expects STEP_FAILED unless told otherwise.
	ExpectError string `yaml:"expect_error"`
}

// Check asserts the number of rows matching Where after all steps ran.
type Check struct {
	Table string         `yaml:"table" validate:"required"`
	Where map[string]any `yaml:"where"`
	Count int64          `yaml:"count" validate:"gte=0"`
}

// TxConfig converts the file form into a tx.Config.
func (c ManagerConfig) TxConfig() (tx.Config, error) {
	policy, err := tx.ParseSynchronizationPolicy(c.Synchronization)
	if err != nil {
		return tx.Config{}, err
	}
	cfg := tx.DefaultConfig()
	cfg.Synchronization = policy
	cfg.NestedTransactionAllowed = c.NestedTransactionAllowed
	cfg.RollbackOnCommitFailure = c.RollbackOnCommitFailure
	return cfg, nil
}

func (s *Step) expectedCode() string {
	if s.ExpectError == "" && s.Fail {
		return CodeStepFailed
	}
	return s.ExpectError
}

// Load reads and validates a scenario file. Environment variables in the
// DSN are expanded.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a scenario document.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal scenario: %w", err)
	}
	s.DSN = os.ExpandEnv(s.DSN)
	if err := newValidator().Struct(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("txdef", func(fl validator.FieldLevel) bool {
		_, err := tx.ParseDefinition(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("txsync", func(fl validator.FieldLevel) bool {
		_, err := tx.ParseSynchronizationPolicy(fl.Field().String())
		return err == nil
	})
	return v
}
