package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/Masterminds/squirrel"

	"txcoord/internal/core/tx"
	"txcoord/pkg/logger"
)

// CodeStepFailed is reported for steps that fail on purpose.
const CodeStepFailed = "STEP_FAILED"

// ErrStepFailed is returned from the callback of a step with Fail set.
var ErrStepFailed = errors.New("step failed as requested")

// Runner executes scenarios through a tx.Manager.
type Runner struct {
	backend Backend
	manager *tx.Manager
}

// NewRunner builds a manager over backend's adapter.
func NewRunner(backend Backend, cfg tx.Config, opts ...tx.Option) *Runner {
	return &Runner{
		backend: backend,
		manager: tx.NewManager(backend.Adapter(), cfg, opts...),
	}
}

// StepResult is the outcome of one step and its children.
type StepResult struct {
	Name       string
	Definition string

	Transaction    bool
	NewTransaction bool
	Savepoint      bool
	Outcome        tx.CompletionStatus

	Code     string // "" on success
	Expected string
	Err      error

	Children []StepResult
}

// Passed reports whether the step and all its children behaved as expected.
func (r StepResult) Passed() bool {
	if r.Code != r.Expected {
		return false
	}
	for _, c := range r.Children {
		if !c.Passed() {
			return false
		}
	}
	return true
}

// CheckResult is the outcome of one row-count check.
type CheckResult struct {
	Check Check
	Query string
	Got   int64
	Err   error
}

func (r CheckResult) Passed() bool { return r.Err == nil && r.Got == r.Check.Count }

// Report collects the results of a scenario run.
type Report struct {
	Name   string
	Steps  []StepResult
	Checks []CheckResult

	// AfterCommitErrors holds failures of after_commit statements. Those run
	// when the owning transaction commits, which may be after the step returned.
	AfterCommitErrors []error
}

// OK reports whether every step and check passed.
func (r *Report) OK() bool {
	if len(r.AfterCommitErrors) > 0 {
		return false
	}
	for _, s := range r.Steps {
		if !s.Passed() {
			return false
		}
	}
	for _, c := range r.Checks {
		if !c.Passed() {
			return false
		}
	}
	return true
}

// Run executes setup statements, the step tree and the checks. Each
// top-level step starts a fresh call chain. Errors are only returned for
// setup failures; step and check failures end up in the report.
func (r *Runner) Run(ctx context.Context, s *Scenario) (*Report, error) {
	log := logger.FromContext(ctx).WithComponent("scenario")
	report := &Report{Name: s.Name}

	for _, stmt := range s.Setup {
		if err := r.backend.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("setup %q: %w", stmt, err)
		}
	}

	for i := range s.Steps {
		res := r.runStep(tx.WithRegistry(ctx), &s.Steps[i], report)
		log.Debugw("step finished", "step", res.Name, "code", res.Code, "outcome", res.Outcome.String())
		report.Steps = append(report.Steps, res)
	}

	for _, c := range s.Checks {
		report.Checks = append(report.Checks, r.runCheck(ctx, c))
	}

	log.Infow("scenario finished", "name", s.Name, "ok", report.OK())
	return report, nil
}

func (r *Runner) runStep(ctx context.Context, step *Step, report *Report) StepResult {
	res := StepResult{Name: step.Name, Expected: step.expectedCode(), Outcome: tx.StatusUnknown}

	def, err := tx.ParseDefinition(step.Definition)
	if err != nil {
		res.Err, res.Code = err, errorCode(err)
		return res
	}
	def.Name = step.Name
	res.Definition = def.String()

	var status *tx.Status
	err = r.manager.Execute(ctx, &def, func(ctx context.Context, s *tx.Status) error {
		status = s
		res.Transaction = s.HasTransaction()
		res.NewTransaction = s.IsNewTransaction()
		res.Savepoint = s.HasSavepoint()

		if len(step.AfterCommit) > 0 {
			if err := tx.AfterCommit(ctx, func(ctx context.Context) {
				report.AfterCommitErrors = append(report.AfterCommitErrors, r.runAfterCommit(ctx, step.AfterCommit)...)
			}); err != nil {
				return err
			}
		}

		for _, stmt := range step.SQL {
			if err := r.backend.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("step %s: %w", step.Name, err)
			}
		}
		if len(step.Outbox) > 0 {
			if err := r.backend.Publish(ctx, step.Name, step.Outbox); err != nil {
				return fmt.Errorf("step %s: %w", step.Name, err)
			}
		}

		for i := range step.Steps {
			child := r.runStep(ctx, &step.Steps[i], report)
			res.Children = append(res.Children, child)
			// An expected failure is handled by the parent; anything else
			// propagates and fails the parent too.
			if child.Err != nil && child.Code != child.Expected {
				return child.Err
			}
		}

		if step.RollbackOnly {
			s.SetRollbackOnly()
		}
		if step.Fail {
			return ErrStepFailed
		}
		return nil
	})

	if status != nil {
		res.Outcome = status.Outcome()
	}
	if err != nil {
		res.Err, res.Code = err, errorCode(err)
	}
	return res
}

// runAfterCommit executes statements in autocommit mode: the committed
// transaction is still bound to ctx while callbacks run.
func (r *Runner) runAfterCommit(ctx context.Context, stmts []string) []error {
	ctx = tx.WithRegistry(ctx)
	var errs []error
	for _, stmt := range stmts {
		if err := r.backend.Exec(ctx, stmt); err != nil {
			logger.Warn(ctx, "after-commit statement failed", "sql", stmt, "error", err)
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *Runner) runCheck(ctx context.Context, c Check) CheckResult {
	res := CheckResult{Check: c}

	q := squirrel.Select("COUNT(*)").From(c.Table).PlaceholderFormat(r.backend.Placeholder())
	if len(c.Where) > 0 {
		q = q.Where(squirrel.Eq(c.Where))
	}
	query, args, err := q.ToSql()
	if err != nil {
		res.Err = fmt.Errorf("build check query: %w", err)
		return res
	}
	res.Query = query

	res.Got, res.Err = r.backend.Count(tx.WithRegistry(ctx), query, args...)
	return res
}

func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStepFailed):
		return CodeStepFailed
	}
	if code := tx.CodeOf(err); code != "" {
		return code
	}
	return "ERROR"
}

// Write prints the report as an indented tree.
func (r *Report) Write(w io.Writer) {
	_, _ = fmt.Fprintf(w, "scenario %s\n", r.Name)
	for _, s := range r.Steps {
		writeStep(w, s, 1)
	}
	for _, c := range r.Checks {
		mark := "ok"
		if !c.Passed() {
			mark = "FAIL"
		}
		_, _ = fmt.Fprintf(w, "  check %-4s %s%s want=%d got=%d", mark, c.Check.Table, formatWhere(c.Check.Where), c.Check.Count, c.Got)
		if c.Err != nil {
			_, _ = fmt.Fprintf(w, " error=%v", c.Err)
		}
		_, _ = fmt.Fprintln(w)
	}
	for _, err := range r.AfterCommitErrors {
		_, _ = fmt.Fprintf(w, "  after-commit FAIL %v\n", err)
	}
	if r.OK() {
		_, _ = fmt.Fprintln(w, "PASS")
	} else {
		_, _ = fmt.Fprintln(w, "FAIL")
	}
}

func writeStep(w io.Writer, s StepResult, depth int) {
	mark := "ok"
	if s.Code != s.Expected {
		mark = "FAIL"
	}
	kind := "participating"
	switch {
	case !s.Transaction:
		kind = "none"
	case s.Savepoint:
		kind = "savepoint"
	case s.NewTransaction:
		kind = "new"
	}
	_, _ = fmt.Fprintf(w, "%s%-4s %s [%s] %s outcome=%s", strings.Repeat("  ", depth), mark, s.Name, kind, s.Definition, s.Outcome)
	if s.Code != "" || s.Expected != "" {
		_, _ = fmt.Fprintf(w, " code=%q expected=%q", s.Code, s.Expected)
	}
	_, _ = fmt.Fprintln(w)
	for _, c := range s.Children {
		writeStep(w, c, depth+1)
	}
}

func formatWhere(where map[string]any) string {
	if len(where) == 0 {
		return ""
	}
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
