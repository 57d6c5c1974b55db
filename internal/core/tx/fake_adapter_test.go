package tx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"txcoord/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.SetDefault(logger.NewNop())
	os.Exit(m.Run())
}

type fakeKey struct{}

// fakeState is the "connection" the fake adapter binds into the registry.
type fakeState struct {
	id           int
	rollbackOnly bool
	active       bool
}

type fakeObject struct {
	state *fakeState
}

func (o *fakeObject) String() string {
	if o.state == nil {
		return "fake(none)"
	}
	return fmt.Sprintf("fake(%d)", o.state.id)
}

// fakeAdapter records every primitive it is asked to perform.
type fakeAdapter struct {
	BaseAdapter

	calls  []string
	nextID int
	nextSP int

	beginErr    error
	commitErr   error
	rollbackErr error
	releaseErr  error

	panicOnRollback bool
}

var (
	_ Adapter              = (*fakeAdapter)(nil)
	_ SavepointManager     = (*fakeAdapter)(nil)
	_ RollbackOnlyReporter = (*fakeAdapter)(nil)
)

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{BaseAdapter: BaseAdapter{Name: "fake"}}
}

func (a *fakeAdapter) record(format string, args ...any) {
	a.calls = append(a.calls, fmt.Sprintf(format, args...))
}

func (a *fakeAdapter) GetTransaction(ctx context.Context) (Object, error) {
	obj := &fakeObject{}
	if st, ok := MustRegistry(ctx).GetResource(fakeKey{}).(*fakeState); ok {
		obj.state = st
	}
	return obj, nil
}

func (a *fakeAdapter) IsExistingTransaction(_ context.Context, obj Object) (bool, error) {
	o := obj.(*fakeObject)
	return o.state != nil && o.state.active, nil
}

func (a *fakeAdapter) Begin(ctx context.Context, obj Object, def Definition) error {
	if a.beginErr != nil {
		return a.beginErr
	}
	reg := MustRegistry(ctx)
	if reg.HasResource(fakeKey{}) {
		_, _ = reg.UnbindResource(fakeKey{})
	}
	a.nextID++
	st := &fakeState{id: a.nextID, active: true}
	obj.(*fakeObject).state = st
	a.record("begin:%d", st.id)
	return reg.BindResource(fakeKey{}, st)
}

func (a *fakeAdapter) Suspend(ctx context.Context, obj Object) (any, error) {
	held, err := MustRegistry(ctx).UnbindResource(fakeKey{})
	if err != nil {
		return nil, err
	}
	obj.(*fakeObject).state = nil
	a.record("suspend:%d", held.(*fakeState).id)
	return held, nil
}

func (a *fakeAdapter) Resume(ctx context.Context, _ Object, suspended any) error {
	st := suspended.(*fakeState)
	a.record("resume:%d", st.id)
	return MustRegistry(ctx).BindResource(fakeKey{}, st)
}

func (a *fakeAdapter) Commit(_ context.Context, status *Status) error {
	a.record("commit:%d", status.Transaction().(*fakeObject).state.id)
	return a.commitErr
}

func (a *fakeAdapter) Rollback(_ context.Context, status *Status) error {
	a.record("rollback:%d", status.Transaction().(*fakeObject).state.id)
	if a.panicOnRollback {
		panic("rollback exploded")
	}
	return a.rollbackErr
}

func (a *fakeAdapter) SetRollbackOnly(_ context.Context, status *Status) error {
	st := status.Transaction().(*fakeObject).state
	st.rollbackOnly = true
	a.record("set-rollback-only:%d", st.id)
	return nil
}

func (a *fakeAdapter) CleanupAfterCompletion(ctx context.Context, obj Object) {
	st := obj.(*fakeObject).state
	st.active = false
	reg := MustRegistry(ctx)
	if reg.GetResource(fakeKey{}) == st {
		_, _ = reg.UnbindResource(fakeKey{})
	}
	a.record("cleanup:%d", st.id)
}

func (a *fakeAdapter) IsRollbackOnly(obj Object) bool {
	o := obj.(*fakeObject)
	return o.state != nil && o.state.rollbackOnly
}

func (a *fakeAdapter) CreateSavepoint(_ context.Context, obj Object) (Savepoint, error) {
	a.nextSP++
	sp := fmt.Sprintf("sp%d", a.nextSP)
	a.record("savepoint:%s", sp)
	return sp, nil
}

func (a *fakeAdapter) RollbackToSavepoint(_ context.Context, _ Object, sp Savepoint) error {
	a.record("rollback-to:%s", sp)
	return nil
}

func (a *fakeAdapter) ReleaseSavepoint(_ context.Context, _ Object, sp Savepoint) error {
	a.record("release:%s", sp)
	return a.releaseErr
}

// adapterOnly hides the optional capabilities of the wrapped adapter.
type adapterOnly struct {
	Adapter
}

// beginNestedAdapter implements NESTED through a second Begin.
type beginNestedAdapter struct {
	Adapter
}

func (beginNestedAdapter) UseSavepointForNestedTransaction() bool { return false }

// minimalAdapter relies on every BaseAdapter default.
type minimalAdapter struct {
	BaseAdapter
	active bool
}

func (a *minimalAdapter) GetTransaction(context.Context) (Object, error) { return "conn", nil }

func (a *minimalAdapter) IsExistingTransaction(context.Context, Object) (bool, error) {
	return a.active, nil
}

func (a *minimalAdapter) Begin(context.Context, Object, Definition) error { return nil }

func (a *minimalAdapter) Commit(context.Context, *Status) error { return nil }

func (a *minimalAdapter) Rollback(context.Context, *Status) error { return nil }

// recordingSync appends its callback invocations to a shared log.
type recordingSync struct {
	name string
	log  *[]string

	beforeCommitErr     error
	beforeCompletionErr error
	afterCompletionErr  error
	panicOnBeforeCommit     bool
	panicOnBeforeCompletion bool
}

func (s *recordingSync) Suspend(context.Context) {
	*s.log = append(*s.log, s.name+".suspend")
}

func (s *recordingSync) Resume(context.Context) {
	*s.log = append(*s.log, s.name+".resume")
}

func (s *recordingSync) BeforeCommit(_ context.Context, readOnly bool) error {
	*s.log = append(*s.log, fmt.Sprintf("%s.beforeCommit(%t)", s.name, readOnly))
	if s.panicOnBeforeCommit {
		panic("boom")
	}
	return s.beforeCommitErr
}

func (s *recordingSync) BeforeCompletion(context.Context) error {
	*s.log = append(*s.log, s.name+".beforeCompletion")
	if s.panicOnBeforeCompletion {
		panic("boom")
	}
	return s.beforeCompletionErr
}

func (s *recordingSync) AfterCompletion(_ context.Context, status CompletionStatus) error {
	*s.log = append(*s.log, s.name+".afterCompletion("+status.String()+")")
	return s.afterCompletionErr
}

var errBoom = errors.New("boom")
