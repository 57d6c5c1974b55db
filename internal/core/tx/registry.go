package tx

import (
	"context"
	"fmt"
)

// Registry holds the transaction state visible to one call chain: the
// synchronization callbacks, the current transaction's name and read-only
// flag, and the resources adapters bind for the active transaction.
//
// A Registry is carried in a context.Context and must only be touched by the
// goroutine running that call chain. Goroutines that need their own
// transactions start from WithRegistry.
type Registry struct {
	// nil when synchronization is inactive
	synchronizations []Synchronization

	currentName     string
	currentReadOnly bool
	actualActive    bool

	resources map[any]any
}

// registryKey is the context key for Registry.
type registryKey struct{}

// NewRegistry returns an empty registry with synchronization inactive.
func NewRegistry() *Registry {
	return &Registry{}
}

// WithRegistry attaches a fresh Registry to ctx.
func WithRegistry(ctx context.Context) context.Context {
	return context.WithValue(ctx, registryKey{}, NewRegistry())
}

// ContextWithRegistry attaches an existing Registry to ctx.
func ContextWithRegistry(ctx context.Context, reg *Registry) context.Context {
	return context.WithValue(ctx, registryKey{}, reg)
}

// RegistryFrom returns the Registry bound to ctx, or nil.
func RegistryFrom(ctx context.Context) *Registry {
	if reg, ok := ctx.Value(registryKey{}).(*Registry); ok {
		return reg
	}
	return nil
}

// MustRegistry returns the Registry bound to ctx or panics.
// Use in places where a missing registry is a programming error.
func MustRegistry(ctx context.Context) *Registry {
	reg := RegistryFrom(ctx)
	if reg == nil {
		panic("transaction registry not in context")
	}
	return reg
}

// --- Synchronization ---

// IsSynchronizationActive reports whether callbacks can be registered.
func (r *Registry) IsSynchronizationActive() bool {
	return r.synchronizations != nil
}

// InitSynchronization activates synchronization with an empty callback list.
func (r *Registry) InitSynchronization() error {
	if r.IsSynchronizationActive() {
		return NewIllegalState("cannot activate transaction synchronization - already active")
	}
	r.synchronizations = make([]Synchronization, 0, 4)
	return nil
}

// RegisterSynchronization appends s to the callback list.
func (r *Registry) RegisterSynchronization(s Synchronization) error {
	if s == nil {
		return NewUsage("synchronization must not be nil")
	}
	if !r.IsSynchronizationActive() {
		return NewIllegalState("transaction synchronization is not active")
	}
	r.synchronizations = append(r.synchronizations, s)
	return nil
}

// Synchronizations returns a snapshot of the registered callbacks in
// registration order, or nil when synchronization is inactive.
func (r *Registry) Synchronizations() []Synchronization {
	if r.synchronizations == nil {
		return nil
	}
	out := make([]Synchronization, len(r.synchronizations))
	copy(out, r.synchronizations)
	return out
}

// ClearSynchronization deactivates synchronization and drops all callbacks.
func (r *Registry) ClearSynchronization() error {
	if !r.IsSynchronizationActive() {
		return NewIllegalState("cannot deactivate transaction synchronization - not active")
	}
	r.synchronizations = nil
	return nil
}

// --- Current transaction characteristics ---

func (r *Registry) SetCurrentTransactionName(name string) { r.currentName = name }

// CurrentTransactionName returns the name of the current transaction, "" if unnamed.
func (r *Registry) CurrentTransactionName() string { return r.currentName }

func (r *Registry) SetCurrentTransactionReadOnly(readOnly bool) { r.currentReadOnly = readOnly }

func (r *Registry) IsCurrentTransactionReadOnly() bool { return r.currentReadOnly }

func (r *Registry) SetActualTransactionActive(active bool) { r.actualActive = active }

// IsActualTransactionActive reports whether a real transaction backs the
// current context, as opposed to an empty one that only runs callbacks.
func (r *Registry) IsActualTransactionActive() bool { return r.actualActive }

// --- Resources ---

// BindResource binds value under key. Binding an already bound key fails.
func (r *Registry) BindResource(key, value any) error {
	if value == nil {
		return NewUsage("resource value must not be nil")
	}
	if r.resources == nil {
		r.resources = make(map[any]any)
	}
	if old, ok := r.resources[key]; ok {
		return NewIllegalState(fmt.Sprintf("already value [%v] for key [%v] bound to registry", old, key))
	}
	r.resources[key] = value
	return nil
}

// GetResource returns the value bound under key, or nil.
func (r *Registry) GetResource(key any) any {
	return r.resources[key]
}

// HasResource reports whether key is bound.
func (r *Registry) HasResource(key any) bool {
	_, ok := r.resources[key]
	return ok
}

// UnbindResource removes and returns the value bound under key.
func (r *Registry) UnbindResource(key any) (any, error) {
	value, ok := r.resources[key]
	if !ok {
		return nil, NewIllegalState(fmt.Sprintf("no value for key [%v] bound to registry", key))
	}
	delete(r.resources, key)
	return value, nil
}

// Clear resets everything except bound resources.
func (r *Registry) Clear() {
	r.synchronizations = nil
	r.currentName = ""
	r.currentReadOnly = false
	r.actualActive = false
}

// snapshot captures the state that suspend hands over to resume.
type registrySnapshot struct {
	synchronizations []Synchronization
	name             string
	readOnly         bool
	actualActive     bool
}
