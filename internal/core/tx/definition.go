package tx

import (
	"fmt"
	"strconv"
	"strings"
)

// Propagation controls how a transaction request relates to a transaction
// already bound to the current context.
type Propagation int

const (
	// PropagationRequired joins the current transaction or begins a new one.
	PropagationRequired Propagation = iota
	// PropagationSupports joins the current transaction, runs without one otherwise.
	PropagationSupports
	// PropagationMandatory joins the current transaction, fails without one.
	PropagationMandatory
	// PropagationRequiresNew suspends the current transaction and begins a new one.
	PropagationRequiresNew
	// PropagationNotSupported suspends the current transaction and runs without one.
	PropagationNotSupported
	// PropagationNever fails if a transaction exists.
	PropagationNever
	// PropagationNested runs inside a savepoint of the current transaction,
	// or behaves like PropagationRequired if there is none.
	PropagationNested
)

var propagationNames = map[Propagation]string{
	PropagationRequired:     "PROPAGATION_REQUIRED",
	PropagationSupports:     "PROPAGATION_SUPPORTS",
	PropagationMandatory:    "PROPAGATION_MANDATORY",
	PropagationRequiresNew:  "PROPAGATION_REQUIRES_NEW",
	PropagationNotSupported: "PROPAGATION_NOT_SUPPORTED",
	PropagationNever:        "PROPAGATION_NEVER",
	PropagationNested:       "PROPAGATION_NESTED",
}

func (p Propagation) String() string {
	if name, ok := propagationNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PROPAGATION(%d)", int(p))
}

// Valid reports whether p is a known propagation behavior.
func (p Propagation) Valid() bool {
	_, ok := propagationNames[p]
	return ok
}

// Isolation is a declarative isolation hint passed through to the adapter.
type Isolation int

const (
	IsolationDefault Isolation = iota
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
)

var isolationNames = map[Isolation]string{
	IsolationDefault:         "ISOLATION_DEFAULT",
	IsolationReadUncommitted: "ISOLATION_READ_UNCOMMITTED",
	IsolationReadCommitted:   "ISOLATION_READ_COMMITTED",
	IsolationRepeatableRead:  "ISOLATION_REPEATABLE_READ",
	IsolationSerializable:    "ISOLATION_SERIALIZABLE",
}

func (i Isolation) String() string {
	if name, ok := isolationNames[i]; ok {
		return name
	}
	return fmt.Sprintf("ISOLATION(%d)", int(i))
}

// Valid reports whether i is a known isolation level.
func (i Isolation) Valid() bool {
	_, ok := isolationNames[i]
	return ok
}

// TimeoutDefault means "use the resource's own default timeout".
const TimeoutDefault = -1

const (
	timeoutPrefix  = "timeout_"
	readOnlyMarker = "readOnly"
)

// Definition describes the transaction a caller asks for.
// It is a value: copy it freely, compare it with Equal.
type Definition struct {
	Propagation Propagation
	Isolation   Isolation

	// Timeout in seconds, or TimeoutDefault.
	Timeout int

	// ReadOnly is a hint for the resource; it does not prevent writes by itself.
	ReadOnly bool

	// Name is optional and shows up in logs and in the registry.
	Name string
}

// DefaultDefinition returns PROPAGATION_REQUIRED with default isolation and timeout.
func DefaultDefinition() Definition {
	return Definition{
		Propagation: PropagationRequired,
		Isolation:   IsolationDefault,
		Timeout:     TimeoutDefault,
	}
}

// NewDefinition returns the default definition with the given propagation.
func NewDefinition(p Propagation) Definition {
	def := DefaultDefinition()
	def.Propagation = p
	return def
}

// Validate checks that every field holds a known value.
func (d Definition) Validate() error {
	if !d.Propagation.Valid() {
		return NewInvalidDefinition(fmt.Sprintf("unknown propagation behavior %d", int(d.Propagation)))
	}
	if !d.Isolation.Valid() {
		return NewInvalidDefinition(fmt.Sprintf("unknown isolation level %d", int(d.Isolation)))
	}
	if d.Timeout < TimeoutDefault {
		return NewInvalidTimeout(d.Timeout)
	}
	return nil
}

// String returns the canonical encoding, e.g.
// "PROPAGATION_REQUIRED,ISOLATION_DEFAULT,timeout_10,readOnly".
func (d Definition) String() string {
	var b strings.Builder
	b.WriteString(d.Propagation.String())
	b.WriteByte(',')
	b.WriteString(d.Isolation.String())
	if d.Timeout != TimeoutDefault {
		b.WriteByte(',')
		b.WriteString(timeoutPrefix)
		b.WriteString(strconv.Itoa(d.Timeout))
	}
	if d.ReadOnly {
		b.WriteByte(',')
		b.WriteString(readOnlyMarker)
	}
	return b.String()
}

// Equal compares two definitions by their canonical encoding.
func (d Definition) Equal(other Definition) bool {
	return d.String() == other.String()
}

// ParseDefinition parses the canonical encoding produced by String.
// Tokens may appear in any order; missing tokens keep their defaults.
func ParseDefinition(s string) (Definition, error) {
	def := DefaultDefinition()
	if strings.TrimSpace(s) == "" {
		return def, nil
	}

	for _, raw := range strings.Split(s, ",") {
		token := strings.TrimSpace(raw)
		switch {
		case token == "":
			continue
		case strings.HasPrefix(token, "PROPAGATION_"):
			p, err := ParsePropagation(token)
			if err != nil {
				return Definition{}, err
			}
			def.Propagation = p
		case strings.HasPrefix(token, "ISOLATION_"):
			i, err := ParseIsolation(token)
			if err != nil {
				return Definition{}, err
			}
			def.Isolation = i
		case strings.HasPrefix(token, timeoutPrefix):
			n, err := strconv.Atoi(strings.TrimPrefix(token, timeoutPrefix))
			if err != nil {
				return Definition{}, NewInvalidDefinition("malformed timeout " + token).WithCause(err)
			}
			def.Timeout = n
		case token == readOnlyMarker:
			def.ReadOnly = true
		default:
			return Definition{}, NewInvalidDefinition("unknown definition token " + token)
		}
	}

	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// ParsePropagation accepts both "PROPAGATION_REQUIRES_NEW" and "requires_new".
func ParsePropagation(s string) (Propagation, error) {
	name := normalizeConstant(s, "PROPAGATION_")
	for p, n := range propagationNames {
		if n == name {
			return p, nil
		}
	}
	return 0, NewInvalidDefinition("unknown propagation behavior " + s)
}

// ParseIsolation accepts both "ISOLATION_SERIALIZABLE" and "serializable".
func ParseIsolation(s string) (Isolation, error) {
	name := normalizeConstant(s, "ISOLATION_")
	for i, n := range isolationNames {
		if n == name {
			return i, nil
		}
	}
	return 0, NewInvalidDefinition("unknown isolation level " + s)
}

func normalizeConstant(s, prefix string) string {
	name := strings.ToUpper(strings.TrimSpace(s))
	name = strings.ReplaceAll(name, "-", "_")
	if !strings.HasPrefix(name, prefix) {
		name = prefix + name
	}
	return name
}
