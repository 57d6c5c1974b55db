package tx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefinition_Defaults(t *testing.T) {
	d := DefaultDefinition()

	assert.Equal(t, PropagationRequired, d.Propagation)
	assert.Equal(t, IsolationDefault, d.Isolation)
	assert.Equal(t, TimeoutDefault, d.Timeout)
	assert.False(t, d.ReadOnly)
	assert.Empty(t, d.Name)
	assert.NoError(t, d.Validate())
}

func TestDefinition_String(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
		want string
	}{
		{
			name: "default",
			def:  DefaultDefinition(),
			want: "PROPAGATION_REQUIRED,ISOLATION_DEFAULT",
		},
		{
			name: "all attributes",
			def: Definition{
				Propagation: PropagationRequiresNew,
				Isolation:   IsolationSerializable,
				Timeout:     30,
				ReadOnly:    true,
			},
			want: "PROPAGATION_REQUIRES_NEW,ISOLATION_SERIALIZABLE,timeout_30,readOnly",
		},
		{
			name: "zero timeout is explicit",
			def:  Definition{Propagation: PropagationNested, Isolation: IsolationReadCommitted, Timeout: 0},
			want: "PROPAGATION_NESTED,ISOLATION_READ_COMMITTED,timeout_0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.def.String())

			parsed, err := ParseDefinition(tt.want)
			require.NoError(t, err)
			assert.True(t, parsed.Equal(tt.def))
		})
	}
}

func TestDefinition_EqualIgnoresName(t *testing.T) {
	a := DefaultDefinition()
	a.Name = "a"
	b := DefaultDefinition()
	b.Name = "b"

	assert.True(t, a.Equal(b))

	b.ReadOnly = true
	assert.False(t, a.Equal(b))
}

func TestParseDefinition(t *testing.T) {
	d, err := ParseDefinition(" readOnly , timeout_5,PROPAGATION_SUPPORTS ")
	require.NoError(t, err)
	assert.Equal(t, PropagationSupports, d.Propagation)
	assert.Equal(t, IsolationDefault, d.Isolation)
	assert.Equal(t, 5, d.Timeout)
	assert.True(t, d.ReadOnly)

	d, err = ParseDefinition("")
	require.NoError(t, err)
	assert.True(t, d.Equal(DefaultDefinition()))

	_, err = ParseDefinition("PROPAGATION_SOMETIMES")
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = ParseDefinition("PROPAGATION_REQUIRED,timeout_x")
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = ParseDefinition("PROPAGATION_REQUIRED,timeout_-7")
	assert.ErrorIs(t, err, ErrInvalidTimeout)

	_, err = ParseDefinition("PROPAGATION_REQUIRED,eager")
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestParsePropagation(t *testing.T) {
	for input, want := range map[string]Propagation{
		"PROPAGATION_REQUIRES_NEW": PropagationRequiresNew,
		"requires_new":             PropagationRequiresNew,
		"not-supported":            PropagationNotSupported,
		" never ":                  PropagationNever,
		"nested":                   PropagationNested,
	} {
		got, err := ParsePropagation(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParsePropagation("always")
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestParseIsolation(t *testing.T) {
	got, err := ParseIsolation("repeatable_read")
	require.NoError(t, err)
	assert.Equal(t, IsolationRepeatableRead, got)

	got, err = ParseIsolation("ISOLATION_READ_UNCOMMITTED")
	require.NoError(t, err)
	assert.Equal(t, IsolationReadUncommitted, got)

	_, err = ParseIsolation("snapshot")
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestDefinition_Validate(t *testing.T) {
	d := DefaultDefinition()
	d.Propagation = Propagation(99)
	assert.ErrorIs(t, d.Validate(), ErrInvalidDefinition)

	d = DefaultDefinition()
	d.Isolation = Isolation(99)
	assert.ErrorIs(t, d.Validate(), ErrInvalidDefinition)

	d = DefaultDefinition()
	d.Timeout = -2
	assert.ErrorIs(t, d.Validate(), ErrInvalidTimeout)

	assert.Equal(t, "PROPAGATION(99)", Propagation(99).String())
	assert.Equal(t, "ISOLATION(99)", Isolation(99).String())
}
