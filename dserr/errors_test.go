package dserr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := Constraint(nil, "duplicate key on %s", "users")
	assert.Equal(t, KindConstraint, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := Connection(errors.New("dial tcp: refused"), "source %s unreachable", "orders")
	wrapped := fmt.Errorf("batch 17: %w", inner)

	assert.Equal(t, KindConnection, KindOf(wrapped))
	assert.True(t, Transient(wrapped))

	var e *Error
	require.True(t, errors.As(wrapped, &e))
	assert.Contains(t, e.Error(), "source orders unreachable")
}

func TestTransient(t *testing.T) {
	assert.True(t, Transient(Connection(nil, "timeout")))
	assert.False(t, Transient(Validation(nil, "bad value")))
	assert.False(t, Transient(Constraint(nil, "not null")))
	assert.False(t, Transient(Migration(nil, "alter failed")))
	assert.False(t, Transient(FatalConfig(nil, "missing dsn")))
}

func TestRecordLevel(t *testing.T) {
	assert.True(t, RecordLevel(Validation(nil, "bad value")))
	assert.True(t, RecordLevel(Constraint(nil, "fk violation")))
	assert.False(t, RecordLevel(Connection(nil, "timeout")))
	assert.False(t, RecordLevel(SchemaConflict(nil, "missing column")))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Migration(cause, "alter users")
	assert.True(t, errors.Is(err, cause))
}
