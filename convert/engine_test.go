package convert

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/dserr"
	"github.com/driftsync/driftsync/schema"
)

func TestWideningIsSafe(t *testing.T) {
	e := NewEngine()

	for _, pair := range [][2]schema.ColumnType{
		{schema.TypeInteger, schema.TypeBigInt},
		{schema.TypeInteger, schema.TypeDouble},
		{schema.TypeFloat, schema.TypeDouble},
	} {
		assert.Equal(t, schema.Safe, e.Safety(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}
}

func TestAnythingToStringIsSafe(t *testing.T) {
	e := NewEngine()

	out, err := e.Convert(schema.TypeInteger, schema.TypeString, int64(42))
	require.NoError(t, err)
	assert.Equal(t, "42", out)

	out, err = e.Convert(schema.TypeBoolean, schema.TypeString, true)
	require.NoError(t, err)
	assert.Equal(t, "true", out)

	out, err = e.Convert(schema.TypeDouble, schema.TypeString, 2.5)
	require.NoError(t, err)
	assert.Equal(t, "2.5", out)

	assert.Equal(t, schema.Safe, e.Safety(schema.TypeJSON, schema.TypeString))
}

func TestNarrowingBoundsValidation(t *testing.T) {
	e := NewEngine()
	assert.Equal(t, schema.Risky, e.Safety(schema.TypeBigInt, schema.TypeInteger))

	out, err := e.Convert(schema.TypeBigInt, schema.TypeInteger, int64(100))
	require.NoError(t, err)
	assert.Equal(t, int64(100), out)

	_, err = e.Convert(schema.TypeBigInt, schema.TypeInteger, int64(3_000_000_000))
	require.Error(t, err)
	assert.Equal(t, dserr.KindValidation, dserr.KindOf(err))
}

func TestStringParsingWithFallback(t *testing.T) {
	e := NewEngine()
	assert.Equal(t, schema.Dangerous, e.Safety(schema.TypeString, schema.TypeInteger))

	out, err := e.Convert(schema.TypeString, schema.TypeInteger, "123")
	require.NoError(t, err)
	assert.Equal(t, int64(123), out)

	// Unparseable values take the rule fallback instead of failing.
	out, err = e.Convert(schema.TypeString, schema.TypeInteger, "not-a-number")
	require.NoError(t, err)
	assert.Equal(t, int64(0), out)

	out, err = e.Convert(schema.TypeString, schema.TypeBoolean, "YES")
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Convert(schema.TypeString, schema.TypeBoolean, "maybe")
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestBoolStringForms(t *testing.T) {
	e := NewEngine()
	for s, want := range map[string]bool{
		"true": true, "1": true, "on": true, " t ": true, "Y": true,
		"false": false, "0": false, "off": false, "N": false,
	} {
		out, err := e.Convert(schema.TypeString, schema.TypeBoolean, s)
		require.NoError(t, err, s)
		assert.Equal(t, want, out, s)
	}
}

func TestNilPassesThrough(t *testing.T) {
	e := NewEngine()
	out, err := e.Convert(schema.TypeString, schema.TypeInteger, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestIdentityConversion(t *testing.T) {
	e := NewEngine()
	out, err := e.Convert(schema.TypeJSON, schema.TypeJSON, `{"a":1}`)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, out)
}

func TestUnknownPairIsIncompatible(t *testing.T) {
	e := NewEngine()
	assert.False(t, e.CanConvert(schema.TypeBinary, schema.TypeInteger))
	assert.Equal(t, schema.Incompatible, e.Safety(schema.TypeBinary, schema.TypeInteger))

	_, err := e.Convert(schema.TypeBinary, schema.TypeInteger, []byte{1})
	require.Error(t, err)
	assert.Equal(t, dserr.KindSchemaConflict, dserr.KindOf(err))
}

func TestRuntimeRegistration(t *testing.T) {
	e := NewEngine()
	require.False(t, e.CanConvert(schema.TypeBinary, schema.TypeJSON))

	e.Register(Rule{
		SourceType: schema.TypeBinary, TargetType: schema.TypeJSON,
		Safety:  schema.Risky,
		Convert: func(v any) (any, error) { return string(v.([]byte)), nil },
	})

	out, err := e.Convert(schema.TypeBinary, schema.TypeJSON, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, `{}`, out)
	assert.Equal(t, schema.Risky, e.Safety(schema.TypeBinary, schema.TypeJSON))
}

func TestSafetyDeterministicAcrossLookupOrder(t *testing.T) {
	e := NewEngine()

	first := e.Safety(schema.TypeString, schema.TypeInteger)
	e.Safety(schema.TypeInteger, schema.TypeString)
	e.Safety(schema.TypeDouble, schema.TypeFloat)
	second := e.Safety(schema.TypeString, schema.TypeInteger)

	assert.Equal(t, first, second)
}

func TestConvertBatch(t *testing.T) {
	e := NewEngine()
	// Remove the fallback so failures surface per element.
	e.Register(Rule{
		SourceType: schema.TypeString, TargetType: schema.TypeInteger,
		Safety:   schema.Dangerous,
		Convert:  parseIntConv,
		Validate: parseIntCheck,
	})

	out, failed := e.ConvertBatch(schema.TypeString, schema.TypeInteger,
		[]any{"1", "oops", "3"})

	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Index)
	assert.Equal(t, int64(1), out[0])
	assert.Equal(t, "oops", out[1])
	assert.Equal(t, int64(3), out[2])
}

func TestEstimateLoss(t *testing.T) {
	e := NewEngine()

	assert.Zero(t, e.EstimateLoss(schema.TypeInteger, schema.TypeString, []any{1, 2, 3}))
	assert.Equal(t, float64(100), e.EstimateLoss(schema.TypeBinary, schema.TypeInteger, nil))

	sample := []any{"1", "2", "x", "4"}
	assert.InDelta(t, 25.0, e.EstimateLoss(schema.TypeString, schema.TypeInteger, sample), 0.01)
}

func TestTimestampParsing(t *testing.T) {
	e := NewEngine()

	out, err := e.Convert(schema.TypeString, schema.TypeTimestamp, "2026-08-31T10:00:00Z")
	require.NoError(t, err)
	ts, ok := out.(time.Time)
	require.True(t, ok)
	assert.Equal(t, 2026, ts.Year())

	_, err = e.Convert(schema.TypeString, schema.TypeTimestamp, "yesterday")
	assert.Error(t, err)
}

func TestRulesSnapshot(t *testing.T) {
	e := NewEngine()
	pairs := e.Rules()
	assert.NotEmpty(t, pairs)
	assert.Contains(t, pairs, fmt.Sprintf("%s->%s:%s",
		schema.TypeInteger, schema.TypeBigInt, schema.Safe))
}
