package convert

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/driftsync/driftsync/schema"
)

const int32Bound = math.MaxInt32

// defaultRules builds the built-in conversion table. Widening conversions
// are SAFE, narrowing conversions RISKY with a bounds validator, and parsed
// conversions DANGEROUS with a fallback value.
func defaultRules() []Rule {
	rules := []Rule{
		// Numeric widening.
		{SourceType: schema.TypeInteger, TargetType: schema.TypeBigInt, Safety: schema.Safe, Convert: toInt64Conv},
		{SourceType: schema.TypeInteger, TargetType: schema.TypeFloat, Safety: schema.Safe, Convert: toFloat64Conv},
		{SourceType: schema.TypeInteger, TargetType: schema.TypeDouble, Safety: schema.Safe, Convert: toFloat64Conv},
		{SourceType: schema.TypeFloat, TargetType: schema.TypeDouble, Safety: schema.Safe, Convert: toFloat64Conv},
		{SourceType: schema.TypeBigInt, TargetType: schema.TypeDouble, Safety: schema.Safe, Convert: toFloat64Conv},

		// Numeric narrowing.
		{
			SourceType: schema.TypeBigInt, TargetType: schema.TypeInteger, Safety: schema.Risky,
			Convert:  toInt64Conv,
			Validate: int32BoundsCheck,
		},
		{
			SourceType: schema.TypeDouble, TargetType: schema.TypeFloat, Safety: schema.Risky,
			Convert: func(v any) (any, error) {
				f, err := toFloat64(v)
				if err != nil {
					return nil, err
				}
				return float64(float32(f)), nil
			},
		},
		{
			SourceType: schema.TypeInteger, TargetType: schema.TypeBoolean, Safety: schema.Risky,
			Convert: func(v any) (any, error) {
				n, err := toInt64(v)
				if err != nil {
					return nil, err
				}
				return n != 0, nil
			},
			Validate: func(v any) error {
				n, err := toInt64(v)
				if err != nil {
					return err
				}
				if n != 0 && n != 1 {
					return fmt.Errorf("integer %d is not a boolean 0/1", n)
				}
				return nil
			},
		},

		// Parsed conversions from string.
		{
			SourceType: schema.TypeString, TargetType: schema.TypeInteger, Safety: schema.Dangerous,
			Convert:  parseIntConv,
			Validate: parseIntCheck,
			Fallback: int64(0), HasFallback: true,
		},
		{
			SourceType: schema.TypeString, TargetType: schema.TypeBigInt, Safety: schema.Dangerous,
			Convert:  parseIntConv,
			Validate: parseIntCheck,
			Fallback: int64(0), HasFallback: true,
		},
		{
			SourceType: schema.TypeString, TargetType: schema.TypeFloat, Safety: schema.Dangerous,
			Convert:  parseFloatConv,
			Validate: parseFloatCheck,
			Fallback: 0.0, HasFallback: true,
		},
		{
			SourceType: schema.TypeString, TargetType: schema.TypeDouble, Safety: schema.Dangerous,
			Convert:  parseFloatConv,
			Validate: parseFloatCheck,
			Fallback: 0.0, HasFallback: true,
		},
		{
			SourceType: schema.TypeString, TargetType: schema.TypeBoolean, Safety: schema.Dangerous,
			Convert:  parseBoolConv,
			Validate: parseBoolCheck,
			Fallback: false, HasFallback: true,
		},
		{
			SourceType: schema.TypeString, TargetType: schema.TypeTimestamp, Safety: schema.Dangerous,
			Convert: func(v any) (any, error) { return parseTime(v, time.RFC3339) },
		},
		{
			SourceType: schema.TypeString, TargetType: schema.TypeDate, Safety: schema.Dangerous,
			Convert: func(v any) (any, error) { return parseTime(v, "2006-01-02") },
		},
		{
			SourceType: schema.TypeString, TargetType: schema.TypeJSON, Safety: schema.Dangerous,
			Convert: func(v any) (any, error) {
				s := fmt.Sprint(v)
				if !json.Valid([]byte(s)) {
					return nil, fmt.Errorf("string is not valid JSON")
				}
				return s, nil
			},
		},

		// Temporal.
		{
			SourceType: schema.TypeTimestamp, TargetType: schema.TypeDate, Safety: schema.Risky,
			Convert: func(v any) (any, error) {
				ts, ok := v.(time.Time)
				if !ok {
					return nil, fmt.Errorf("expected time.Time, got %T", v)
				}
				return ts.Truncate(24 * time.Hour), nil
			},
		},
		{
			SourceType: schema.TypeDate, TargetType: schema.TypeTimestamp, Safety: schema.Safe,
			Convert: func(v any) (any, error) { return v, nil },
		},

		// Structured to primitive.
		{
			SourceType: schema.TypeJSON, TargetType: schema.TypeBinary, Safety: schema.Dangerous,
			Convert: func(v any) (any, error) { return []byte(fmt.Sprint(v)), nil },
		},
		{
			SourceType: schema.TypeBinary, TargetType: schema.TypeString, Safety: schema.Risky,
			Convert: func(v any) (any, error) {
				b, ok := v.([]byte)
				if !ok {
					return nil, fmt.Errorf("expected []byte, got %T", v)
				}
				return string(b), nil
			},
		},
	}

	// Anything formats to string losslessly.
	for _, src := range []schema.ColumnType{
		schema.TypeInteger, schema.TypeBigInt, schema.TypeFloat, schema.TypeDouble,
		schema.TypeBoolean, schema.TypeTimestamp, schema.TypeDate, schema.TypeJSON,
	} {
		rules = append(rules, Rule{
			SourceType: src, TargetType: schema.TypeString, Safety: schema.Safe,
			Convert: formatStringConv,
		})
	}

	// NULL converts to anything as nil.
	for dst := range map[schema.ColumnType]struct{}{
		schema.TypeInteger: {}, schema.TypeBigInt: {}, schema.TypeFloat: {},
		schema.TypeDouble: {}, schema.TypeString: {}, schema.TypeBoolean: {},
		schema.TypeTimestamp: {}, schema.TypeDate: {}, schema.TypeJSON: {},
		schema.TypeBinary: {},
	} {
		rules = append(rules, Rule{
			SourceType: schema.TypeNull, TargetType: dst, Safety: schema.Safe,
			Convert: func(any) (any, error) { return nil, nil },
		})
	}

	return rules
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("uint64 %d overflows int64", n)
		}
		return int64(n), nil
	case float32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	}
	return 0, fmt.Errorf("not an integer value: %T", v)
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	}
	if i, err := toInt64(v); err == nil {
		return float64(i), nil
	}
	return 0, fmt.Errorf("not a numeric value: %T", v)
}

func toInt64Conv(v any) (any, error) {
	n, err := toInt64(v)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func toFloat64Conv(v any) (any, error) {
	f, err := toFloat64(v)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func int32BoundsCheck(v any) error {
	n, err := toInt64(v)
	if err != nil {
		return err
	}
	if n > int32Bound || n < -int32Bound {
		return fmt.Errorf("value %d outside 32-bit integer range", n)
	}
	return nil
}

func formatStringConv(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t.Format(time.RFC3339), nil
	case []byte:
		return string(t), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32), nil
	}
	return fmt.Sprint(v), nil
}

func parseIntConv(v any) (any, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(fmt.Sprint(v)), 10, 64)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func parseIntCheck(v any) error {
	_, err := strconv.ParseInt(strings.TrimSpace(fmt.Sprint(v)), 10, 64)
	return err
}

func parseFloatConv(v any) (any, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(fmt.Sprint(v)), 64)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func parseFloatCheck(v any) error {
	_, err := strconv.ParseFloat(strings.TrimSpace(fmt.Sprint(v)), 64)
	return err
}

var truthyStrings = map[string]bool{
	"true": true, "1": true, "yes": true, "on": true, "t": true, "y": true,
	"false": false, "0": false, "no": false, "off": false, "f": false, "n": false,
}

func parseBool(v any) (bool, error) {
	s := strings.ToLower(strings.TrimSpace(fmt.Sprint(v)))
	b, ok := truthyStrings[s]
	if !ok {
		return false, fmt.Errorf("unrecognized boolean string %q", s)
	}
	return b, nil
}

func parseBoolConv(v any) (any, error) {
	b, err := parseBool(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func parseBoolCheck(v any) error {
	_, err := parseBool(v)
	return err
}

func parseTime(v any, layout string) (any, error) {
	if t, ok := v.(time.Time); ok {
		return t, nil
	}
	t, err := time.Parse(layout, strings.TrimSpace(fmt.Sprint(v)))
	if err != nil {
		return nil, err
	}
	return t, nil
}
