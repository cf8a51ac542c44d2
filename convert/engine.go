// Package convert implements the type conversion rule table. Rules map a
// (source, target) logical type pair to a safety classification and a
// converter/validator pair. The table is safe for concurrent lookup and
// runtime registration.
package convert

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/driftsync/driftsync/dserr"
	"github.com/driftsync/driftsync/schema"
)

// Rule converts values from one logical type to another.
type Rule struct {
	SourceType schema.ColumnType
	TargetType schema.ColumnType
	Safety     schema.SafetyLevel

	// Convert transforms a raw value into the target representation.
	Convert func(any) (any, error)
	// Validate pre-checks feasibility without mutating the value. Optional.
	Validate func(any) error
	// Fallback substitutes for values the converter rejects. Only consulted
	// when HasFallback is set, since nil is a legitimate fallback.
	Fallback    any
	HasFallback bool
	// LossEstimate overrides sample probing for data-loss estimation. Optional.
	LossEstimate func(sample []any) float64
}

func ruleKey(src, dst schema.ColumnType) string {
	return string(src) + "\x00" + string(dst)
}

// Engine holds the rule table.
type Engine struct {
	rules *xsync.MapOf[string, Rule]
}

// NewEngine returns an engine loaded with the built-in rule set.
func NewEngine() *Engine {
	e := &Engine{rules: xsync.NewMapOf[string, Rule]()}
	for _, r := range defaultRules() {
		e.Register(r)
	}
	return e
}

// Register adds or replaces a rule at runtime.
func (e *Engine) Register(r Rule) {
	e.rules.Store(ruleKey(r.SourceType, r.TargetType), r)
}

// Lookup returns the rule for the pair, if one exists. Identical types
// resolve to an implicit SAFE identity rule.
func (e *Engine) Lookup(src, dst schema.ColumnType) (Rule, bool) {
	if src == dst {
		return Rule{
			SourceType: src,
			TargetType: dst,
			Safety:     schema.Safe,
			Convert:    func(v any) (any, error) { return v, nil },
		}, true
	}
	r, ok := e.rules.Load(ruleKey(src, dst))
	return r, ok
}

// CanConvert reports whether a rule exists for the pair.
func (e *Engine) CanConvert(src, dst schema.ColumnType) bool {
	_, ok := e.Lookup(src, dst)
	return ok
}

// Safety returns the classification for the pair. No rule in either
// direction means the pair is incompatible.
func (e *Engine) Safety(src, dst schema.ColumnType) schema.SafetyLevel {
	if r, ok := e.Lookup(src, dst); ok {
		return r.Safety
	}
	return schema.Incompatible
}

// Convert transforms one value. Nil passes through untouched. A validator
// failure is a validation error; a converter failure substitutes the rule's
// fallback when one exists and errors otherwise.
func (e *Engine) Convert(src, dst schema.ColumnType, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	rule, ok := e.Lookup(src, dst)
	if !ok {
		return nil, dserr.SchemaConflict(nil, "no conversion rule %s -> %s", src, dst)
	}
	if rule.Validate != nil {
		if err := rule.Validate(value); err != nil {
			if rule.HasFallback {
				return rule.Fallback, nil
			}
			return nil, dserr.Validation(err, "value %v fails %s -> %s validation", value, src, dst)
		}
	}
	out, err := rule.Convert(value)
	if err != nil {
		if rule.HasFallback {
			return rule.Fallback, nil
		}
		return nil, dserr.Validation(err, "converting %v from %s to %s", value, src, dst)
	}
	return out, nil
}

// BatchFailure records one element of a batch that could not convert and
// had no fallback.
type BatchFailure struct {
	Index int
	Err   error
}

// ConvertBatch converts values element-wise. Failed elements keep their
// original value and are reported; fallback rules substitute silently.
func (e *Engine) ConvertBatch(src, dst schema.ColumnType, values []any) ([]any, []BatchFailure) {
	out := make([]any, len(values))
	var failed []BatchFailure
	for i, v := range values {
		converted, err := e.Convert(src, dst, v)
		if err != nil {
			out[i] = v
			failed = append(failed, BatchFailure{Index: i, Err: err})
			continue
		}
		out[i] = converted
	}
	return out, failed
}

// EstimateLoss returns the estimated percentage of sample values that would
// be lost or degraded by the conversion, in [0,100]. SAFE rules lose
// nothing; otherwise the rule's estimator wins, falling back to probing
// each sample value through the validator and converter.
func (e *Engine) EstimateLoss(src, dst schema.ColumnType, sample []any) float64 {
	rule, ok := e.Lookup(src, dst)
	if !ok {
		return 100
	}
	if rule.Safety == schema.Safe {
		return 0
	}
	if rule.LossEstimate != nil {
		return clampPct(rule.LossEstimate(sample))
	}
	if len(sample) == 0 {
		return 0
	}
	lost := 0
	for _, v := range sample {
		if v == nil {
			continue
		}
		if rule.Validate != nil {
			if err := rule.Validate(v); err != nil {
				lost++
				continue
			}
		}
		if _, err := rule.Convert(v); err != nil {
			lost++
		}
	}
	return clampPct(float64(lost) / float64(len(sample)) * 100)
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Rules returns a snapshot of the registered pairs, for diagnostics.
func (e *Engine) Rules() []string {
	var pairs []string
	e.rules.Range(func(_ string, r Rule) bool {
		pairs = append(pairs, fmt.Sprintf("%s->%s:%s", r.SourceType, r.TargetType, r.Safety))
		return true
	})
	return pairs
}
