package migrate

import (
	"fmt"

	"github.com/driftsync/driftsync/schema"
)

// Strategy controls which safety levels apply automatically, which queue
// for operator approval, and which are rejected.
type Strategy string

const (
	Strict       Strategy = "STRICT"
	Conservative Strategy = "CONSERVATIVE"
	Permissive   Strategy = "PERMISSIVE"
	Aggressive   Strategy = "AGGRESSIVE"
)

// ParseStrategy validates the config form of a strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case Strict, Conservative, Permissive, Aggressive:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown evolution strategy %q", s)
}

// Decision is the gate's verdict for one change.
type Decision int

const (
	// DecideApply runs the migration immediately.
	DecideApply Decision = iota
	// DecideApproval records the change and waits for an operator.
	DecideApproval
	// DecideReject refuses the change outright.
	DecideReject
	// DecideFallback stores the column as a string instead of migrating
	// to an incompatible type. Aggressive only.
	DecideFallback
)

func (d Decision) String() string {
	switch d {
	case DecideApply:
		return "apply"
	case DecideApproval:
		return "approval"
	case DecideReject:
		return "reject"
	case DecideFallback:
		return "fallback"
	}
	return "unknown"
}

// Decide maps (strategy, safety, estimated loss) to a verdict.
//
// Incompatible changes never apply as detected: Aggressive demotes the
// column to string storage, every other strategy rejects. Estimated loss
// above the threshold rejects changes that would otherwise auto-apply.
func Decide(strategy Strategy, safety schema.SafetyLevel, lossPct, lossThreshold float64) Decision {
	if safety == schema.Incompatible {
		if strategy == Aggressive {
			return DecideFallback
		}
		return DecideReject
	}
	if lossThreshold > 0 && lossPct > lossThreshold {
		return DecideReject
	}

	switch strategy {
	case Strict:
		if safety == schema.Safe {
			return DecideApply
		}
		return DecideReject
	case Conservative:
		if safety == schema.Safe {
			return DecideApply
		}
		return DecideApproval
	case Permissive:
		if safety <= schema.Risky {
			return DecideApply
		}
		return DecideApproval
	case Aggressive:
		return DecideApply
	}
	return DecideReject
}
