package schema

import "time"

// ChangeType identifies one kind of structural drift.
type ChangeType string

const (
	AddTable          ChangeType = "ADD_TABLE"
	DropTable         ChangeType = "DROP_TABLE"
	AddColumn         ChangeType = "ADD_COLUMN"
	DropColumn        ChangeType = "DROP_COLUMN"
	TypeChange        ChangeType = "TYPE_CHANGE"
	NullabilityChange ChangeType = "NULLABILITY_CHANGE"
	DefaultChange     ChangeType = "DEFAULT_CHANGE"
)

// SafetyLevel classifies how likely a change is to lose or corrupt data.
// Levels are ordered; Worse picks the higher of two.
type SafetyLevel int

const (
	Safe SafetyLevel = iota
	Risky
	Dangerous
	Incompatible
)

func (s SafetyLevel) String() string {
	switch s {
	case Safe:
		return "SAFE"
	case Risky:
		return "RISKY"
	case Dangerous:
		return "DANGEROUS"
	case Incompatible:
		return "INCOMPATIBLE"
	}
	return "UNKNOWN"
}

// ParseSafetyLevel converts the wire form back to a level.
func ParseSafetyLevel(s string) (SafetyLevel, bool) {
	switch s {
	case "SAFE":
		return Safe, true
	case "RISKY":
		return Risky, true
	case "DANGEROUS":
		return Dangerous, true
	case "INCOMPATIBLE":
		return Incompatible, true
	}
	return Safe, false
}

// Worse returns the more severe of the two levels.
func (s SafetyLevel) Worse(o SafetyLevel) SafetyLevel {
	if o > s {
		return o
	}
	return s
}

// Change is one detected structural difference between a stored table
// definition and a freshly introspected one.
type Change struct {
	Type             ChangeType
	SchemaName       string
	TableName        string
	ColumnName       string
	OldColumn        *Column
	NewColumn        *Column
	OldType          ColumnType
	NewType          ColumnType
	Safety           SafetyLevel
	RequiresApproval bool
	EstimatedLossPct float64
	Details          map[string]string
	DetectedAt       time.Time
}

// EvolutionType names the kind of version bump recorded in the store.
type EvolutionType string

const (
	EvolutionInitial   EvolutionType = "initial"
	EvolutionMigration EvolutionType = "migration"
	EvolutionManual    EvolutionType = "manual"
)
