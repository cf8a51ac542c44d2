// Package detect diffs schema snapshots and classifies the differences.
package detect

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"

	"github.com/driftsync/driftsync/convert"
	"github.com/driftsync/driftsync/schema"
)

// Config controls which tables and columns participate in detection.
type Config struct {
	// ExcludedTables and ExcludedColumns are glob patterns. Column patterns
	// match both "column" and "table.column".
	ExcludedTables  []string
	ExcludedColumns []string
	// NoRemovalTables lists table patterns whose removals (table or column)
	// classify INCOMPATIBLE instead of RISKY.
	NoRemovalTables []string
}

// Stats counts detections since construction.
type Stats struct {
	Passes   uint64
	ByType   map[schema.ChangeType]uint64
	BySafety map[schema.SafetyLevel]uint64
}

// Detector compares a previously recorded snapshot against a freshly
// introspected one. Stateless per call; the last-seen cache only lets
// callers diff against "whatever we saw last time".
type Detector struct {
	conv *convert.Engine

	excludedTables  []glob.Glob
	excludedColumns []glob.Glob
	noRemovals      []glob.Glob

	mu       sync.Mutex
	lastSeen map[string]schema.Snapshot
	stats    Stats
}

// NewDetector compiles the config patterns and returns a detector bound to
// the given conversion engine.
func NewDetector(conv *convert.Engine, cfg Config) (*Detector, error) {
	d := &Detector{
		conv:     conv,
		lastSeen: make(map[string]schema.Snapshot),
		stats: Stats{
			ByType:   make(map[schema.ChangeType]uint64),
			BySafety: make(map[schema.SafetyLevel]uint64),
		},
	}

	var err error
	if d.excludedTables, err = compileGlobs(cfg.ExcludedTables); err != nil {
		return nil, fmt.Errorf("excluded table pattern: %w", err)
	}
	if d.excludedColumns, err = compileGlobs(cfg.ExcludedColumns); err != nil {
		return nil, fmt.Errorf("excluded column pattern: %w", err)
	}
	if d.noRemovals, err = compileGlobs(cfg.NoRemovalTables); err != nil {
		return nil, fmt.Errorf("no-removal table pattern: %w", err)
	}
	return d, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

func matchAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// Detect diffs prev against curr and returns the ordered change list.
// Excluded tables and columns produce no changes.
func (d *Detector) Detect(schemaName string, prev, curr schema.Snapshot) []schema.Change {
	now := time.Now().UTC()
	var changes []schema.Change

	for name, currTable := range curr {
		if matchAny(d.excludedTables, name) {
			continue
		}
		prevTable, existed := prev[name]
		if !existed {
			changes = append(changes, schema.Change{
				Type:       schema.AddTable,
				SchemaName: schemaName,
				TableName:  name,
				Safety:     schema.Safe,
				DetectedAt: now,
			})
			continue
		}
		changes = append(changes, d.diffTable(schemaName, prevTable, currTable, now)...)
	}

	for name := range prev {
		if matchAny(d.excludedTables, name) {
			continue
		}
		if _, still := curr[name]; still {
			continue
		}
		changes = append(changes, d.removal(schema.DropTable, schemaName, name, "", nil, now))
	}

	sortChanges(changes)
	d.record(schemaName, curr, changes)
	return changes
}

// DetectAgainstLast diffs curr against the last snapshot this detector saw
// for schemaName. The first call observes everything as new tables.
func (d *Detector) DetectAgainstLast(schemaName string, curr schema.Snapshot) []schema.Change {
	d.mu.Lock()
	prev := d.lastSeen[schemaName]
	d.mu.Unlock()
	if prev == nil {
		prev = schema.Snapshot{}
	}
	return d.Detect(schemaName, prev, curr)
}

func (d *Detector) diffTable(schemaName string, prev, curr schema.Table, now time.Time) []schema.Change {
	var changes []schema.Change
	name := curr.Name

	for i := range curr.Columns {
		col := curr.Columns[i]
		if d.columnExcluded(name, col.Name) {
			continue
		}
		old := prev.Column(col.Name)
		if old == nil {
			changes = append(changes, schema.Change{
				Type:       schema.AddColumn,
				SchemaName: schemaName,
				TableName:  name,
				ColumnName: col.Name,
				NewColumn:  &col,
				NewType:    col.Type,
				Safety:     schema.Safe,
				DetectedAt: now,
			})
			continue
		}

		if old.Type != col.Type {
			changes = append(changes, d.typeChange(schemaName, name, *old, col, now))
		}
		if old.Nullable != col.Nullable {
			safety := schema.Safe
			if !col.Nullable {
				// Tightening to NOT NULL can reject existing rows.
				safety = schema.Risky
			}
			changes = append(changes, schema.Change{
				Type:       schema.NullabilityChange,
				SchemaName: schemaName,
				TableName:  name,
				ColumnName: col.Name,
				OldColumn:  old,
				NewColumn:  &col,
				Safety:     safety,
				DetectedAt: now,
			})
		}
		if fmt.Sprint(old.Default) != fmt.Sprint(col.Default) {
			changes = append(changes, schema.Change{
				Type:       schema.DefaultChange,
				SchemaName: schemaName,
				TableName:  name,
				ColumnName: col.Name,
				OldColumn:  old,
				NewColumn:  &col,
				Safety:     schema.Safe,
				DetectedAt: now,
			})
		}
	}

	for i := range prev.Columns {
		old := prev.Columns[i]
		if d.columnExcluded(name, old.Name) {
			continue
		}
		if curr.Column(old.Name) == nil {
			changes = append(changes, d.removal(schema.DropColumn, schemaName, name, old.Name, &old, now))
		}
	}

	return changes
}

// typeChange classifies by the worse of the forward and reverse conversion
// rules: applying the change commits the destination to round-tripping
// existing data, so INTEGER->STRING inherits the DANGEROUS reverse parse.
func (d *Detector) typeChange(schemaName, table string, old, curr schema.Column, now time.Time) schema.Change {
	forward := d.conv.Safety(old.Type, curr.Type)
	reverse := d.conv.Safety(curr.Type, old.Type)
	safety := forward.Worse(reverse)

	ch := schema.Change{
		Type:             schema.TypeChange,
		SchemaName:       schemaName,
		TableName:        table,
		ColumnName:       curr.Name,
		OldColumn:        &old,
		NewColumn:        &curr,
		OldType:          old.Type,
		NewType:          curr.Type,
		Safety:           safety,
		RequiresApproval: safety >= schema.Dangerous,
		Details: map[string]string{
			"forward_safety": forward.String(),
			"reverse_safety": reverse.String(),
		},
		DetectedAt: now,
	}
	if safety == schema.Incompatible {
		log.Warn().
			Str("schema", schemaName).
			Str("table", table).
			Str("column", curr.Name).
			Str("from", string(old.Type)).
			Str("to", string(curr.Type)).
			Msg("No conversion rule for detected type change")
	}
	return ch
}

func (d *Detector) removal(ct schema.ChangeType, schemaName, table, column string, old *schema.Column, now time.Time) schema.Change {
	safety := schema.Risky
	if matchAny(d.noRemovals, table) {
		safety = schema.Incompatible
	}
	ch := schema.Change{
		Type:             ct,
		SchemaName:       schemaName,
		TableName:        table,
		ColumnName:       column,
		OldColumn:        old,
		Safety:           safety,
		RequiresApproval: safety >= schema.Dangerous,
		DetectedAt:       now,
	}
	if old != nil {
		ch.OldType = old.Type
	}
	return ch
}

func (d *Detector) columnExcluded(table, column string) bool {
	return matchAny(d.excludedColumns, column) ||
		matchAny(d.excludedColumns, table+"."+column)
}

var typeOrder = map[schema.ChangeType]int{
	schema.AddTable:          0,
	schema.AddColumn:         1,
	schema.TypeChange:        2,
	schema.NullabilityChange: 3,
	schema.DefaultChange:     4,
	schema.DropColumn:        5,
	schema.DropTable:         6,
}

// sortChanges orders deterministically: table, then change-type precedence
// (additive before destructive), then column.
func sortChanges(changes []schema.Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if a.TableName != b.TableName {
			return a.TableName < b.TableName
		}
		if typeOrder[a.Type] != typeOrder[b.Type] {
			return typeOrder[a.Type] < typeOrder[b.Type]
		}
		return a.ColumnName < b.ColumnName
	})
}

func (d *Detector) record(schemaName string, curr schema.Snapshot, changes []schema.Change) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSeen[schemaName] = curr.Clone()
	d.stats.Passes++
	for _, ch := range changes {
		d.stats.ByType[ch.Type]++
		d.stats.BySafety[ch.Safety]++
	}
}

// Stats returns a copy of the accumulated detection counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := Stats{
		Passes:   d.stats.Passes,
		ByType:   make(map[schema.ChangeType]uint64, len(d.stats.ByType)),
		BySafety: make(map[schema.SafetyLevel]uint64, len(d.stats.BySafety)),
	}
	for k, v := range d.stats.ByType {
		out.ByType[k] = v
	}
	for k, v := range d.stats.BySafety {
		out.BySafety[k] = v
	}
	return out
}
