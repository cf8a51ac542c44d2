package migrate

import (
	"fmt"
	"strings"

	"github.com/driftsync/driftsync/dserr"
	"github.com/driftsync/driftsync/schema"
)

// Plan holds the DDL for one change. Rollback[i] undoes Forward[i];
// rollback executes in reverse order. Irreversible plans can restore
// structure but not data.
type Plan struct {
	Change       schema.Change
	Forward      []string
	Rollback     []string
	Irreversible bool
}

// Planner renders changes into portable DDL.
type Planner struct{}

func NewPlanner() *Planner {
	return &Planner{}
}

// Plan builds forward and rollback DDL for change. table supplies the
// full definition for table-level changes and may be nil otherwise.
func (p *Planner) Plan(change schema.Change, table *schema.Table) (*Plan, error) {
	plan := &Plan{Change: change}

	switch change.Type {
	case schema.AddTable:
		if table == nil {
			return nil, dserr.Migration(nil, "no definition for new table %s.%s",
				change.SchemaName, change.TableName)
		}
		plan.Forward = []string{createTableDDL(*table)}
		plan.Rollback = []string{fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quote(change.TableName))}

	case schema.DropTable:
		plan.Forward = []string{fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quote(change.TableName))}
		if table != nil {
			plan.Rollback = []string{createTableDDL(*table)}
		} else {
			plan.Rollback = []string{""}
		}
		plan.Irreversible = true

	case schema.AddColumn:
		if change.NewColumn == nil {
			return nil, dserr.Migration(nil, "no column definition for %s.%s.%s",
				change.SchemaName, change.TableName, change.ColumnName)
		}
		// IF NOT EXISTS keeps a redelivered ADD idempotent when a mixed
		// pass applied it but never registered the new definition.
		plan.Forward = []string{fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s`,
			quote(change.TableName), columnDDL(*change.NewColumn))}
		plan.Rollback = []string{fmt.Sprintf(`ALTER TABLE %s DROP COLUMN %s`,
			quote(change.TableName), quote(change.ColumnName))}

	case schema.DropColumn:
		if change.OldColumn == nil {
			return nil, dserr.Migration(nil, "no column definition for %s.%s.%s",
				change.SchemaName, change.TableName, change.ColumnName)
		}
		plan.Forward = []string{fmt.Sprintf(`ALTER TABLE %s DROP COLUMN %s`,
			quote(change.TableName), quote(change.ColumnName))}
		plan.Rollback = []string{fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s`,
			quote(change.TableName), columnDDL(*change.OldColumn))}
		plan.Irreversible = true

	case schema.TypeChange:
		newType := sqlType(colOrType(change.NewColumn, change.NewType))
		oldType := sqlType(colOrType(change.OldColumn, change.OldType))
		plan.Forward = []string{alterTypeDDL(change.TableName, change.ColumnName, newType)}
		plan.Rollback = []string{alterTypeDDL(change.TableName, change.ColumnName, oldType)}
		// The reverse cast restores the column's shape, not values the
		// forward cast already mangled.
		plan.Irreversible = change.Safety >= schema.Dangerous

	case schema.NullabilityChange:
		if change.NewColumn == nil || change.OldColumn == nil {
			return nil, dserr.Migration(nil, "no column definition for %s.%s.%s",
				change.SchemaName, change.TableName, change.ColumnName)
		}
		plan.Forward = []string{nullabilityDDL(change.TableName, change.ColumnName, change.NewColumn.Nullable)}
		plan.Rollback = []string{nullabilityDDL(change.TableName, change.ColumnName, change.OldColumn.Nullable)}

	case schema.DefaultChange:
		if change.NewColumn == nil || change.OldColumn == nil {
			return nil, dserr.Migration(nil, "no column definition for %s.%s.%s",
				change.SchemaName, change.TableName, change.ColumnName)
		}
		plan.Forward = []string{defaultDDL(change.TableName, change.ColumnName, change.NewColumn.Default)}
		plan.Rollback = []string{defaultDDL(change.TableName, change.ColumnName, change.OldColumn.Default)}

	default:
		return nil, dserr.Migration(nil, "unplannable change type %s", change.Type)
	}

	return plan, nil
}

func colOrType(c *schema.Column, t schema.ColumnType) schema.Column {
	if c != nil {
		return *c
	}
	return schema.Column{Type: t}
}

func createTableDDL(t schema.Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, `CREATE TABLE IF NOT EXISTS %s (`, quote(t.Name))
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(columnDDL(c))
	}
	if len(t.PrimaryKeys) > 0 {
		b.WriteString(", PRIMARY KEY (")
		for i, k := range t.PrimaryKeys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quote(k))
		}
		b.WriteString(")")
	}
	b.WriteString(")")
	return b.String()
}

func columnDDL(c schema.Column) string {
	var b strings.Builder
	b.WriteString(quote(c.Name))
	b.WriteString(" ")
	b.WriteString(sqlType(c))
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if c.Default != nil {
		b.WriteString(" DEFAULT ")
		b.WriteString(sqlLiteral(c.Default))
	}
	return b.String()
}

func alterTypeDDL(table, column, sqlTyp string) string {
	return fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s`,
		quote(table), quote(column), sqlTyp, quote(column), sqlTyp)
}

func nullabilityDDL(table, column string, nullable bool) string {
	verb := "SET"
	if nullable {
		verb = "DROP"
	}
	return fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN %s %s NOT NULL`,
		quote(table), quote(column), verb)
}

func defaultDDL(table, column string, def any) string {
	if def == nil {
		return fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT`,
			quote(table), quote(column))
	}
	return fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s`,
		quote(table), quote(column), sqlLiteral(def))
}

// sqlType maps the portable column model to destination DDL types.
func sqlType(c schema.Column) string {
	switch c.Type {
	case schema.TypeInteger:
		return "INTEGER"
	case schema.TypeBigInt:
		return "BIGINT"
	case schema.TypeFloat:
		if c.Precision > 0 {
			return fmt.Sprintf("NUMERIC(%d,%d)", c.Precision, c.Scale)
		}
		return "REAL"
	case schema.TypeDouble:
		if c.Precision > 0 {
			return fmt.Sprintf("NUMERIC(%d,%d)", c.Precision, c.Scale)
		}
		return "DOUBLE PRECISION"
	case schema.TypeString:
		if c.MaxLength > 0 {
			return fmt.Sprintf("VARCHAR(%d)", c.MaxLength)
		}
		return "VARCHAR(255)"
	case schema.TypeBoolean:
		return "BOOLEAN"
	case schema.TypeTimestamp:
		return "TIMESTAMP"
	case schema.TypeDate:
		return "DATE"
	case schema.TypeJSON:
		return "JSONB"
	case schema.TypeBinary:
		return "BYTEA"
	}
	return "VARCHAR(255)"
}

func sqlLiteral(v any) string {
	switch x := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case nil:
		return "NULL"
	}
	return fmt.Sprint(v)
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
