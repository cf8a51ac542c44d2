package cfg

// ResolvedTable is the immutable per-table view of the cascading
// global/schema/table configuration, computed once at startup. The most
// specific level wins for every field.
type ResolvedTable struct {
	SchemaName       string
	TableName        string
	Enabled          bool
	MaxParallel      int
	WriteBatchSize   int
	StreamBatchSize  int
	DeletionStrategy string
	SoftDeleteColumn string
	Strategy         string
}

// SchemaByName returns the configuration block for a schema, or nil.
func (c *Configuration) SchemaByName(name string) *SchemaConfiguration {
	for i := range c.Schemas {
		if c.Schemas[i].Name == name {
			return &c.Schemas[i]
		}
	}
	return nil
}

// ResolveTable collapses the configuration hierarchy for one table.
// Unconfigured tables get schema/global defaults and are enabled.
func (c *Configuration) ResolveTable(schemaName, tableName string) ResolvedTable {
	out := ResolvedTable{
		SchemaName:       schemaName,
		TableName:        tableName,
		Enabled:          true,
		MaxParallel:      c.Sync.MaxParallelStreams,
		WriteBatchSize:   c.Sync.WriteBatchSize,
		StreamBatchSize:  c.Sync.StreamBatchSize,
		DeletionStrategy: "hard",
		Strategy:         c.Evolution.Strategy,
	}

	sc := c.SchemaByName(schemaName)
	if sc == nil {
		return out
	}
	if sc.MaxParallel > 0 {
		out.MaxParallel = sc.MaxParallel
	}

	for i := range sc.Tables {
		tc := &sc.Tables[i]
		if tc.Name != tableName {
			continue
		}
		if tc.Enabled != nil {
			out.Enabled = *tc.Enabled
		}
		if tc.MaxParallel > 0 {
			out.MaxParallel = tc.MaxParallel
		}
		if tc.WriteBatchSize > 0 {
			out.WriteBatchSize = tc.WriteBatchSize
		}
		if tc.DeletionStrategy != "" {
			out.DeletionStrategy = tc.DeletionStrategy
		}
		if tc.SoftDeleteColumn != "" {
			out.SoftDeleteColumn = tc.SoftDeleteColumn
		}
		if tc.Strategy != "" {
			out.Strategy = tc.Strategy
		}
		break
	}
	return out
}
