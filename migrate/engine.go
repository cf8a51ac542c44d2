package migrate

import (
	"context"
	"fmt"
	"sync"

	"github.com/jizhuozhi/go-future"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/driftsync/driftsync/connector"
	"github.com/driftsync/driftsync/dserr"
	"github.com/driftsync/driftsync/meta"
	"github.com/driftsync/driftsync/schema"
	"github.com/driftsync/driftsync/telemetry"
)

// Migration outcomes.
const (
	StatusApplied          = "APPLIED"
	StatusSkipped          = "SKIPPED"
	StatusAwaitingApproval = "AWAITING_APPROVAL"
	StatusRejected         = "REJECTED"
	StatusFailed           = "FAILED"
	StatusRolledBack       = "ROLLED_BACK"
	StatusPlanned          = "PLANNED"
)

// Result reports what the engine did with one change.
type Result struct {
	Status   string
	Plan     *Plan
	ChangeID string
	Note     string
}

// Options tune the engine. MaxConcurrent bounds migrations in flight
// across all tables; migrations on the same table always serialize.
type Options struct {
	Strategy         Strategy
	LossThresholdPct float64
	MaxConcurrent    int
	DryRun           bool
}

// Engine gates detected changes through the strategy, renders DDL, and
// applies it to the destination with rollback on failure.
type Engine struct {
	planner *Planner
	store   meta.Store
	opts    Options

	locks *xsync.MapOf[string, *sync.Mutex]
	sem   chan struct{}
}

func NewEngine(store meta.Store, opts Options) *Engine {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	return &Engine{
		planner: NewPlanner(),
		store:   store,
		opts:    opts,
		locks:   xsync.NewMapOf[string, *sync.Mutex](),
		sem:     make(chan struct{}, opts.MaxConcurrent),
	}
}

// Apply runs one change through the strategy gate. table supplies the
// full definition for table-level changes; see Planner.Plan.
//
// Rejections and approval queueing are reported in the Result, not as
// errors. The error return is reserved for execution failures.
func (e *Engine) Apply(ctx context.Context, dest connector.DestinationConnector, change schema.Change, table *schema.Table) (*Result, error) {
	return e.ApplyAs(ctx, dest, change, table, e.opts.Strategy)
}

// ApplyAs is Apply under an explicit strategy, for callers that resolve
// a per-schema or per-table override. An empty strategy falls back to
// the engine's configured one.
func (e *Engine) ApplyAs(ctx context.Context, dest connector.DestinationConnector, change schema.Change, table *schema.Table, strategy Strategy) (*Result, error) {
	if strategy == "" {
		strategy = e.opts.Strategy
	}
	decision := Decide(strategy, change.Safety, change.EstimatedLossPct, e.opts.LossThresholdPct)

	switch decision {
	case DecideReject:
		telemetry.Migrations.With("rejected").Inc()
		log.Info().
			Str("schema", change.SchemaName).
			Str("table", change.TableName).
			Str("change", string(change.Type)).
			Str("safety", change.Safety.String()).
			Str("strategy", string(strategy)).
			Msg("Change rejected by strategy")
		return &Result{Status: StatusRejected, Note: rejectionNote(strategy, e.opts.LossThresholdPct, change)}, nil

	case DecideFallback:
		log.Warn().
			Str("schema", change.SchemaName).
			Str("table", change.TableName).
			Str("column", change.ColumnName).
			Str("from", string(change.OldType)).
			Str("to", string(change.NewType)).
			Msg("Incompatible change demoted to string storage")
		change = fallbackToString(change)
	}

	plan, err := e.planner.Plan(change, table)
	if err != nil {
		return nil, err
	}

	if decision == DecideApproval {
		pending, err := e.store.AddPendingChange(meta.PendingChange{
			SchemaName: change.SchemaName,
			TableName:  change.TableName,
			ChangeType: change.Type,
			Safety:     change.Safety,
			Column:     change.ColumnName,
			Forward:    plan.Forward,
			Rollback:   plan.Rollback,
			Detail:     changeDetail(change),
		})
		if err != nil {
			return nil, err
		}
		telemetry.Migrations.With("awaiting_approval").Inc()
		return &Result{Status: StatusAwaitingApproval, Plan: plan, ChangeID: pending.ID}, nil
	}

	if len(plan.Forward) == 0 {
		return &Result{Status: StatusSkipped, Plan: plan}, nil
	}
	if e.opts.DryRun {
		log.Info().
			Str("schema", change.SchemaName).
			Str("table", change.TableName).
			Strs("ddl", plan.Forward).
			Msg("Dry run, migration planned only")
		return &Result{Status: StatusPlanned, Plan: plan}, nil
	}

	status, err := e.execute(ctx, dest, change.SchemaName, change.TableName, plan.Forward, plan.Rollback)
	if err != nil {
		return &Result{Status: status, Plan: plan}, err
	}
	telemetry.Migrations.With("applied").Inc()
	log.Info().
		Str("schema", change.SchemaName).
		Str("table", change.TableName).
		Str("change", string(change.Type)).
		Int("statements", len(plan.Forward)).
		Msg("Migration applied")
	return &Result{Status: StatusApplied, Plan: plan}, nil
}

// ApplyAsync runs Apply on its own goroutine and resolves the returned
// future with the result.
func (e *Engine) ApplyAsync(ctx context.Context, dest connector.DestinationConnector, change schema.Change, table *schema.Table) *future.Future[*Result] {
	p := future.NewPromise[*Result]()
	go func() {
		r, err := e.Apply(ctx, dest, change, table)
		p.Set(r, err)
	}()
	return p.Future()
}

// ApplyApproved executes a change an operator approved, then marks it
// applied. A failed execution leaves the change approved for retry.
func (e *Engine) ApplyApproved(ctx context.Context, dest connector.DestinationConnector, changeID string) (*Result, error) {
	pending, err := e.store.GetPendingChange(changeID)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, dserr.Migration(nil, "pending change %s not found", changeID)
	}
	if pending.Status != meta.ChangeApproved {
		return nil, dserr.Migration(nil, "pending change %s is %s, not %s",
			changeID, pending.Status, meta.ChangeApproved)
	}

	status, err := e.execute(ctx, dest, pending.SchemaName, pending.TableName, pending.Forward, pending.Rollback)
	if err != nil {
		return &Result{Status: status, ChangeID: changeID}, err
	}
	if err := e.store.SetPendingChangeStatus(changeID, meta.ChangeApplied); err != nil {
		return nil, err
	}
	telemetry.Migrations.With("applied").Inc()
	log.Info().
		Str("change_id", changeID).
		Str("schema", pending.SchemaName).
		Str("table", pending.TableName).
		Msg("Approved migration applied")
	return &Result{Status: StatusApplied, ChangeID: changeID}, nil
}

// execute applies forward statements one at a time under the table lock.
// On failure the already-applied statements are undone in reverse order.
func (e *Engine) execute(ctx context.Context, dest connector.DestinationConnector, schemaName, tableName string, forward, rollback []string) (string, error) {
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return StatusFailed, ctx.Err()
	}

	mu, _ := e.locks.LoadOrStore(schemaName+"\x00"+tableName, &sync.Mutex{})
	mu.Lock()
	defer mu.Unlock()

	for i, stmt := range forward {
		if err := dest.ApplyDDL(ctx, schemaName, []string{stmt}); err != nil {
			if rbErr := e.rollback(ctx, dest, schemaName, rollback, i); rbErr != nil {
				telemetry.Migrations.With("failed").Inc()
				return StatusFailed, dserr.Migration(err,
					"migration of %s.%s failed at statement %d and rollback also failed: %v",
					schemaName, tableName, i+1, rbErr)
			}
			telemetry.Migrations.With("rolled_back").Inc()
			log.Error().Err(err).
				Str("schema", schemaName).
				Str("table", tableName).
				Int("statement", i+1).
				Msg("Migration failed, rolled back")
			return StatusRolledBack, dserr.Migration(err,
				"migration of %s.%s failed at statement %d, rolled back", schemaName, tableName, i+1)
		}
	}
	return StatusApplied, nil
}

// rollback undoes forward statements [0, applied) in reverse order.
func (e *Engine) rollback(ctx context.Context, dest connector.DestinationConnector, schemaName string, rollback []string, applied int) error {
	for i := applied - 1; i >= 0; i-- {
		if i >= len(rollback) || rollback[i] == "" {
			continue
		}
		if err := dest.ApplyDDL(ctx, schemaName, []string{rollback[i]}); err != nil {
			return fmt.Errorf("rollback statement %d: %w", i+1, err)
		}
	}
	return nil
}

// fallbackToString rewrites an incompatible change to target string
// storage so the raw value survives verbatim.
func fallbackToString(change schema.Change) schema.Change {
	if change.NewColumn != nil {
		col := *change.NewColumn
		col.Type = schema.TypeString
		col.MaxLength = 0
		change.NewColumn = &col
	}
	change.NewType = schema.TypeString
	if change.Details == nil {
		change.Details = map[string]string{}
	}
	change.Details["fallback"] = "string_storage"
	return change
}

func changeDetail(change schema.Change) string {
	target := change.TableName
	if change.ColumnName != "" {
		target += "." + change.ColumnName
	}
	return fmt.Sprintf("%s on %s (%s)", change.Type, target, change.Safety)
}

func rejectionNote(strategy Strategy, lossThreshold float64, change schema.Change) string {
	if change.Safety != schema.Incompatible &&
		lossThreshold > 0 && change.EstimatedLossPct > lossThreshold {
		return fmt.Sprintf("estimated loss %.1f%% exceeds threshold %.1f%%",
			change.EstimatedLossPct, lossThreshold)
	}
	return fmt.Sprintf("%s change not allowed under %s strategy", change.Safety, strategy)
}
