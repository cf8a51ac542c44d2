package evolution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftsync/driftsync/cfg"
	"github.com/driftsync/driftsync/connector"
	"github.com/driftsync/driftsync/convert"
	"github.com/driftsync/driftsync/detect"
	"github.com/driftsync/driftsync/events"
	"github.com/driftsync/driftsync/meta"
	"github.com/driftsync/driftsync/migrate"
	"github.com/driftsync/driftsync/schema"
	"github.com/driftsync/driftsync/telemetry"
)

// Options wires one orchestrator. Config and Convert are optional: with
// a Config the strategy cascade resolves per table, and with a Convert
// engine type changes get a live data-loss estimate before gating.
type Options struct {
	SchemaName string
	Source     connector.SourceConnector
	Dest       connector.DestinationConnector
	Detector   *detect.Detector
	Engine     *migrate.Engine
	Store      meta.Store
	Events     *events.Publisher
	Interval   time.Duration
	Config     *cfg.Configuration
	Convert    *convert.Engine
}

// lossSampleLimit bounds how many live values feed one loss estimate.
const lossSampleLimit = 200

// Summary counts the outcomes of one evolution pass.
type Summary struct {
	Detected         int
	Applied          int
	AwaitingApproval int
	Rejected         int
	Failed           int
}

// Orchestrator watches one source schema for drift and pushes accepted
// changes through the migration engine. The detection loop and the sync
// workers never talk directly; applied definitions land in the metadata
// store and the sync side picks them up from there.
type Orchestrator struct {
	opts Options

	lifecycleMu sync.Mutex
	running     atomic.Bool
	stopCh      chan struct{}
	doneCh      chan struct{}

	mu       sync.Mutex
	lastPass time.Time
	lastErr  error
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.SchemaName == "" {
		return nil, fmt.Errorf("orchestrator requires a schema name")
	}
	if opts.Source == nil || opts.Dest == nil {
		return nil, fmt.Errorf("orchestrator requires source and destination connectors")
	}
	if opts.Detector == nil || opts.Engine == nil || opts.Store == nil {
		return nil, fmt.Errorf("orchestrator requires detector, engine, and store")
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &Orchestrator{opts: opts}, nil
}

// EvolveOnce runs a single detection pass: introspect the source,
// diff against the last registered definitions, and gate every change
// through the migration engine. Tables whose changes all apply get their
// new definition registered; a blocked change leaves its table on the
// old definition until an operator acts.
func (o *Orchestrator) EvolveOnce(ctx context.Context) (*Summary, error) {
	curr, err := o.opts.Source.Snapshot(ctx, o.opts.SchemaName)
	if err != nil {
		return nil, o.fail(fmt.Errorf("failed to introspect %s: %w", o.opts.SchemaName, err))
	}

	prev, initial, err := o.registeredSnapshot()
	if err != nil {
		return nil, o.fail(err)
	}

	changes := o.opts.Detector.Detect(o.opts.SchemaName, prev, curr)
	summary := &Summary{Detected: len(changes)}
	blocked := make(map[string]bool)
	stringStored := make(map[string]map[string]bool)

	for _, change := range changes {
		telemetry.SchemaChanges.With(string(change.Type), change.Safety.String()).Inc()

		var table *schema.Table
		if t, ok := curr[change.TableName]; ok {
			table = &t
		}

		o.estimateLoss(ctx, &change)

		res, err := o.opts.Engine.ApplyAs(ctx, o.opts.Dest, change, table, o.strategyFor(change.TableName))
		if err != nil {
			summary.Failed++
			blocked[change.TableName] = true
			o.logChangeError(change, err)
			continue
		}

		switch res.Status {
		case migrate.StatusApplied, migrate.StatusSkipped:
			summary.Applied++
			if res.Plan != nil && res.Plan.Change.Details["fallback"] == "string_storage" {
				if stringStored[change.TableName] == nil {
					stringStored[change.TableName] = make(map[string]bool)
				}
				stringStored[change.TableName][change.ColumnName] = true
			}
			o.emit(events.KindSchemaApplied, change, map[string]string{
				"change": string(change.Type),
				"safety": change.Safety.String(),
			})
		case migrate.StatusPlanned:
			// Dry run: nothing reached the destination, so nothing is
			// registered either.
			blocked[change.TableName] = true
		case migrate.StatusAwaitingApproval:
			summary.AwaitingApproval++
			blocked[change.TableName] = true
			o.emit(events.KindApprovalRequested, change, map[string]string{
				"change":    string(change.Type),
				"safety":    change.Safety.String(),
				"change_id": res.ChangeID,
			})
		case migrate.StatusRejected:
			summary.Rejected++
			blocked[change.TableName] = true
			o.logRejection(change, res.Note)
			o.emit(events.KindSchemaRejected, change, map[string]string{
				"change": string(change.Type),
				"safety": change.Safety.String(),
				"reason": res.Note,
			})
		}
	}

	if err := o.registerApplied(curr, prev, changes, blocked, initial, stringStored); err != nil {
		return summary, o.fail(err)
	}

	o.mu.Lock()
	o.lastPass = time.Now()
	o.lastErr = nil
	o.mu.Unlock()
	return summary, nil
}

// ApplyApproved executes an operator-approved change, then registers the
// table's current source definition so sync workers convert against it.
func (o *Orchestrator) ApplyApproved(ctx context.Context, changeID string) error {
	pending, err := o.opts.Store.GetPendingChange(changeID)
	if err != nil {
		return err
	}
	if pending == nil {
		return fmt.Errorf("pending change %s not found", changeID)
	}

	if _, err := o.opts.Engine.ApplyApproved(ctx, o.opts.Dest, changeID); err != nil {
		return err
	}

	curr, err := o.opts.Source.Snapshot(ctx, o.opts.SchemaName)
	if err != nil {
		return fmt.Errorf("failed to introspect %s after approval: %w", o.opts.SchemaName, err)
	}
	if table, ok := curr[pending.TableName]; ok {
		var prevTable *schema.Table
		if v, err := o.opts.Store.GetLatestSchemaVersion(o.opts.SchemaName, pending.TableName); err == nil && v != nil {
			prevTable = &v.Table
		}
		table = mergeStorage(table, prevTable, nil)
		if _, err := o.opts.Store.RegisterSchema(o.opts.SchemaName, table, schema.EvolutionManual); err != nil {
			return err
		}
	}

	o.emit(events.KindSchemaApplied, schema.Change{
		Type:       pending.ChangeType,
		SchemaName: pending.SchemaName,
		TableName:  pending.TableName,
		ColumnName: pending.Column,
		Safety:     pending.Safety,
	}, map[string]string{
		"change":    string(pending.ChangeType),
		"change_id": changeID,
		"approved":  "true",
	})
	return nil
}

// Start launches the periodic detection loop. Idempotent.
func (o *Orchestrator) Start() {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	if o.running.Load() {
		return
	}
	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})
	o.running.Store(true)
	go o.loop()
	log.Info().
		Str("schema", o.opts.SchemaName).
		Dur("interval", o.opts.Interval).
		Msg("Schema evolution started")
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (o *Orchestrator) Stop() {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	if !o.running.Load() {
		return
	}
	close(o.stopCh)
	<-o.doneCh
	o.running.Store(false)
	log.Info().Str("schema", o.opts.SchemaName).Msg("Schema evolution stopped")
}

// Health reports the last pass time and error, if any.
func (o *Orchestrator) Health() (time.Time, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastPass, o.lastErr
}

func (o *Orchestrator) SchemaName() string {
	return o.opts.SchemaName
}

// strategyFor resolves the configured strategy cascade for one table.
// Without a configuration the engine's own strategy applies.
func (o *Orchestrator) strategyFor(tableName string) migrate.Strategy {
	if o.opts.Config == nil {
		return ""
	}
	resolved := o.opts.Config.ResolveTable(o.opts.SchemaName, tableName)
	strategy, err := migrate.ParseStrategy(resolved.Strategy)
	if err != nil {
		return ""
	}
	return strategy
}

// estimateLoss scores a type change against a sample of live column
// values so the loss threshold gates on real data, not a zero default.
func (o *Orchestrator) estimateLoss(ctx context.Context, change *schema.Change) {
	if change.Type != schema.TypeChange || o.opts.Convert == nil {
		return
	}
	sampler, ok := o.opts.Source.(connector.ColumnSampler)
	if !ok {
		return
	}
	sample, err := sampler.SampleColumn(ctx, o.opts.SchemaName, change.TableName, change.ColumnName, lossSampleLimit)
	if err != nil {
		log.Warn().Err(err).
			Str("schema", o.opts.SchemaName).
			Str("table", change.TableName).
			Str("column", change.ColumnName).
			Msg("Column sampling failed, loss estimate unavailable")
		return
	}
	change.EstimatedLossPct = o.opts.Convert.EstimateLoss(change.OldType, change.NewType, sample)
}

func (o *Orchestrator) loop() {
	defer close(o.doneCh)

	for {
		select {
		case <-time.After(o.opts.Interval):
		case <-o.stopCh:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), o.opts.Interval)
		summary, err := o.EvolveOnce(ctx)
		cancel()
		if err != nil {
			log.Error().Err(err).
				Str("schema", o.opts.SchemaName).
				Msg("Evolution pass failed")
			continue
		}
		if summary.Detected > 0 {
			log.Info().
				Str("schema", o.opts.SchemaName).
				Int("detected", summary.Detected).
				Int("applied", summary.Applied).
				Int("awaiting_approval", summary.AwaitingApproval).
				Int("rejected", summary.Rejected).
				Int("failed", summary.Failed).
				Msg("Evolution pass complete")
		}
	}
}

// registeredSnapshot rebuilds the previous snapshot from the latest
// registered version of every table. initial marks tables never seen.
func (o *Orchestrator) registeredSnapshot() (schema.Snapshot, map[string]bool, error) {
	versions, err := o.opts.Store.ListLatestSchemaVersions(o.opts.SchemaName)
	if err != nil {
		return nil, nil, err
	}
	prev := schema.Snapshot{}
	seen := make(map[string]bool, len(versions))
	for _, v := range versions {
		prev[v.TableName] = v.Table
		seen[v.TableName] = true
	}
	return prev, seen, nil
}

// registerApplied records the new definition of every table whose
// detected changes all went through. Storage overrides from string
// fallbacks, past and present, are folded into the registered columns.
func (o *Orchestrator) registerApplied(curr, prev schema.Snapshot, changes []schema.Change, blocked, seen map[string]bool, stringStored map[string]map[string]bool) error {
	touched := make(map[string]bool)
	for _, c := range changes {
		touched[c.TableName] = true
	}
	for name := range touched {
		if blocked[name] {
			continue
		}
		table, ok := curr[name]
		if !ok {
			continue
		}
		prevTable := prev[name]
		table = mergeStorage(table, &prevTable, stringStored[name])
		evo := schema.EvolutionMigration
		if !seen[name] {
			evo = schema.EvolutionInitial
		}
		if _, err := o.opts.Store.RegisterSchema(o.opts.SchemaName, table, evo); err != nil {
			return err
		}
	}
	return nil
}

// mergeStorage carries forward StoredAs markers from the previous
// definition and applies fresh string-storage fallbacks.
func mergeStorage(table schema.Table, prev *schema.Table, fallbacks map[string]bool) schema.Table {
	out := table.Clone()
	for i := range out.Columns {
		col := &out.Columns[i]
		if prev != nil {
			if pc := prev.Column(col.Name); pc != nil && pc.StoredAs != "" && pc.Type == col.Type {
				col.StoredAs = pc.StoredAs
			}
		}
		if fallbacks[col.Name] {
			col.StoredAs = schema.TypeString
		}
	}
	return out
}

func (o *Orchestrator) emit(kind string, change schema.Change, detail map[string]string) {
	if o.opts.Events == nil {
		return
	}
	// Best effort; delivery failures are logged inside the publisher.
	_ = o.opts.Events.Emit(events.Event{
		Kind:       kind,
		SchemaName: o.opts.SchemaName,
		TableName:  change.TableName,
		Detail:     detail,
	})
}

func (o *Orchestrator) logChangeError(change schema.Change, err error) {
	log.Error().Err(err).
		Str("schema", change.SchemaName).
		Str("table", change.TableName).
		Str("change", string(change.Type)).
		Msg("Migration failed")
	_, logErr := o.opts.Store.LogError(meta.ErrorRecord{
		SchemaName: change.SchemaName,
		TableName:  change.TableName,
		Kind:       "migration",
		Message:    err.Error(),
		MaxRetries: 1,
	}, time.Hour)
	if logErr != nil {
		log.Warn().Err(logErr).Msg("Failed to record migration error")
	}
}

func (o *Orchestrator) logRejection(change schema.Change, note string) {
	_, err := o.opts.Store.LogError(meta.ErrorRecord{
		SchemaName: change.SchemaName,
		TableName:  change.TableName,
		Kind:       "schema_conflict",
		Message:    fmt.Sprintf("%s on %s rejected: %s", change.Type, changeTarget(change), note),
		MaxRetries: 1,
	}, time.Hour)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to record rejection")
	}
}

func changeTarget(change schema.Change) string {
	if change.ColumnName != "" {
		return change.TableName + "." + change.ColumnName
	}
	return change.TableName
}

func (o *Orchestrator) fail(err error) error {
	o.mu.Lock()
	o.lastErr = err
	o.mu.Unlock()
	return err
}
