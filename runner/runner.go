package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftsync/driftsync/cfg"
	"github.com/driftsync/driftsync/connector"
	"github.com/driftsync/driftsync/convert"
	"github.com/driftsync/driftsync/detect"
	"github.com/driftsync/driftsync/events"
	"github.com/driftsync/driftsync/evolution"
	"github.com/driftsync/driftsync/meta"
	"github.com/driftsync/driftsync/migrate"
)

// Runner assembles and supervises the full pipeline: one evolution
// orchestrator and one sync processor per configured schema, sharing a
// source/destination connector pair and the metadata store.
type Runner struct {
	config *cfg.Configuration
	store  meta.Store
	events *events.Publisher

	source connector.SourceConnector
	dest   connector.DestinationConnector

	orchestrators map[string]*evolution.Orchestrator
	processors    map[string]*Processor
}

// NewRunner builds the pipeline from the loaded configuration. Nothing
// connects or starts until Start.
func NewRunner(config *cfg.Configuration, store meta.Store, pub *events.Publisher) (*Runner, error) {
	if config == nil {
		config = cfg.Config
	}
	if len(config.Schemas) == 0 {
		return nil, fmt.Errorf("no schemas configured")
	}

	source, err := connector.NewSource(config.Source)
	if err != nil {
		return nil, err
	}
	dest, err := connector.NewDestination(config.Destination)
	if err != nil {
		return nil, err
	}

	conv := convert.NewEngine()
	detector, err := detect.NewDetector(conv, detect.Config{
		ExcludedTables:  config.Evolution.ExcludedTables,
		ExcludedColumns: config.Evolution.ExcludedColumns,
		NoRemovalTables: config.Evolution.NoRemovalTables,
	})
	if err != nil {
		return nil, err
	}

	strategy, err := migrate.ParseStrategy(config.Evolution.Strategy)
	if err != nil {
		return nil, err
	}
	engine := migrate.NewEngine(store, migrate.Options{
		Strategy:         strategy,
		LossThresholdPct: config.Evolution.DataLossThresholdPct,
		MaxConcurrent:    config.Evolution.MaxConcurrentMigrations,
		DryRun:           config.Evolution.DryRun,
	})

	r := &Runner{
		config:        config,
		store:         store,
		events:        pub,
		source:        source,
		dest:          dest,
		orchestrators: make(map[string]*evolution.Orchestrator, len(config.Schemas)),
		processors:    make(map[string]*Processor, len(config.Schemas)),
	}

	interval := time.Duration(config.Evolution.DetectionIntervalSeconds) * time.Second
	for i := range config.Schemas {
		name := config.Schemas[i].Name

		orch, err := evolution.NewOrchestrator(evolution.Options{
			SchemaName: name,
			Source:     source,
			Dest:       dest,
			Detector:   detector,
			Engine:     engine,
			Store:      store,
			Events:     pub,
			Interval:   interval,
			Config:     config,
			Convert:    conv,
		})
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		r.orchestrators[name] = orch

		proc, err := NewProcessor(ProcessorOptions{
			SchemaName: name,
			Source:     source,
			Dest:       dest,
			Store:      store,
			Convert:    conv,
			Events:     pub,
			Config:     config,
		})
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		r.processors[name] = proc
	}
	return r, nil
}

// Start connects the endpoints, fails over stuck runs from a previous
// process, seeds destination schemas with an initial evolution pass, and
// launches the loops.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.source.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect source: %w", err)
	}
	if err := r.dest.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect destination: %w", err)
	}
	if err := r.source.Ping(ctx); err != nil {
		return fmt.Errorf("source ping: %w", err)
	}
	if err := r.dest.Ping(ctx); err != nil {
		return fmt.Errorf("destination ping: %w", err)
	}

	stuckAge := time.Duration(r.config.Retention.StuckRunSeconds) * time.Second
	recovered, err := r.store.RecoverStuckRuns(stuckAge)
	if err != nil {
		return fmt.Errorf("failed to recover stuck runs: %w", err)
	}
	for _, run := range recovered {
		log.Warn().
			Str("run_id", run.ID).
			Str("schema", run.SchemaName).
			Msg("Recovered stuck run; a fresh run replaces it")
	}

	for name, orch := range r.orchestrators {
		if _, err := orch.EvolveOnce(ctx); err != nil {
			return fmt.Errorf("initial evolution pass for %s: %w", name, err)
		}
		orch.Start()
	}
	for name, proc := range r.processors {
		if err := proc.Start(ctx); err != nil {
			r.Stop()
			return fmt.Errorf("failed to start processor for %s: %w", name, err)
		}
	}

	log.Info().
		Int("schemas", len(r.processors)).
		Str("mode", r.config.Mode).
		Msg("Runner started")
	return nil
}

// Stop shuts everything down in reverse order: sync first so no writes
// race the evolution loop, then detection, then the connectors.
func (r *Runner) Stop() {
	for _, proc := range r.processors {
		if proc.Running() {
			proc.Stop()
		}
	}
	for _, orch := range r.orchestrators {
		orch.Stop()
	}
	if err := r.source.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close source")
	}
	if err := r.dest.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close destination")
	}
	log.Info().Msg("Runner stopped")
}

// Orchestrator returns the evolution orchestrator for a schema, or nil.
func (r *Runner) Orchestrator(schemaName string) *evolution.Orchestrator {
	return r.orchestrators[schemaName]
}

// Health reports per-schema liveness for the admin surface.
func (r *Runner) Health() map[string]SchemaHealth {
	out := make(map[string]SchemaHealth, len(r.processors))
	for name, proc := range r.processors {
		h := SchemaHealth{Syncing: proc.Running(), RunID: proc.RunID()}
		if orch, ok := r.orchestrators[name]; ok {
			lastPass, lastErr := orch.Health()
			h.LastEvolution = lastPass
			if lastErr != nil {
				h.EvolutionError = lastErr.Error()
			}
		}
		out[name] = h
	}
	return out
}

// SchemaHealth is one schema's liveness snapshot.
type SchemaHealth struct {
	Syncing        bool      `json:"syncing"`
	RunID          string    `json:"run_id,omitempty"`
	LastEvolution  time.Time `json:"last_evolution,omitempty"`
	EvolutionError string    `json:"evolution_error,omitempty"`
}
