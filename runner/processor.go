package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/driftsync/driftsync/cfg"
	"github.com/driftsync/driftsync/connector"
	"github.com/driftsync/driftsync/convert"
	"github.com/driftsync/driftsync/events"
	"github.com/driftsync/driftsync/meta"
)

const heartbeatInterval = 5 * time.Second

// ProcessorOptions wires one per-schema processor.
type ProcessorOptions struct {
	SchemaName string
	Source     connector.SourceConnector
	Dest       connector.DestinationConnector
	Store      meta.Store
	Convert    *convert.Engine
	Events     *events.Publisher
	Config     *cfg.Configuration
}

// Processor owns the sync workers for one schema: it discovers tables,
// opens a run, fans out one worker per table bounded by the parallel
// stream limit, and keeps the run's heartbeat and counters current.
type Processor struct {
	opts   ProcessorOptions
	filter *TableFilter
	tuning syncTuning

	lifecycleMu sync.Mutex
	running     atomic.Bool
	stopCh      chan struct{}
	wg          sync.WaitGroup

	runID   string
	statsMu sync.Mutex
	pending meta.RunStats
	tables  int64

	hbDone chan struct{}
}

func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	if opts.SchemaName == "" {
		return nil, fmt.Errorf("processor requires a schema name")
	}
	if opts.Source == nil || opts.Dest == nil || opts.Store == nil || opts.Convert == nil {
		return nil, fmt.Errorf("processor requires source, destination, store, and convert engine")
	}
	if opts.Config == nil {
		opts.Config = cfg.Config
	}

	var whitelist, blacklist []string
	if sc := opts.Config.SchemaByName(opts.SchemaName); sc != nil {
		whitelist, blacklist = sc.Whitelist, sc.Blacklist
	}
	filter, err := NewTableFilter(whitelist, blacklist)
	if err != nil {
		return nil, err
	}

	c := opts.Config
	return &Processor{
		opts:   opts,
		filter: filter,
		tuning: syncTuning{
			PollInterval:  time.Duration(c.Sync.PollingIntervalSeconds) * time.Second,
			FullLoadBatch: c.Sync.FullLoadBatchSize,
			MaxRetries:    c.Errors.MaxRetries,
			BackoffBase:   time.Second,
			BackoffFactor: c.Errors.BackoffFactor,
			MaxBackoff:    time.Duration(c.Errors.MaxBackoffSeconds) * time.Second,
			RetryWindow:   time.Duration(c.Errors.RetryWindowSeconds) * time.Second,
			DeadLetter:    c.Errors.DeadLetter,
		},
	}, nil
}

// Start discovers the schema's tables and launches the workers.
func (p *Processor) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.running.Load() {
		return fmt.Errorf("processor for %s already running", p.opts.SchemaName)
	}

	snap, err := p.opts.Source.Snapshot(ctx, p.opts.SchemaName)
	if err != nil {
		return fmt.Errorf("failed to discover tables for %s: %w", p.opts.SchemaName, err)
	}

	var tables []cfg.ResolvedTable
	for _, name := range snap.TableNames() {
		if !p.filter.Allow(name) {
			continue
		}
		resolved := p.opts.Config.ResolveTable(p.opts.SchemaName, name)
		if !resolved.Enabled {
			continue
		}
		tables = append(tables, resolved)
	}
	if len(tables) == 0 {
		return fmt.Errorf("no tables to sync in schema %s", p.opts.SchemaName)
	}

	run, err := p.opts.Store.StartRun(p.opts.SchemaName, meta.ModeStream)
	if err != nil {
		return err
	}
	p.runID = run.ID
	p.tables = int64(len(tables))

	versions, err := lru.New[string, versionEntry](256)
	if err != nil {
		return err
	}

	maxParallel := p.opts.Config.Sync.MaxParallelStreams
	if sc := p.opts.Config.SchemaByName(p.opts.SchemaName); sc != nil && sc.MaxParallel > 0 {
		maxParallel = sc.MaxParallel
	}
	if maxParallel <= 0 {
		maxParallel = 1
	}
	sem := make(chan struct{}, maxParallel)

	p.stopCh = make(chan struct{})
	p.hbDone = make(chan struct{})
	p.running.Store(true)

	for _, t := range tables {
		w := &tableWorker{
			table:    t,
			tuning:   p.tuning,
			source:   p.opts.Source,
			dest:     p.opts.Dest,
			store:    p.opts.Store,
			conv:     p.opts.Convert,
			versions: versions,
			events:   p.opts.Events,
			runID:    run.ID,
			report:   p.addStats,
			sem:      sem,
			stopCh:   p.stopCh,
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run()
		}()
	}
	go p.heartbeat()

	log.Info().
		Str("schema", p.opts.SchemaName).
		Str("run_id", run.ID).
		Int("tables", len(tables)).
		Int("max_parallel", maxParallel).
		Msg("Sync processor started")
	return nil
}

// Stop halts the workers, waits for in-flight batches to drain, and
// closes out the run.
func (p *Processor) Stop() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if !p.running.Load() {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
	<-p.hbDone
	p.running.Store(false)

	final := p.drainStats()
	final.Tables = p.tables
	if err := p.opts.Store.CompleteRun(p.runID, meta.RunCompleted, final, ""); err != nil {
		log.Warn().Err(err).Str("run_id", p.runID).Msg("Failed to complete run")
	}
	if p.opts.Events != nil {
		_ = p.opts.Events.Emit(events.Event{
			Kind:       events.KindRunCompleted,
			SchemaName: p.opts.SchemaName,
			Detail:     map[string]string{"run_id": p.runID},
		})
	}
	log.Info().
		Str("schema", p.opts.SchemaName).
		Str("run_id", p.runID).
		Msg("Sync processor stopped")
}

// RunID returns the active run's id, empty before Start.
func (p *Processor) RunID() string {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	return p.runID
}

func (p *Processor) SchemaName() string {
	return p.opts.SchemaName
}

func (p *Processor) Running() bool {
	return p.running.Load()
}

func (p *Processor) addStats(delta meta.RunStats) {
	p.statsMu.Lock()
	p.pending.Add(delta)
	p.statsMu.Unlock()
}

func (p *Processor) drainStats() meta.RunStats {
	p.statsMu.Lock()
	out := p.pending
	p.pending = meta.RunStats{}
	p.statsMu.Unlock()
	return out
}

// heartbeat flushes accumulated counters and refreshes the run's
// liveness so stuck-run recovery can tell a crash from slow progress.
func (p *Processor) heartbeat() {
	defer close(p.hbDone)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.flush()
		case <-p.stopCh:
			p.flush()
			return
		}
	}
}

func (p *Processor) flush() {
	delta := p.drainStats()
	if delta == (meta.RunStats{}) {
		if err := p.opts.Store.TouchRun(p.runID); err != nil {
			log.Warn().Err(err).Str("run_id", p.runID).Msg("Failed to heartbeat run")
		}
		return
	}
	if err := p.opts.Store.AddRunStats(p.runID, delta); err != nil {
		log.Warn().Err(err).Str("run_id", p.runID).Msg("Failed to flush run stats")
		// Re-accumulate so the counters are not lost.
		p.addStats(delta)
	}
}
