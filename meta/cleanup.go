package meta

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// CleanupWorker runs the retention sweep on an interval, backing off
// exponentially after failures.
type CleanupWorker struct {
	store    Store
	policy   RetentionPolicy
	interval time.Duration

	lifecycleMu sync.Mutex
	running     atomic.Bool
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// NewCleanupWorker builds a worker; Start begins sweeping.
func NewCleanupWorker(store Store, policy RetentionPolicy, interval time.Duration) *CleanupWorker {
	return &CleanupWorker{
		store:    store,
		policy:   policy,
		interval: interval,
	}
}

// Start launches the sweep loop. Idempotent.
func (w *CleanupWorker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	if w.running.Load() {
		return
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running.Store(true)
	go w.loop()
	log.Info().Dur("interval", w.interval).Msg("Retention sweep started")
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (w *CleanupWorker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	if !w.running.Load() {
		return
	}
	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)
}

func (w *CleanupWorker) loop() {
	defer close(w.doneCh)

	delay := w.interval
	for {
		if !w.sleep(delay) {
			return
		}
		if _, err := w.store.Cleanup(w.policy); err != nil {
			log.Error().Err(err).Msg("Retention sweep failed")
			delay *= 2
			if delay > 4*w.interval {
				delay = 4 * w.interval
			}
			continue
		}
		delay = w.interval
	}
}

// sleep waits for d unless a stop arrives first.
func (w *CleanupWorker) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-w.stopCh:
		return false
	}
}
