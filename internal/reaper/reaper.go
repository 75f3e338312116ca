// Package reaper implements the stale-run reaper: a cron-scheduled sweep
// that finds documents stuck in a non-terminal status past a timeout
// (crashed worker, lost message, stalled provider call) and marks them
// FAILED in the tracking store. It does not touch the admission
// controller's in-flight set.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/docflow/idp-core/internal/document"
	"github.com/docflow/idp-core/internal/logging"
)

// nonTerminalStatuses is every status a document can be stuck in; COMPLETED
// and FAILED are absorbing and never need reaping.
var nonTerminalStatuses = []document.Status{
	document.StatusQueued,
	document.StatusRunning,
	document.StatusOCR,
	document.StatusClassifying,
	document.StatusExtracting,
	document.StatusAssessing,
	document.StatusPostprocessing,
	document.StatusSummarizing,
	document.StatusEvaluating,
}

// Config configures the reaper.
type Config struct {
	// Schedule is a robfig/cron spec (a 5-field expression or a
	// descriptor); defaults to "@every 1m".
	Schedule string
	// StaleAfter is how long a document may sit in a non-terminal status,
	// measured from StartedAt, before it's considered abandoned.
	StaleAfter time.Duration
	// BatchLimit caps how many candidate records one sweep inspects.
	BatchLimit int
}

// Reaper periodically fails documents that stopped making progress.
type Reaper struct {
	store *document.Store
	cfg   Config
	log   *logging.Logger
	cron  *cron.Cron
}

// New builds a Reaper over store, applying default schedule/staleness/
// batch-size values where cfg leaves them zero.
func New(store *document.Store, cfg Config, log *logging.Logger) *Reaper {
	if log == nil {
		log = logging.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 200
	}
	return &Reaper{store: store, cfg: cfg, log: log, cron: cron.New()}
}

// Start schedules the sweep and begins running it in the background.
func (r *Reaper) Start(ctx context.Context) error {
	_, err := r.cron.AddFunc(r.cfg.Schedule, func() {
		if err := r.sweep(ctx); err != nil {
			r.log.WithError(err).Error("stale-run reaper sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("reaper: schedule sweep: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop cancels the schedule and waits for any in-flight sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep runs one reap pass immediately, independent of the cron
// schedule; exported so tests and an operator CLI can trigger it
// on demand.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	return r.sweepCount(ctx)
}

func (r *Reaper) sweep(ctx context.Context) error {
	_, err := r.sweepCount(ctx)
	return err
}

func (r *Reaper) sweepCount(ctx context.Context) (int, error) {
	records, err := r.store.ListByStatus(ctx, nonTerminalStatuses, r.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("reaper: list non-terminal documents: %w", err)
	}

	cutoff := time.Now().Add(-r.cfg.StaleAfter)
	reaped := 0
	for i := range records {
		rec := records[i]
		if rec.StartedAt == nil || rec.StartedAt.After(cutoff) {
			continue
		}

		if rec.Status.IsTerminal() {
			continue
		}
		if err := r.store.FailStale(ctx, rec.ID, rec.NumErrors+1); err != nil {
			r.log.WithDocument(rec.ID).WithError(err).Warn("reaper: could not fail stale document")
			continue
		}
		r.log.WithDocument(rec.ID).WithField("stale_since", rec.StartedAt.Format(time.RFC3339)).Info("reaper: failed stale document")
		reaped++
	}

	if reaped > 0 {
		r.log.WithFields(map[string]interface{}{"reaped": reaped, "candidates": len(records)}).Info("stale-run reaper swept documents")
	}
	return reaped, nil
}
