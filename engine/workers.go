package engine

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	retry "github.com/sethvargo/go-retry"

	"github.com/geniustep/hookbridge"
)

const (
	retrySweepEvery     = time.Minute
	archiveSweepEvery   = time.Hour
	auditSweepEvery     = 24 * time.Hour
	orphanSweepEvery    = 24 * time.Hour
	syncStateSweepEvery = 7 * 24 * time.Hour
	rulePollEvery       = 2 * time.Second

	// workerLockDuration bounds how long a crashed instance can hold a
	// worker's advisory lock.
	workerLockDuration = 5 * time.Minute
)

// runTicker loops a named job until the engine context is cancelled. Job
// errors are logged and never end the loop.
func (e *Engine) runTicker(name string, every time.Duration, job func(ctx context.Context) error) {
	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				if err := e.runLocked(name, job); err != nil {
					log.Error(fmt.Sprintf("%s worker: %v", name, err))
				}
			}
		}
	}()
}

// runLocked runs the job under the worker's advisory lock so only one
// instance sweeps at a time. Losing the lock race is not an error.
func (e *Engine) runLocked(name string, job func(ctx context.Context) error) error {
	if e.cache == nil {
		return job(e.ctx)
	}
	lockKeys := e.cache.CreateLockKeys([]string{"worker:" + name})
	ok, _, err := e.cache.Lock(e.ctx, workerLockDuration, lockKeys)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer func() {
		if err := e.cache.Unlock(e.ctx, lockKeys); err != nil {
			log.Warn(fmt.Sprintf("%s worker unlock failed: %v", name, err))
		}
	}()
	return job(e.ctx)
}

// sweep retries a store sweep on transient errors and reports rows touched.
func sweep(ctx context.Context, fn func(ctx context.Context) (int, error)) (int, error) {
	var n int
	err := hookbridge.Retry(ctx, func(ctx context.Context) error {
		var err error
		n, err = fn(ctx)
		if err != nil && hookbridge.ShouldRetry(err) {
			return retry.RetryableError(err)
		}
		return err
	}, nil)
	return n, err
}

// retrySweep pushes due dispatch records through the pool and requeues
// records abandoned mid-processing.
func (e *Engine) retrySweep(ctx context.Context) error {
	picked, err := e.queue.ProcessPending(ctx, e.options.DispatchBatchSize)
	if err != nil {
		return err
	}
	reclaimed, err := sweep(ctx, e.queue.ReclaimStuck)
	if err != nil {
		return err
	}
	if picked > 0 || reclaimed > 0 {
		log.Debug(fmt.Sprintf("retry sweep processed %d, reclaimed %d stuck", picked, reclaimed))
	}
	return nil
}

// archiveSweep ages processed event log entries out of the pull window and
// drops entries past the delete TTL.
func (e *Engine) archiveSweep(ctx context.Context) error {
	archived, err := sweep(ctx, e.events.ArchiveSweep)
	if err != nil {
		return err
	}
	deleted, err := sweep(ctx, e.events.DeleteSweep)
	if err != nil {
		return err
	}
	if archived > 0 || deleted > 0 {
		log.Info(fmt.Sprintf("event log sweep archived %d, deleted %d", archived, deleted))
	}
	return nil
}

// auditSweep trims the dispatch history and the error sink to the audit TTL.
func (e *Engine) auditSweep(ctx context.Context) error {
	cutoff := Now().UTC().AddDate(0, 0, -e.options.AuditTTLDays)
	audits, err := sweep(ctx, func(ctx context.Context) (int, error) {
		return e.stores.Audit.DeleteBefore(ctx, cutoff)
	})
	if err != nil {
		return err
	}
	sunk, err := sweep(ctx, func(ctx context.Context) (int, error) {
		return e.stores.Errors.DeleteBefore(ctx, cutoff)
	})
	if err != nil {
		return err
	}
	if audits > 0 || sunk > 0 {
		log.Info(fmt.Sprintf("audit sweep removed %d audit rows, %d error rows", audits, sunk))
	}
	return nil
}

// syncStateSweep drops consumer cursors inactive past their TTL.
func (e *Engine) syncStateSweep(ctx context.Context) error {
	cutoff := Now().UTC().AddDate(0, 0, -e.options.SyncStateTTLDays)
	removed, err := sweep(ctx, func(ctx context.Context) (int, error) {
		return e.stores.SyncStates.DeleteInactiveBefore(ctx, cutoff)
	})
	if err != nil {
		return err
	}
	if removed > 0 {
		log.Info(fmt.Sprintf("sync state sweep removed %d cursors", removed))
	}
	return nil
}

// orphanSweep removes event log rows whose host record no longer exists.
// Only started when the host supplied an accessor.
func (e *Engine) orphanSweep(ctx context.Context) error {
	removed, err := sweep(ctx, e.events.OrphanSweep)
	if err != nil {
		return err
	}
	if removed > 0 {
		log.Info(fmt.Sprintf("orphan sweep removed %d events", removed))
	}
	return nil
}

// watchRules polls the shared rule generation so this instance picks up rule
// mutations made elsewhere. Every instance polls; no lock involved.
func (e *Engine) watchRules() {
	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		ticker := time.NewTicker(rulePollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				if err := e.registry.CheckGeneration(e.ctx); err != nil {
					log.Warn(fmt.Sprintf("rule generation check: %v", err))
				}
			}
		}
	}()
}
