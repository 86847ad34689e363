// Package eventlog owns the append path and the pull contract of the event
// journal. Appends for the same record are serialized with a cache lock so
// supersession decisions never race: a create supersedes prior writes, a
// write is dropped while a live create remains in the log, and deletes
// always land.
package eventlog

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/geniustep/hookbridge"
)

// Now lambda to allow unit tests to inject replayable time.Now.
var Now = time.Now

const (
	appendLockDuration = 30 * time.Second
	pullLimitDefault   = 100
	pullLimitMax       = 1000
	statsDefaultDays   = 7
)

// Service wraps the event log store with locking, supersession, clamping and
// the maintenance sweeps.
type Service struct {
	store    hookbridge.EventLogStore
	audit    hookbridge.AuditStore
	sink     hookbridge.ErrorSink
	cache    hookbridge.Cache
	accessor hookbridge.EntityAccessor
	options  hookbridge.Options
}

// NewService builds the event log service. accessor may be nil; the orphan
// sweep is disabled without it.
func NewService(store hookbridge.EventLogStore, audit hookbridge.AuditStore, sink hookbridge.ErrorSink, accessor hookbridge.EntityAccessor, options hookbridge.Options) *Service {
	options.ApplyDefaults()
	return &Service{
		store:    store,
		audit:    audit,
		sink:     sink,
		cache:    hookbridge.NewCacheClient(),
		accessor: accessor,
		options:  options,
	}
}

func appendLockName(model string, recordID int64) string {
	return fmt.Sprintf("evlog:%s:%d", model, recordID)
}

// Append adds one entry, applying supersession against the existing rows for
// the same (model, record_id). The returned id is zero with a nil error when
// the entry was intentionally dropped. Store failures are recorded to the
// error sink before being returned.
func (s *Service) Append(ctx context.Context, e *hookbridge.EventLogEntry) (int64, error) {
	if err := hookbridge.ValidateRecordID(e.RecordID); err != nil {
		return 0, err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = Now().UTC()
	}
	if s.cache == nil {
		return 0, hookbridge.Error{
			Code: hookbridge.ConfigInvalid,
			Err:  fmt.Errorf("no cache configured; call SetCacheFactory before building the service"),
		}
	}

	lockKeys := s.cache.CreateLockKeys([]string{appendLockName(e.Model, e.RecordID)})
	if err := hookbridge.Retry(ctx, func(ctx context.Context) error {
		ok, _, err := s.cache.Lock(ctx, appendLockDuration, lockKeys)
		if err != nil {
			return retry.RetryableError(err)
		}
		if !ok {
			return retry.RetryableError(fmt.Errorf("append lock for %s#%d held elsewhere", e.Model, e.RecordID))
		}
		return nil
	}, nil); err != nil {
		return 0, hookbridge.Error{Code: hookbridge.LockAcquisitionFailure, Err: err, UserData: e.Model}
	}
	defer func() {
		if err := s.cache.Unlock(ctx, lockKeys); err != nil {
			log.Warn(fmt.Sprintf("append lock release for %s#%d failed: %v", e.Model, e.RecordID, err))
		}
	}()

	existing, err := s.store.ListByRecord(ctx, e.Model, e.RecordID)
	if err != nil {
		return 0, s.appendFailed(ctx, e, fmt.Errorf("supersession scan: %w", err))
	}

	switch e.Operation {
	case hookbridge.OperationCreate:
		// A fresh create makes every prior write for the record redundant.
		var stale []int64
		for _, row := range existing {
			if row.Operation == hookbridge.OperationWrite {
				stale = append(stale, row.ID)
			}
		}
		if len(stale) > 0 {
			if _, err := s.store.DeleteByIDs(ctx, stale); err != nil {
				return 0, s.appendFailed(ctx, e, fmt.Errorf("superseded write removal: %w", err))
			}
			log.Debug(fmt.Sprintf("create %s#%d superseded %d writes", e.Model, e.RecordID, len(stale)))
		}
	case hookbridge.OperationWrite:
		// A create already tells the consumer to fetch the whole record, so
		// writes are absorbed until a delete tombstones it or the create ages
		// out of the live log.
		var lastCreate, lastDelete int64
		for _, row := range existing {
			switch row.Operation {
			case hookbridge.OperationCreate:
				if row.ID > lastCreate {
					lastCreate = row.ID
				}
			case hookbridge.OperationDelete:
				if row.ID > lastDelete {
					lastDelete = row.ID
				}
			}
		}
		if lastCreate > 0 && lastCreate > lastDelete {
			log.Debug(fmt.Sprintf("write %s#%d dropped, absorbed by create event %d", e.Model, e.RecordID, lastCreate))
			return 0, nil
		}
	case hookbridge.OperationDelete:
		// Tombstones always land, even right after a create.
	}

	var id int64
	err = hookbridge.Retry(ctx, func(ctx context.Context) error {
		var aerr error
		id, aerr = s.store.Append(ctx, e)
		if aerr != nil && hookbridge.ShouldRetry(aerr) {
			return retry.RetryableError(aerr)
		}
		return aerr
	}, nil)
	if err != nil {
		return 0, s.appendFailed(ctx, e, err)
	}
	return id, nil
}

// appendFailed records the loss in the error sink and wraps the cause. The
// sink row is written here so callers outside the hook keep the no-silent-
// loss guarantee.
func (s *Service) appendFailed(ctx context.Context, e *hookbridge.EventLogEntry, cause error) error {
	log.Error(fmt.Sprintf("event append %s %s#%d failed: %v", e.Operation, e.Model, e.RecordID, cause))
	if s.sink != nil {
		if serr := s.sink.Record(ctx, e.Model, e.RecordID, fmt.Sprintf("append %s: %v", e.Operation, cause)); serr != nil {
			log.Error(fmt.Sprintf("error sink write failed: %v", serr))
		}
	}
	return hookbridge.Error{Code: hookbridge.AppendFailure, Err: cause, UserData: e.Model}
}

// Pull returns unprocessed entries after the caller's cursor. The limit is
// clamped to 1..1000. LastID echoes the caller's cursor when nothing new
// exists so clients can persist it unconditionally.
func (s *Service) Pull(ctx context.Context, q hookbridge.PullQuery) (*hookbridge.PullResult, error) {
	if q.Limit <= 0 {
		q.Limit = pullLimitDefault
	}
	if q.Limit > pullLimitMax {
		q.Limit = pullLimitMax
	}
	events, hasMore, err := s.store.Pull(ctx, q)
	if err != nil {
		return nil, err
	}
	lastID := q.LastEventID
	if len(events) > 0 {
		lastID = events[len(events)-1].ID
	}
	return &hookbridge.PullResult{
		Events:  events,
		LastID:  lastID,
		HasMore: hasMore,
		Count:   len(events),
	}, nil
}

// MarkProcessed acknowledges pulled entries. Already-processed ids are
// ignored; the count reflects rows actually flipped.
func (s *Service) MarkProcessed(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return s.store.MarkProcessed(ctx, ids, Now().UTC())
}

// ArchiveSweep moves processed entries older than the archive TTL into the
// archive.
func (s *Service) ArchiveSweep(ctx context.Context) (int, error) {
	now := Now().UTC()
	cutoff := now.AddDate(0, 0, -s.options.ArchiveAfterDays)
	return s.store.ArchiveBefore(ctx, cutoff, now)
}

// DeleteSweep removes archived entries older than the delete TTL.
func (s *Service) DeleteSweep(ctx context.Context) (int, error) {
	cutoff := Now().UTC().AddDate(0, 0, -s.options.DeleteAfterDays)
	return s.store.DeleteArchivedBefore(ctx, cutoff)
}

// Stats aggregates the journal over the trailing period, 7 days by default.
func (s *Service) Stats(ctx context.Context, days int) (*hookbridge.Statistics, error) {
	if days <= 0 {
		days = statsDefaultDays
	}
	st, err := s.store.Stats(ctx, Now().UTC().AddDate(0, 0, -days))
	if err != nil {
		return nil, err
	}
	st.PeriodDays = days
	return st, nil
}

// PendingCount reports unprocessed entries, for the health endpoint.
func (s *Service) PendingCount(ctx context.Context) (int64, error) {
	return s.store.PendingCount(ctx)
}

// OrphanSweep deletes entries whose host record no longer exists. Synthetic
// ids never probe the host. Without an accessor the sweep is a no-op.
func (s *Service) OrphanSweep(ctx context.Context) (int, error) {
	if s.accessor == nil {
		return 0, nil
	}
	pairs, err := s.store.DistinctRecords(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, p := range pairs {
		model, recordID := p.First, p.Second
		if hookbridge.IsSynthetic(recordID) {
			continue
		}
		exists, err := s.accessor.Exists(ctx, model, recordID)
		if err != nil {
			log.Warn(fmt.Sprintf("orphan probe %s#%d failed: %v", model, recordID, err))
			continue
		}
		if exists {
			continue
		}
		rows, err := s.store.ListByRecord(ctx, model, recordID)
		if err != nil {
			log.Warn(fmt.Sprintf("orphan scan %s#%d failed: %v", model, recordID, err))
			continue
		}
		ids := make([]int64, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		if len(ids) == 0 {
			continue
		}
		n, err := s.store.DeleteByIDs(ctx, ids)
		if err != nil {
			log.Warn(fmt.Sprintf("orphan delete %s#%d failed: %v", model, recordID, err))
			continue
		}
		removed += n
		if s.audit != nil {
			if _, aerr := s.audit.Add(ctx, &hookbridge.AuditRecord{
				Action:    hookbridge.AuditDeleted,
				Timestamp: Now().UTC(),
				Note:      fmt.Sprintf("orphan cleanup removed %d events for %s#%d", n, model, recordID),
			}); aerr != nil {
				log.Warn(fmt.Sprintf("orphan audit for %s#%d failed: %v", model, recordID, aerr))
			}
		}
	}
	return removed, nil
}
