package cassandra

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"

	"github.com/geniustep/hookbridge"
)

const deadLetterColumns = "id, dispatch_id, model, record_id, sub_id, failed_at, attempts, orig_err, resolution, resolver, resolved_at, notes"

// Dead letter creation serializes on a per-dispatch cache lock so retries of
// MarkDead cannot produce a second post-mortem row.
const deadLetterLockDuration = time.Duration(30 * time.Second)

// DeadLetterStore persists exhausted deliveries in the dead_letter table.
type DeadLetterStore struct {
	cache hookbridge.Cache
}

func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{
		cache: hookbridge.NewCacheClient(),
	}
}

func scanDeadLetterRows(iter *gocql.Iter) ([]hookbridge.DeadLetter, error) {
	r := make([]hookbridge.DeadLetter, 0, iter.NumRows())
	var (
		id, dispatchID, recordID, subID             int64
		model, origErr, resolution, resolver, notes string
		attempts                                    int
		failedAt, resolvedAt                        time.Time
	)
	for iter.Scan(&id, &dispatchID, &model, &recordID, &subID, &failedAt, &attempts, &origErr, &resolution, &resolver, &resolvedAt, &notes) {
		r = append(r, hookbridge.DeadLetter{
			ID:            id,
			DispatchID:    dispatchID,
			Model:         model,
			RecordID:      recordID,
			SubscriberID:  subID,
			FailedAt:      failedAt.UTC(),
			RetryAttempts: attempts,
			OriginalError: origErr,
			Resolution:    hookbridge.Resolution(resolution),
			Resolver:      resolver,
			ResolvedAt:    asPtr(resolvedAt),
			Notes:         notes,
		})
	}
	if err := iter.Close(); err != nil {
		return r, err
	}
	return r, nil
}

func (s *DeadLetterStore) write(ctx context.Context, d *hookbridge.DeadLetter) error {
	insertStatement := fmt.Sprintf("INSERT INTO %s.dead_letter (%s) VALUES(?,?,?,?,?,?,?,?,?,?,?,?);", connection.Config.Keyspace, deadLetterColumns)
	return connection.Session.Query(insertStatement, d.ID, d.DispatchID, d.Model, d.RecordID, d.SubscriberID, d.FailedAt,
		d.RetryAttempts, d.OriginalError, string(d.Resolution), d.Resolver, asVal(d.ResolvedAt), d.Notes).WithContext(ctx).Exec()
}

func (s *DeadLetterStore) Add(ctx context.Context, d *hookbridge.DeadLetter) (int64, error) {
	if connection == nil {
		return 0, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	lk := s.cache.CreateLockKeys([]string{fmt.Sprintf("deadletter:%d", d.DispatchID)})
	if ok, _, err := s.cache.Lock(ctx, deadLetterLockDuration, lk); !ok || err != nil {
		if err != nil {
			return 0, err
		}
		return 0, hookbridge.Error{Code: hookbridge.LockAcquisitionFailure, Err: fmt.Errorf("dead letter for dispatch %d is being created elsewhere", d.DispatchID)}
	}
	defer s.cache.Unlock(ctx, lk)

	existing, err := s.GetByDispatch(ctx, d.DispatchID)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		d.ID = existing.ID
		return existing.ID, nil
	}

	id, err := nextID(ctx, s.cache, "dead_letter")
	if err != nil {
		return 0, err
	}
	d.ID = id
	if d.FailedAt.IsZero() {
		d.FailedAt = Now().UTC()
	}
	if d.Resolution == "" {
		d.Resolution = hookbridge.ResolutionPending
	}
	if err := s.write(ctx, d); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id int64) (*hookbridge.DeadLetter, error) {
	if connection == nil {
		return nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT %s FROM %s.dead_letter WHERE id = ?;", deadLetterColumns, connection.Config.Keyspace)
	rows, err := scanDeadLetterRows(connection.Session.Query(selectStatement, id).WithContext(ctx).Iter())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *DeadLetterStore) GetByDispatch(ctx context.Context, dispatchID int64) (*hookbridge.DeadLetter, error) {
	if connection == nil {
		return nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT %s FROM %s.dead_letter WHERE dispatch_id = ? ALLOW FILTERING;", deadLetterColumns, connection.Config.Keyspace)
	rows, err := scanDeadLetterRows(connection.Session.Query(selectStatement, dispatchID).WithContext(ctx).Iter())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *DeadLetterStore) Update(ctx context.Context, d *hookbridge.DeadLetter) error {
	if connection == nil {
		return fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}
	return s.write(ctx, d)
}

func (s *DeadLetterStore) List(ctx context.Context, resolution hookbridge.Resolution, limit int) ([]hookbridge.DeadLetter, error) {
	if connection == nil {
		return nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT %s FROM %s.dead_letter;", deadLetterColumns, connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement)
	if resolution != "" {
		selectStatement = fmt.Sprintf("SELECT %s FROM %s.dead_letter WHERE resolution = ? ALLOW FILTERING;", deadLetterColumns, connection.Config.Keyspace)
		qry = connection.Session.Query(selectStatement, string(resolution))
	}
	rows, err := scanDeadLetterRows(qry.WithContext(ctx).Iter())
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID > rows[j].ID })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}
