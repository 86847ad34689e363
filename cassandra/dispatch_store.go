package cassandra

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"

	"github.com/geniustep/hookbridge"
)

const dispatchColumns = "id, event_log_id, model, record_id, event, sub_id, payload, priority, category, status, retries, max_retries, next_retry, err_kind, err_code, err_msg, sent_at, resp_code, proc_ms, started_at, ts, user_id, rule_id"

// Cassandra has no conditional update across our access pattern that also
// plays well with the per-call consistency book, so status claims serialize on
// a short cache lock per dispatch row instead.
const statusClaimLockDuration = time.Duration(30 * time.Second)

// DispatchStore persists push delivery rows in the dispatch table.
type DispatchStore struct {
	cache hookbridge.Cache
}

func NewDispatchStore() *DispatchStore {
	return &DispatchStore{
		cache: hookbridge.NewCacheClient(),
	}
}

func scanDispatchRows(iter *gocql.Iter) ([]hookbridge.DispatchRecord, error) {
	r := make([]hookbridge.DispatchRecord, 0, iter.NumRows())
	var (
		id, eventLogID, recordID, subID, procMS, userID, ruleID int64
		model, event, priority, category, status                string
		errKind, errMsg                                         string
		payload                                                 []byte
		retries, maxRetries, errCode, respCode                  int
		nextRetry, sentAt, startedAt, ts                        time.Time
	)
	for iter.Scan(&id, &eventLogID, &model, &recordID, &event, &subID, &payload, &priority, &category, &status,
		&retries, &maxRetries, &nextRetry, &errKind, &errCode, &errMsg, &sentAt, &respCode, &procMS, &startedAt, &ts, &userID, &ruleID) {
		data, err := decodePayload(payload)
		if err != nil {
			iter.Close()
			return nil, err
		}
		row := hookbridge.DispatchRecord{
			ID:           id,
			Model:        model,
			RecordID:     recordID,
			Operation:    hookbridge.Operation(event),
			SubscriberID: subID,
			Payload:      data,
			Priority:     hookbridge.Priority(priority),
			Category:     hookbridge.Category(category),
			Status:       hookbridge.DispatchStatus(status),
			RetryCount:   retries,
			MaxRetries:   maxRetries,
			NextRetryAt:  asPtr(nextRetry),
			SentAt:       asPtr(sentAt),
			ResponseCode: respCode,
			ProcessingMS: procMS,
			StartedAt:    asPtr(startedAt),
			Timestamp:    ts.UTC(),
			UserID:       userID,
			RuleID:       ruleID,
		}
		if eventLogID != 0 {
			v := eventLogID
			row.EventLogID = &v
		}
		if errKind != "" {
			row.LastError = &hookbridge.DeliveryError{Kind: errKind, Code: errCode, Message: errMsg}
		}
		r = append(r, row)
	}
	if err := iter.Close(); err != nil {
		return r, err
	}
	return r, nil
}

func dispatchArgs(d *hookbridge.DispatchRecord, payload []byte) []interface{} {
	var eventLogID int64
	if d.EventLogID != nil {
		eventLogID = *d.EventLogID
	}
	var errKind, errMsg string
	var errCode int
	if d.LastError != nil {
		errKind = d.LastError.Kind
		errCode = d.LastError.Code
		errMsg = d.LastError.Message
	}
	return []interface{}{
		d.ID, eventLogID, d.Model, d.RecordID, string(d.Operation), d.SubscriberID, payload, string(d.Priority), string(d.Category), string(d.Status),
		d.RetryCount, d.MaxRetries, asVal(d.NextRetryAt), errKind, errCode, errMsg, asVal(d.SentAt), d.ResponseCode, d.ProcessingMS, asVal(d.StartedAt),
		d.Timestamp, d.UserID, d.RuleID,
	}
}

func (s *DispatchStore) Add(ctx context.Context, d *hookbridge.DispatchRecord) (int64, error) {
	if connection == nil {
		return 0, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	id, err := nextID(ctx, s.cache, "dispatch")
	if err != nil {
		return 0, err
	}
	d.ID = id
	if d.Timestamp.IsZero() {
		d.Timestamp = Now().UTC()
	}
	if d.Status == "" {
		d.Status = hookbridge.StatusPending
	}
	payload, err := encodePayload(d.Payload)
	if err != nil {
		return 0, err
	}

	insertStatement := fmt.Sprintf("INSERT INTO %s.dispatch (%s) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?);", connection.Config.Keyspace, dispatchColumns)
	qry := connection.Session.Query(insertStatement, dispatchArgs(d, payload)...).WithContext(ctx)
	if connection.Config.ConsistencyBook.DispatchAdd > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.DispatchAdd)
	}
	if err := qry.Exec(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *DispatchStore) Get(ctx context.Context, id int64) (*hookbridge.DispatchRecord, error) {
	if connection == nil {
		return nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT %s FROM %s.dispatch WHERE id = ?;", dispatchColumns, connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, id).WithContext(ctx)
	if connection.Config.ConsistencyBook.DispatchGet > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.DispatchGet)
	}
	rows, err := scanDispatchRows(qry.Iter())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *DispatchStore) Update(ctx context.Context, d *hookbridge.DispatchRecord) error {
	if connection == nil {
		return fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	payload, err := encodePayload(d.Payload)
	if err != nil {
		return err
	}
	// Full-row upsert keyed by the existing id.
	insertStatement := fmt.Sprintf("INSERT INTO %s.dispatch (%s) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?);", connection.Config.Keyspace, dispatchColumns)
	qry := connection.Session.Query(insertStatement, dispatchArgs(d, payload)...).WithContext(ctx)
	if connection.Config.ConsistencyBook.DispatchUpdate > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.DispatchUpdate)
	}
	return qry.Exec()
}

func (s *DispatchStore) SelectDue(ctx context.Context, now time.Time, limit int) ([]hookbridge.DispatchRecord, error) {
	if connection == nil {
		return nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT %s FROM %s.dispatch WHERE status = ? ALLOW FILTERING;", dispatchColumns, connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, string(hookbridge.StatusPending)).WithContext(ctx)
	if connection.Config.ConsistencyBook.DispatchGet > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.DispatchGet)
	}
	pending, err := scanDispatchRows(qry.Iter())
	if err != nil {
		return nil, err
	}
	var due []hookbridge.DispatchRecord
	for _, row := range pending {
		// Postponed rows carry a future NextRetryAt while still pending.
		if row.NextRetryAt == nil || !row.NextRetryAt.After(now) {
			due = append(due, row)
		}
	}

	qry = connection.Session.Query(selectStatement, string(hookbridge.StatusFailed)).WithContext(ctx)
	if connection.Config.ConsistencyBook.DispatchGet > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.DispatchGet)
	}
	failed, err := scanDispatchRows(qry.Iter())
	if err != nil {
		return nil, err
	}
	for _, row := range failed {
		if row.RetryCount < row.MaxRetries && row.NextRetryAt != nil && !row.NextRetryAt.After(now) {
			due = append(due, row)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		ri, rj := due[i].Priority.Rank(), due[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		if !due[i].Timestamp.Equal(due[j].Timestamp) {
			return due[i].Timestamp.Before(due[j].Timestamp)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// CASStatus claims the row under a short cache lock, rereads the status, and
// only then writes the transition. Losing the lock or finding another status
// means another instance got there first.
func (s *DispatchStore) CASStatus(ctx context.Context, id int64, from, to hookbridge.DispatchStatus) (bool, error) {
	if connection == nil {
		return false, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}
	if s.cache == nil {
		return false, fmt.Errorf("cache client is not registered; set a cache factory before opening stores")
	}

	lk := s.cache.CreateLockKeys([]string{fmt.Sprintf("dispatch:%d", id)})
	if ok, _, err := s.cache.Lock(ctx, statusClaimLockDuration, lk); !ok || err != nil {
		return false, err
	}
	defer s.cache.Unlock(ctx, lk)

	selectStatement := fmt.Sprintf("SELECT status FROM %s.dispatch WHERE id = ?;", connection.Config.Keyspace)
	var status string
	found := false
	iter := connection.Session.Query(selectStatement, id).WithContext(ctx).Iter()
	for iter.Scan(&status) {
		found = true
	}
	if err := iter.Close(); err != nil {
		return false, err
	}
	if !found || hookbridge.DispatchStatus(status) != from {
		return false, nil
	}

	var startedAt time.Time
	if to == hookbridge.StatusProcessing {
		startedAt = Now().UTC()
	}
	updateStatement := fmt.Sprintf("UPDATE %s.dispatch SET status = ?, started_at = ? WHERE id = ?;", connection.Config.Keyspace)
	qry := connection.Session.Query(updateStatement, string(to), startedAt, id).WithContext(ctx)
	if connection.Config.ConsistencyBook.DispatchUpdate > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.DispatchUpdate)
	}
	if err := qry.Exec(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *DispatchStore) CountSentSince(ctx context.Context, subscriberID int64, since time.Time) (int, error) {
	if connection == nil {
		return 0, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT COUNT(*) FROM %s.dispatch WHERE sub_id = ? AND status = ? AND sent_at >= ? ALLOW FILTERING;", connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, subscriberID, string(hookbridge.StatusSent), since.UTC()).WithContext(ctx)
	if connection.Config.ConsistencyBook.DispatchGet > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.DispatchGet)
	}
	var n int
	iter := qry.Iter()
	for iter.Scan(&n) {
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *DispatchStore) ReclaimStuck(ctx context.Context, before time.Time) (int, error) {
	if connection == nil {
		return 0, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT id, started_at FROM %s.dispatch WHERE status = ? ALLOW FILTERING;", connection.Config.Keyspace)
	iter := connection.Session.Query(selectStatement, string(hookbridge.StatusProcessing)).WithContext(ctx).Iter()
	var ids []int64
	var id int64
	var startedAt time.Time
	for iter.Scan(&id, &startedAt) {
		if startedAt.IsZero() || startedAt.Before(before) {
			ids = append(ids, id)
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		// Another instance may have finished the row since the scan.
		ok, err := s.CASStatus(ctx, id, hookbridge.StatusProcessing, hookbridge.StatusPending)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *DispatchStore) ListBySubscriber(ctx context.Context, subscriberID int64, limit int) ([]hookbridge.DispatchRecord, error) {
	if connection == nil {
		return nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT %s FROM %s.dispatch WHERE sub_id = ? ALLOW FILTERING;", dispatchColumns, connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, subscriberID).WithContext(ctx)
	if connection.Config.ConsistencyBook.DispatchGet > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.DispatchGet)
	}
	rows, err := scanDispatchRows(qry.Iter())
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID > rows[j].ID })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}
