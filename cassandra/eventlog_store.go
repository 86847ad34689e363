package cassandra

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"github.com/geniustep/hookbridge"
)

const eventLogColumns = "id, model, record_id, event, payload, priority, category, ts, user_id, rule_id, processed, p_at, archived, a_at"

// EventLogStore persists the pull journal in the event_log table. Row ids come
// from the shared cache counter so they stay monotonic across instances.
type EventLogStore struct {
	cache hookbridge.Cache
}

func NewEventLogStore() *EventLogStore {
	return &EventLogStore{
		cache: hookbridge.NewCacheClient(),
	}
}

func scanEventLogRows(iter *gocql.Iter) ([]hookbridge.EventLogEntry, error) {
	r := make([]hookbridge.EventLogEntry, 0, iter.NumRows())
	var (
		id, recordID, userID, ruleID     int64
		model, event, priority, category string
		payload                          []byte
		ts, pAt, aAt                     time.Time
		processed, archived              bool
	)
	for iter.Scan(&id, &model, &recordID, &event, &payload, &priority, &category, &ts, &userID, &ruleID, &processed, &pAt, &archived, &aAt) {
		data, err := decodePayload(payload)
		if err != nil {
			iter.Close()
			return nil, err
		}
		r = append(r, hookbridge.EventLogEntry{
			ID:          id,
			Model:       model,
			RecordID:    recordID,
			Operation:   hookbridge.Operation(event),
			Payload:     data,
			Priority:    hookbridge.Priority(priority),
			Category:    hookbridge.Category(category),
			Timestamp:   ts.UTC(),
			UserID:      userID,
			RuleID:      ruleID,
			IsProcessed: processed,
			ProcessedAt: asPtr(pAt),
			IsArchived:  archived,
			ArchivedAt:  asPtr(aAt),
		})
	}
	if err := iter.Close(); err != nil {
		return r, err
	}
	return r, nil
}

func (s *EventLogStore) Append(ctx context.Context, e *hookbridge.EventLogEntry) (int64, error) {
	if err := hookbridge.ValidateRecordID(e.RecordID); err != nil {
		return 0, err
	}
	if connection == nil {
		return 0, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	id, err := nextID(ctx, s.cache, "event_log")
	if err != nil {
		return 0, err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = Now().UTC()
	}
	payload, err := encodePayload(e.Payload)
	if err != nil {
		return 0, err
	}

	insertStatement := fmt.Sprintf("INSERT INTO %s.event_log (%s) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?);", connection.Config.Keyspace, eventLogColumns)
	qry := connection.Session.Query(insertStatement, id, e.Model, e.RecordID, string(e.Operation), payload, string(e.Priority), string(e.Category),
		e.Timestamp, e.UserID, e.RuleID, e.IsProcessed, asVal(e.ProcessedAt), e.IsArchived, asVal(e.ArchivedAt)).WithContext(ctx)
	if connection.Config.ConsistencyBook.EventLogAdd > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.EventLogAdd)
	}
	if err := qry.Exec(); err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

func (s *EventLogStore) Get(ctx context.Context, id int64) (*hookbridge.EventLogEntry, error) {
	if connection == nil {
		return nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT %s FROM %s.event_log WHERE id = ?;", eventLogColumns, connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, id).WithContext(ctx)
	if connection.Config.ConsistencyBook.EventLogGet > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.EventLogGet)
	}
	rows, err := scanEventLogRows(qry.Iter())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *EventLogStore) ListByRecord(ctx context.Context, model string, recordID int64) ([]hookbridge.EventLogEntry, error) {
	if connection == nil {
		return nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT %s FROM %s.event_log WHERE model = ? AND record_id = ? AND archived = false ALLOW FILTERING;", eventLogColumns, connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, model, recordID).WithContext(ctx)
	if connection.Config.ConsistencyBook.EventLogGet > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.EventLogGet)
	}
	rows, err := scanEventLogRows(qry.Iter())
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

func (s *EventLogStore) DeleteByIDs(ctx context.Context, ids []int64) (int, error) {
	if connection == nil {
		return 0, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}
	if len(ids) == 0 {
		return 0, nil
	}

	paramQ := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i := range ids {
		paramQ[i] = "?"
		args[i] = ids[i]
	}

	// Count what exists first; Cassandra deletes do not report affected rows.
	selectStatement := fmt.Sprintf("SELECT COUNT(*) FROM %s.event_log WHERE id in (%v);", connection.Config.Keyspace, strings.Join(paramQ, ", "))
	qry := connection.Session.Query(selectStatement, args...).WithContext(ctx)
	if connection.Config.ConsistencyBook.EventLogGet > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.EventLogGet)
	}
	var n int
	iter := qry.Iter()
	for iter.Scan(&n) {
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	deleteStatement := fmt.Sprintf("DELETE FROM %s.event_log WHERE id in (%v);", connection.Config.Keyspace, strings.Join(paramQ, ", "))
	qry = connection.Session.Query(deleteStatement, args...).WithContext(ctx)
	if connection.Config.ConsistencyBook.EventLogRemove > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.EventLogRemove)
	}
	if err := qry.Exec(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *EventLogStore) Pull(ctx context.Context, q hookbridge.PullQuery) ([]hookbridge.EventLogEntry, bool, error) {
	if connection == nil {
		return nil, false, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	// Rows arrive in token order; the full backlog past the cursor is fetched
	// and ordered app-side. Backlogs stay small because consumers ack.
	selectStatement := fmt.Sprintf("SELECT %s FROM %s.event_log WHERE id > ? AND processed = false AND archived = false ALLOW FILTERING;", eventLogColumns, connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, q.LastEventID).WithContext(ctx)
	if connection.Config.ConsistencyBook.EventLogGet > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.EventLogGet)
	}
	rows, err := scanEventLogRows(qry.Iter())
	if err != nil {
		return nil, false, err
	}

	matched := rows[:0]
	for _, row := range rows {
		if len(q.Models) > 0 {
			found := false
			for _, m := range q.Models {
				if row.Model == m {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		if q.Priority != "" && row.Priority != q.Priority {
			continue
		}
		matched = append(matched, row)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(matched) > limit {
		return matched[:limit], true, nil
	}
	return matched, false, nil
}

func (s *EventLogStore) MarkProcessed(ctx context.Context, ids []int64, at time.Time) (int, error) {
	if connection == nil {
		return 0, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	updateStatement := fmt.Sprintf("UPDATE %s.event_log SET processed = true, p_at = ? WHERE id = ?;", connection.Config.Keyspace)
	n := 0
	for _, id := range ids {
		selectStatement := fmt.Sprintf("SELECT processed FROM %s.event_log WHERE id = ?;", connection.Config.Keyspace)
		var processed bool
		found := false
		iter := connection.Session.Query(selectStatement, id).WithContext(ctx).Iter()
		for iter.Scan(&processed) {
			found = true
		}
		if err := iter.Close(); err != nil {
			return n, err
		}
		if !found || processed {
			continue
		}
		qry := connection.Session.Query(updateStatement, at.UTC(), id).WithContext(ctx)
		if connection.Config.ConsistencyBook.EventLogUpdate > gocql.Any {
			qry.Consistency(connection.Config.ConsistencyBook.EventLogUpdate)
		}
		if err := qry.Exec(); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *EventLogStore) ArchiveBefore(ctx context.Context, cutoff time.Time, at time.Time) (int, error) {
	if connection == nil {
		return 0, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT id FROM %s.event_log WHERE processed = true AND archived = false AND ts < ? ALLOW FILTERING;", connection.Config.Keyspace)
	iter := connection.Session.Query(selectStatement, cutoff.UTC()).WithContext(ctx).Iter()
	ids := make([]int64, 0, iter.NumRows())
	var id int64
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	updateStatement := fmt.Sprintf("UPDATE %s.event_log SET archived = true, a_at = ? WHERE id = ?;", connection.Config.Keyspace)
	n := 0
	for _, id := range ids {
		qry := connection.Session.Query(updateStatement, at.UTC(), id).WithContext(ctx)
		if connection.Config.ConsistencyBook.EventLogUpdate > gocql.Any {
			qry.Consistency(connection.Config.ConsistencyBook.EventLogUpdate)
		}
		if err := qry.Exec(); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *EventLogStore) DeleteArchivedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if connection == nil {
		return 0, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT id FROM %s.event_log WHERE archived = true AND ts < ? ALLOW FILTERING;", connection.Config.Keyspace)
	iter := connection.Session.Query(selectStatement, cutoff.UTC()).WithContext(ctx).Iter()
	ids := make([]int64, 0, iter.NumRows())
	var id int64
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	paramQ := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i := range ids {
		paramQ[i] = "?"
		args[i] = ids[i]
	}
	deleteStatement := fmt.Sprintf("DELETE FROM %s.event_log WHERE id in (%v);", connection.Config.Keyspace, strings.Join(paramQ, ", "))
	qry := connection.Session.Query(deleteStatement, args...).WithContext(ctx)
	if connection.Config.ConsistencyBook.EventLogRemove > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.EventLogRemove)
	}
	if err := qry.Exec(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *EventLogStore) PendingCount(ctx context.Context) (int64, error) {
	if connection == nil {
		return 0, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT COUNT(*) FROM %s.event_log WHERE processed = false AND archived = false ALLOW FILTERING;", connection.Config.Keyspace)
	iter := connection.Session.Query(selectStatement).WithContext(ctx).Iter()
	var n int64
	for iter.Scan(&n) {
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *EventLogStore) Stats(ctx context.Context, since time.Time) (*hookbridge.Statistics, error) {
	if connection == nil {
		return nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT model, priority, processed, archived FROM %s.event_log WHERE ts >= ? ALLOW FILTERING;", connection.Config.Keyspace)
	iter := connection.Session.Query(selectStatement, since.UTC()).WithContext(ctx).Iter()

	st := hookbridge.Statistics{
		ByPriority: make(map[string]int64),
	}
	byModel := make(map[string]int64)
	var model, priority string
	var processed, archived bool
	for iter.Scan(&model, &priority, &processed, &archived) {
		st.TotalEvents++
		if processed {
			st.Processed++
		} else if !archived {
			st.Pending++
		}
		if archived {
			st.Archived++
		}
		byModel[model]++
		st.ByPriority[priority]++
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	for m, c := range byModel {
		st.ByModel = append(st.ByModel, hookbridge.ModelCount{Model: m, Count: c})
	}
	sort.Slice(st.ByModel, func(i, j int) bool {
		if st.ByModel[i].Count != st.ByModel[j].Count {
			return st.ByModel[i].Count > st.ByModel[j].Count
		}
		return st.ByModel[i].Model < st.ByModel[j].Model
	})
	if len(st.ByModel) > 10 {
		st.ByModel = st.ByModel[:10]
	}
	return &st, nil
}

func (s *EventLogStore) DistinctRecords(ctx context.Context) ([]hookbridge.Tuple[string, int64], error) {
	if connection == nil {
		return nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT model, record_id FROM %s.event_log WHERE archived = false ALLOW FILTERING;", connection.Config.Keyspace)
	iter := connection.Session.Query(selectStatement).WithContext(ctx).Iter()

	type pair struct {
		model string
		id    int64
	}
	seen := make(map[pair]struct{})
	var r []hookbridge.Tuple[string, int64]
	var model string
	var recordID int64
	for iter.Scan(&model, &recordID) {
		p := pair{model, recordID}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		r = append(r, hookbridge.Tuple[string, int64]{First: model, Second: recordID})
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return r, nil
}
