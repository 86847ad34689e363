package cassandra

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/geniustep/hookbridge"
)

// ErrorSink persists pipeline failures in the error_log table.
type ErrorSink struct {
	cache hookbridge.Cache
}

func NewErrorSink() *ErrorSink {
	return &ErrorSink{
		cache: hookbridge.NewCacheClient(),
	}
}

func (s *ErrorSink) Record(ctx context.Context, model string, recordID int64, message string) error {
	if connection == nil {
		return fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	id, err := nextID(ctx, s.cache, "error_log")
	if err != nil {
		return err
	}
	insertStatement := fmt.Sprintf("INSERT INTO %s.error_log (id, model, record_id, message, ts) VALUES(?,?,?,?,?);", connection.Config.Keyspace)
	return connection.Session.Query(insertStatement, id, model, recordID, message, Now().UTC()).WithContext(ctx).Consistency(trailConsistency).Exec()
}

func (s *ErrorSink) List(ctx context.Context, limit int) ([]hookbridge.ErrorRecord, error) {
	if connection == nil {
		return nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT id, model, record_id, message, ts FROM %s.error_log;", connection.Config.Keyspace)
	iter := connection.Session.Query(selectStatement).WithContext(ctx).Consistency(trailConsistency).Iter()

	r := make([]hookbridge.ErrorRecord, 0, iter.NumRows())
	var (
		id, recordID   int64
		model, message string
		ts             time.Time
	)
	for iter.Scan(&id, &model, &recordID, &message, &ts) {
		r = append(r, hookbridge.ErrorRecord{
			ID:        id,
			Model:     model,
			RecordID:  recordID,
			Message:   message,
			Timestamp: ts.UTC(),
		})
	}
	if err := iter.Close(); err != nil {
		return r, err
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID > r[j].ID })
	if limit > 0 && len(r) > limit {
		r = r[:limit]
	}
	return r, nil
}

func (s *ErrorSink) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if connection == nil {
		return 0, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT id FROM %s.error_log WHERE ts < ? ALLOW FILTERING;", connection.Config.Keyspace)
	iter := connection.Session.Query(selectStatement, cutoff.UTC()).WithContext(ctx).Consistency(trailConsistency).Iter()
	var ids []int64
	var id int64
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	deleteStatement := fmt.Sprintf("DELETE FROM %s.error_log WHERE id = ?;", connection.Config.Keyspace)
	n := 0
	for _, id := range ids {
		if err := connection.Session.Query(deleteStatement, id).WithContext(ctx).Consistency(trailConsistency).Exec(); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
