package cassandra

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"

	"github.com/geniustep/hookbridge"
)

// Audit and error rows only need the least consistency level; they aid
// operators after the fact and carry no coordination duty.
const trailConsistency = gocql.LocalOne

// AuditStore persists the dispatch history in the audit table, partitioned by
// dispatch so one read serves the whole trail.
type AuditStore struct {
	cache hookbridge.Cache
}

func NewAuditStore() *AuditStore {
	return &AuditStore{
		cache: hookbridge.NewCacheClient(),
	}
}

func (s *AuditStore) Add(ctx context.Context, a *hookbridge.AuditRecord) (int64, error) {
	if connection == nil {
		return 0, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	id, err := nextID(ctx, s.cache, "audit")
	if err != nil {
		return 0, err
	}
	a.ID = id
	if a.Timestamp.IsZero() {
		a.Timestamp = Now().UTC()
	}
	oldValues, err := encodePayload(a.OldValues)
	if err != nil {
		return 0, err
	}
	newValues, err := encodePayload(a.NewValues)
	if err != nil {
		return 0, err
	}

	insertStatement := fmt.Sprintf("INSERT INTO %s.audit (dispatch_id, id, action, ts, user_id, old_values, new_values, changed, note) VALUES(?,?,?,?,?,?,?,?,?);", connection.Config.Keyspace)
	qry := connection.Session.Query(insertStatement, a.DispatchID, a.ID, string(a.Action), a.Timestamp, a.UserID, oldValues, newValues, a.ChangedFields, a.Note).WithContext(ctx).Consistency(trailConsistency)
	if err := qry.Exec(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *AuditStore) ListByDispatch(ctx context.Context, dispatchID int64) ([]hookbridge.AuditRecord, error) {
	if connection == nil {
		return nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT dispatch_id, id, action, ts, user_id, old_values, new_values, changed, note FROM %s.audit WHERE dispatch_id = ?;", connection.Config.Keyspace)
	iter := connection.Session.Query(selectStatement, dispatchID).WithContext(ctx).Consistency(trailConsistency).Iter()

	r := make([]hookbridge.AuditRecord, 0, iter.NumRows())
	var (
		dID, id, userID  int64
		action, note     string
		ts               time.Time
		oldBlob, newBlob []byte
		changed          []string
	)
	for iter.Scan(&dID, &id, &action, &ts, &userID, &oldBlob, &newBlob, &changed, &note) {
		oldValues, err := decodePayload(oldBlob)
		if err != nil {
			iter.Close()
			return nil, err
		}
		newValues, err := decodePayload(newBlob)
		if err != nil {
			iter.Close()
			return nil, err
		}
		r = append(r, hookbridge.AuditRecord{
			ID:            id,
			DispatchID:    dID,
			Action:        hookbridge.AuditAction(action),
			Timestamp:     ts.UTC(),
			UserID:        userID,
			OldValues:     oldValues,
			NewValues:     newValues,
			ChangedFields: changed,
			Note:          note,
		})
		changed = nil
	}
	if err := iter.Close(); err != nil {
		return r, err
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r, nil
}

func (s *AuditStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if connection == nil {
		return 0, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT dispatch_id, id FROM %s.audit WHERE ts < ? ALLOW FILTERING;", connection.Config.Keyspace)
	iter := connection.Session.Query(selectStatement, cutoff.UTC()).WithContext(ctx).Consistency(trailConsistency).Iter()
	type key struct {
		dispatchID, id int64
	}
	var stale []key
	var dispatchID, id int64
	for iter.Scan(&dispatchID, &id) {
		stale = append(stale, key{dispatchID, id})
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	deleteStatement := fmt.Sprintf("DELETE FROM %s.audit WHERE dispatch_id = ? AND id = ?;", connection.Config.Keyspace)
	n := 0
	for _, k := range stale {
		if err := connection.Session.Query(deleteStatement, k.dispatchID, k.id).WithContext(ctx).Consistency(trailConsistency).Exec(); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
