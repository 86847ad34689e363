package cassandra

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"

	"github.com/geniustep/hookbridge"
)

const syncStateColumns = "user_id, device_id, id, app_type, last_event_id, last_sync, sync_count, total_synced, active"

// SyncStateStore persists pull cursors in the sync_state table, partitioned by
// user with the device as clustering key.
type SyncStateStore struct {
	cache hookbridge.Cache
}

func NewSyncStateStore() *SyncStateStore {
	return &SyncStateStore{
		cache: hookbridge.NewCacheClient(),
	}
}

func scanSyncStateRows(iter *gocql.Iter) ([]hookbridge.SyncState, error) {
	r := make([]hookbridge.SyncState, 0, iter.NumRows())
	var (
		userID, id, lastEventID, syncCount, totalSynced int64
		deviceID, appType                               string
		lastSync                                        time.Time
		active                                          bool
	)
	for iter.Scan(&userID, &deviceID, &id, &appType, &lastEventID, &lastSync, &syncCount, &totalSynced, &active) {
		r = append(r, hookbridge.SyncState{
			ID:                id,
			UserID:            userID,
			DeviceID:          deviceID,
			AppType:           appType,
			LastEventID:       lastEventID,
			LastSyncTime:      lastSync.UTC(),
			SyncCount:         syncCount,
			TotalEventsSynced: totalSynced,
			Active:            active,
		})
	}
	if err := iter.Close(); err != nil {
		return r, err
	}
	return r, nil
}

func (s *SyncStateStore) write(ctx context.Context, st *hookbridge.SyncState) error {
	insertStatement := fmt.Sprintf("INSERT INTO %s.sync_state (%s) VALUES(?,?,?,?,?,?,?,?,?);", connection.Config.Keyspace, syncStateColumns)
	return connection.Session.Query(insertStatement, st.UserID, st.DeviceID, st.ID, st.AppType, st.LastEventID,
		st.LastSyncTime, st.SyncCount, st.TotalEventsSynced, st.Active).WithContext(ctx).Exec()
}

func (s *SyncStateStore) GetOrCreate(ctx context.Context, userID int64, deviceID, appType string) (*hookbridge.SyncState, error) {
	existing, err := s.Get(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	id, err := nextID(ctx, s.cache, "sync_state")
	if err != nil {
		return nil, err
	}
	st := hookbridge.SyncState{
		ID:       id,
		UserID:   userID,
		DeviceID: deviceID,
		AppType:  appType,
		Active:   true,
	}
	if err := s.write(ctx, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *SyncStateStore) Get(ctx context.Context, userID int64, deviceID string) (*hookbridge.SyncState, error) {
	if connection == nil {
		return nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT %s FROM %s.sync_state WHERE user_id = ? AND device_id = ?;", syncStateColumns, connection.Config.Keyspace)
	rows, err := scanSyncStateRows(connection.Session.Query(selectStatement, userID, deviceID).WithContext(ctx).Iter())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *SyncStateStore) Update(ctx context.Context, st *hookbridge.SyncState) error {
	if connection == nil {
		return fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}
	return s.write(ctx, st)
}

func (s *SyncStateStore) List(ctx context.Context, activeOnly bool) ([]hookbridge.SyncState, error) {
	if connection == nil {
		return nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT %s FROM %s.sync_state;", syncStateColumns, connection.Config.Keyspace)
	if activeOnly {
		selectStatement = fmt.Sprintf("SELECT %s FROM %s.sync_state WHERE active = true ALLOW FILTERING;", syncStateColumns, connection.Config.Keyspace)
	}
	rows, err := scanSyncStateRows(connection.Session.Query(selectStatement).WithContext(ctx).Iter())
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

func (s *SyncStateStore) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if connection == nil {
		return 0, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT user_id, device_id, last_sync FROM %s.sync_state WHERE active = false ALLOW FILTERING;", connection.Config.Keyspace)
	iter := connection.Session.Query(selectStatement).WithContext(ctx).Iter()
	type key struct {
		userID   int64
		deviceID string
	}
	var stale []key
	var userID int64
	var deviceID string
	var lastSync time.Time
	for iter.Scan(&userID, &deviceID, &lastSync) {
		if !lastSync.IsZero() && lastSync.Before(cutoff) {
			stale = append(stale, key{userID, deviceID})
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	deleteStatement := fmt.Sprintf("DELETE FROM %s.sync_state WHERE user_id = ? AND device_id = ?;", connection.Config.Keyspace)
	n := 0
	for _, k := range stale {
		if err := connection.Session.Query(deleteStatement, k.userID, k.deviceID).WithContext(ctx).Exec(); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
