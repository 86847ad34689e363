package cassandra

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/geniustep/hookbridge"
)

// Now lambda to allow unit tests to inject replayable time.Now.
var Now = time.Now

var marshaler = hookbridge.NewMarshaler()

func sequenceKey(table string) string {
	return fmt.Sprintf("hb:seq:%s", table)
}

// nextID allocates the next row id for a table from the shared cache counter.
// Cassandra has no native sequences; the cache INCR is the cluster-wide
// monotonic source, so insertion order and id order agree across instances.
func nextID(ctx context.Context, cache hookbridge.Cache, table string) (int64, error) {
	if cache == nil {
		return 0, fmt.Errorf("cache client is not registered; set a cache factory before opening stores")
	}
	return cache.Incr(ctx, sequenceKey(table))
}

// seedSequence fast-forwards the id counter to the max id already present in
// the table. Run at engine start, before traffic, so a flushed cache cannot
// reissue ids under existing rows.
func seedSequence(ctx context.Context, cache hookbridge.Cache, table string) error {
	if connection == nil {
		return fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}
	if cache == nil {
		return fmt.Errorf("cache client is not registered; set a cache factory before opening stores")
	}

	selectStatement := fmt.Sprintf("SELECT MAX(id) FROM %s.%s;", connection.Config.Keyspace, table)
	iter := connection.Session.Query(selectStatement).WithContext(ctx).Iter()
	var max int64
	for iter.Scan(&max) {
	}
	if err := iter.Close(); err != nil {
		return err
	}
	if max == 0 {
		return nil
	}

	found, current, err := cache.Get(ctx, sequenceKey(table))
	if err != nil {
		return err
	}
	if found {
		if v, err := strconv.ParseInt(current, 10, 64); err == nil && v >= max {
			return nil
		}
	}
	return cache.Set(ctx, sequenceKey(table), strconv.FormatInt(max, 10), 0)
}

// asPtr converts a scanned timestamp to a pointer, mapping the zero time
// (Cassandra null) to nil.
func asPtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

// asVal converts an optional timestamp to a storable value; nil becomes the
// zero time.
func asVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func encodePayload(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return marshaler.Marshal(m)
}

func decodePayload(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := marshaler.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
