package eventlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/geniustep/hookbridge"
	"github.com/geniustep/hookbridge/inmemory"
)

var ctx = context.Background()

func newService(t *testing.T) (*Service, hookbridge.Stores) {
	t.Helper()
	hookbridge.SetCacheFactory(hookbridge.InMemory)
	stores := inmemory.NewStores()
	svc := NewService(stores.EventLog, stores.Audit, stores.Errors, nil, hookbridge.Options{})
	return svc, stores
}

func entry(op hookbridge.Operation, recordID int64) *hookbridge.EventLogEntry {
	return &hookbridge.EventLogEntry{
		Model:     "sale.order",
		RecordID:  recordID,
		Operation: op,
		Payload:   map[string]any{"name": fmt.Sprintf("SO%d", recordID)},
		Priority:  hookbridge.PriorityMedium,
		Category:  hookbridge.CategoryBusiness,
	}
}

func TestAppendAssignsIDs(t *testing.T) {
	svc, _ := newService(t)

	id1, err := svc.Append(ctx, entry(hookbridge.OperationCreate, 1))
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	id2, err := svc.Append(ctx, entry(hookbridge.OperationCreate, 2))
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if id1 <= 0 || id2 <= id1 {
		t.Errorf("ids not increasing: %d then %d", id1, id2)
	}
}

func TestAppendRejectsZeroRecordID(t *testing.T) {
	svc, _ := newService(t)

	if _, err := svc.Append(ctx, entry(hookbridge.OperationCreate, 0)); err == nil {
		t.Error("record id 0 should be rejected")
	}
	if _, err := svc.Append(ctx, entry(hookbridge.OperationCreate, -1)); err != nil {
		t.Errorf("synthetic negative id should append: %v", err)
	}
}

func TestCreateSupersedesPriorWrites(t *testing.T) {
	svc, stores := newService(t)

	w1, err := svc.Append(ctx, entry(hookbridge.OperationWrite, 99))
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	for i := 0; i < 2; i++ {
		if _, err := svc.Append(ctx, entry(hookbridge.OperationWrite, 99)); err != nil {
			t.Error(err)
			t.FailNow()
		}
	}
	if _, err := svc.MarkProcessed(ctx, []int64{w1}); err != nil {
		t.Error(err)
		t.FailNow()
	}

	if _, err := svc.Append(ctx, entry(hookbridge.OperationCreate, 99)); err != nil {
		t.Error(err)
		t.FailNow()
	}

	rows, err := stores.EventLog.ListByRecord(ctx, "sale.order", 99)
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if len(rows) != 1 || rows[0].Operation != hookbridge.OperationCreate {
		t.Errorf("create should supersede prior writes, processed or not, got %+v", rows)
	}
}

func TestWriteAbsorbedWhileCreateLive(t *testing.T) {
	svc, stores := newService(t)

	createID, err := svc.Append(ctx, entry(hookbridge.OperationCreate, 42))
	if err != nil {
		t.Error(err)
		t.FailNow()
	}

	id, err := svc.Append(ctx, entry(hookbridge.OperationWrite, 42))
	if err != nil {
		t.Errorf("absorbed write is not an error: %v", err)
	}
	if id != 0 {
		t.Errorf("write should be absorbed while the create is live, got id %d", id)
	}

	// Acking the create does not lift the absorption; only a tombstone or
	// archival does.
	if _, err := svc.MarkProcessed(ctx, []int64{createID}); err != nil {
		t.Error(err)
		t.FailNow()
	}
	id, err = svc.Append(ctx, entry(hookbridge.OperationWrite, 42))
	if err != nil || id != 0 {
		t.Errorf("write should stay absorbed after ack, got id %d err %v", id, err)
	}

	if _, err := svc.Append(ctx, entry(hookbridge.OperationDelete, 42)); err != nil {
		t.Error(err)
		t.FailNow()
	}
	id, err = svc.Append(ctx, entry(hookbridge.OperationWrite, 42))
	if err != nil || id == 0 {
		t.Errorf("write after the tombstone should append, got id %d err %v", id, err)
	}

	rows, _ := stores.EventLog.ListByRecord(ctx, "sale.order", 42)
	if len(rows) != 3 {
		t.Errorf("got %d rows, want create + delete + later write", len(rows))
	}
}

func TestArchivedCreateStopsAbsorbingWrites(t *testing.T) {
	svc, _ := newService(t)

	saved := Now
	defer func() { Now = saved }()
	old := time.Now().UTC().AddDate(0, 0, -10)
	Now = func() time.Time { return old }

	createID, err := svc.Append(ctx, entry(hookbridge.OperationCreate, 42))
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if _, err := svc.MarkProcessed(ctx, []int64{createID}); err != nil {
		t.Error(err)
		t.FailNow()
	}

	Now = saved
	archived, err := svc.ArchiveSweep(ctx)
	if err != nil || archived != 1 {
		t.Errorf("got %d archived err %v, want 1", archived, err)
	}

	id, err := svc.Append(ctx, entry(hookbridge.OperationWrite, 42))
	if err != nil || id == 0 {
		t.Errorf("write after the create is archived should append, got id %d err %v", id, err)
	}
}

func TestDeleteAlwaysAppends(t *testing.T) {
	svc, stores := newService(t)

	if _, err := svc.Append(ctx, entry(hookbridge.OperationCreate, 42)); err != nil {
		t.Error(err)
		t.FailNow()
	}
	id, err := svc.Append(ctx, entry(hookbridge.OperationDelete, 42))
	if err != nil || id == 0 {
		t.Errorf("tombstone should always append, got id %d err %v", id, err)
	}

	rows, _ := stores.EventLog.ListByRecord(ctx, "sale.order", 42)
	if len(rows) != 2 {
		t.Errorf("create and delete should both remain, got %d rows", len(rows))
	}
}

func TestPullEchoesCursorWhenEmpty(t *testing.T) {
	svc, _ := newService(t)

	res, err := svc.Pull(ctx, hookbridge.PullQuery{LastEventID: 57})
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if res.LastID != 57 || res.Count != 0 || res.HasMore {
		t.Errorf("empty pull should echo the cursor: %+v", res)
	}
}

func TestPullAdvancesCursor(t *testing.T) {
	svc, _ := newService(t)

	var lastAppended int64
	for i := int64(1); i <= 3; i++ {
		id, err := svc.Append(ctx, entry(hookbridge.OperationCreate, i))
		if err != nil {
			t.Error(err)
			t.FailNow()
		}
		lastAppended = id
	}

	res, err := svc.Pull(ctx, hookbridge.PullQuery{Limit: -7})
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if res.Count != 3 || res.LastID != lastAppended || res.HasMore {
		t.Errorf("pull result wrong: %+v", res)
	}

	res, err = svc.Pull(ctx, hookbridge.PullQuery{Limit: 2})
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if res.Count != 2 || !res.HasMore {
		t.Errorf("limited pull should flag more: %+v", res)
	}
}

func TestSweepsAgeOutEntries(t *testing.T) {
	svc, stores := newService(t)

	saved := Now
	defer func() { Now = saved }()
	old := time.Now().UTC().AddDate(0, 0, -40)
	Now = func() time.Time { return old }

	id, err := svc.Append(ctx, entry(hookbridge.OperationCreate, 42))
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if _, err := svc.MarkProcessed(ctx, []int64{id}); err != nil {
		t.Error(err)
		t.FailNow()
	}

	Now = saved

	archived, err := svc.ArchiveSweep(ctx)
	if err != nil || archived != 1 {
		t.Errorf("got %d archived err %v, want 1", archived, err)
	}
	deleted, err := svc.DeleteSweep(ctx)
	if err != nil || deleted != 1 {
		t.Errorf("got %d deleted err %v, want 1", deleted, err)
	}
	rows, _ := stores.EventLog.ListByRecord(ctx, "sale.order", 42)
	if len(rows) != 0 {
		t.Errorf("aged entry should be gone, got %d rows", len(rows))
	}
}

func TestStatsDefaultsPeriod(t *testing.T) {
	svc, _ := newService(t)

	if _, err := svc.Append(ctx, entry(hookbridge.OperationCreate, 1)); err != nil {
		t.Error(err)
		t.FailNow()
	}
	st, err := svc.Stats(ctx, 0)
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if st.PeriodDays != 7 || st.TotalEvents != 1 {
		t.Errorf("stats wrong: %+v", st)
	}
}

type orphanAccessor struct {
	exists map[string]bool
	probed []string
}

func probeKey(model string, recordID int64) string {
	return fmt.Sprintf("%s#%d", model, recordID)
}

func (f *orphanAccessor) Fields(ctx context.Context, model string) ([]hookbridge.FieldDescriptor, error) {
	return nil, nil
}
func (f *orphanAccessor) Value(ctx context.Context, model string, recordID int64, field string) (any, error) {
	return nil, nil
}
func (f *orphanAccessor) DisplayName(ctx context.Context, model string, recordID int64) (string, error) {
	return "", nil
}
func (f *orphanAccessor) Exists(ctx context.Context, model string, recordID int64) (bool, error) {
	f.probed = append(f.probed, probeKey(model, recordID))
	return f.exists[probeKey(model, recordID)], nil
}

func TestOrphanSweep(t *testing.T) {
	hookbridge.SetCacheFactory(hookbridge.InMemory)
	stores := inmemory.NewStores()
	acc := &orphanAccessor{exists: map[string]bool{
		probeKey("sale.order", 1): true,
		probeKey("sale.order", 2): false,
	}}
	svc := NewService(stores.EventLog, stores.Audit, stores.Errors, acc, hookbridge.Options{})

	for _, rid := range []int64{1, 2, -5} {
		if _, err := svc.Append(ctx, entry(hookbridge.OperationCreate, rid)); err != nil {
			t.Error(err)
			t.FailNow()
		}
	}

	removed, err := svc.OrphanSweep(ctx)
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if removed != 1 {
		t.Errorf("got %d removed, want 1", removed)
	}
	for _, p := range acc.probed {
		if p == probeKey("sale.order", -5) {
			t.Error("synthetic ids must never probe the host")
		}
	}
	rows, _ := stores.EventLog.ListByRecord(ctx, "sale.order", 2)
	if len(rows) != 0 {
		t.Error("orphaned events should be deleted")
	}
	audits, _ := stores.Audit.ListByDispatch(ctx, 0)
	if len(audits) != 1 || audits[0].Action != hookbridge.AuditDeleted {
		t.Errorf("orphan cleanup should leave an audit row, got %+v", audits)
	}
}

func TestOrphanSweepWithoutAccessor(t *testing.T) {
	svc, _ := newService(t)
	if _, err := svc.Append(ctx, entry(hookbridge.OperationCreate, 1)); err != nil {
		t.Error(err)
		t.FailNow()
	}
	removed, err := svc.OrphanSweep(ctx)
	if err != nil || removed != 0 {
		t.Errorf("sweep without accessor must be a no-op, got %d err %v", removed, err)
	}
}
