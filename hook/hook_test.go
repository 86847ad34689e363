package hook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/geniustep/hookbridge"
	"github.com/geniustep/hookbridge/inmemory"
	"github.com/geniustep/hookbridge/payload"
	"github.com/geniustep/hookbridge/registry"
)

var ctx = context.Background()

type fakeAccessor struct {
	fields map[string][]hookbridge.FieldDescriptor
	values map[string]map[string]any
}

func (f *fakeAccessor) Fields(ctx context.Context, model string) ([]hookbridge.FieldDescriptor, error) {
	return f.fields[model], nil
}
func (f *fakeAccessor) Value(ctx context.Context, model string, recordID int64, field string) (any, error) {
	return f.values[model][field], nil
}
func (f *fakeAccessor) DisplayName(ctx context.Context, model string, recordID int64) (string, error) {
	return "rec", nil
}
func (f *fakeAccessor) Exists(ctx context.Context, model string, recordID int64) (bool, error) {
	return true, nil
}

type captureLog struct {
	entries []hookbridge.EventLogEntry
	err     error
	drop    bool
	nextID  int64
}

func (c *captureLog) Append(ctx context.Context, e *hookbridge.EventLogEntry) (int64, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.drop {
		return 0, nil
	}
	c.nextID++
	e.ID = c.nextID
	c.entries = append(c.entries, *e)
	return c.nextID, nil
}

type captureQueue struct {
	enqueued  []int64
	processed [][]int64
	err       error
}

func (c *captureQueue) Enqueue(ctx context.Context, e *hookbridge.EventLogEntry, rule *hookbridge.Rule) ([]int64, error) {
	if c.err != nil {
		return nil, c.err
	}
	id := e.ID*10 + 1
	c.enqueued = append(c.enqueued, id)
	return []int64{id}, nil
}

func (c *captureQueue) ProcessNow(ctx context.Context, ids []int64) {
	c.processed = append(c.processed, ids)
}

type fixture struct {
	hook  *Interceptor
	log   *captureLog
	queue *captureQueue
	sink  hookbridge.ErrorSink
}

func orderAccessor() *fakeAccessor {
	return &fakeAccessor{
		fields: map[string][]hookbridge.FieldDescriptor{
			"sale.order": {
				{Name: "name", Kind: hookbridge.FieldScalar},
				{Name: "amount", Kind: hookbridge.FieldScalar},
			},
		},
		values: map[string]map[string]any{
			"sale.order": {"name": "SO1", "amount": 150.0},
		},
	}
}

func newFixture(t *testing.T, acc hookbridge.EntityAccessor, rules ...hookbridge.Rule) *fixture {
	t.Helper()
	hookbridge.SetCacheFactory(hookbridge.InMemory)
	stores := inmemory.NewStores()
	for idx := range rules {
		if err := stores.Rules.Add(ctx, &rules[idx]); err != nil {
			t.Error(err)
			t.FailNow()
		}
	}
	clog := &captureLog{}
	q := &captureQueue{}
	hk := NewInterceptor(
		registry.New(stores.Rules),
		NewDebouncer(time.Minute),
		payload.NewBuilder(acc, nil),
		clog,
		q,
		stores.Errors,
		hookbridge.Options{},
	)
	return &fixture{hook: hk, log: clog, queue: q, sink: stores.Errors}
}

func sinkCount(t *testing.T, sink hookbridge.ErrorSink) int {
	t.Helper()
	rows, err := sink.List(ctx, 100)
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	return len(rows)
}

func TestCreateFlowsToLogAndQueue(t *testing.T) {
	f := newFixture(t, orderAccessor(), hookbridge.Rule{
		Name: "orders", Model: "sale.order", Operation: hookbridge.OperationCreate,
		Active: true, Priority: hookbridge.PriorityMedium, Category: "business",
	})

	f.hook.OnCreated(ctx, "sale.order", []int64{42})

	if len(f.log.entries) != 1 {
		t.Errorf("got %d log entries, want 1", len(f.log.entries))
		t.FailNow()
	}
	e := f.log.entries[0]
	if e.Model != "sale.order" || e.RecordID != 42 || e.Operation != hookbridge.OperationCreate {
		t.Errorf("entry identity wrong: %+v", e)
	}
	if e.Payload["name"] != "SO1" {
		t.Errorf("payload missing fields: %v", e.Payload)
	}
	if len(f.queue.enqueued) != 1 {
		t.Errorf("got %d enqueues, want 1", len(f.queue.enqueued))
	}
	if len(f.queue.processed) != 0 {
		t.Error("non-instant rule must not kick immediate processing")
	}
}

func TestSuppressedContextSkips(t *testing.T) {
	f := newFixture(t, orderAccessor(), hookbridge.Rule{
		Name: "orders", Model: "sale.order", Operation: hookbridge.OperationCreate,
		Active: true, Priority: hookbridge.PriorityMedium,
	})

	f.hook.OnCreated(hookbridge.WithWebhookDisabled(ctx), "sale.order", []int64{42})

	if len(f.log.entries) != 0 {
		t.Error("suppressed context still produced events")
	}
}

func TestUntrackedModelIgnored(t *testing.T) {
	f := newFixture(t, orderAccessor(), hookbridge.Rule{
		Name: "orders", Model: "sale.order", Operation: hookbridge.OperationCreate,
		Active: true, Priority: hookbridge.PriorityMedium,
	})

	f.hook.OnCreated(ctx, "res.partner", []int64{7})
	f.hook.OnCreated(ctx, "ir.cron", []int64{7})

	if len(f.log.entries) != 0 {
		t.Error("untracked models must not produce events")
	}
}

func TestZeroRecordIDSunk(t *testing.T) {
	f := newFixture(t, orderAccessor(), hookbridge.Rule{
		Name: "orders", Model: "sale.order", Operation: hookbridge.OperationCreate,
		Active: true, Priority: hookbridge.PriorityMedium,
	})

	f.hook.OnCreated(ctx, "sale.order", []int64{0})

	if len(f.log.entries) != 0 {
		t.Error("record id 0 must not produce events")
	}
	if sinkCount(t, f.sink) != 1 {
		t.Error("rejected record id should reach the error sink")
	}
}

func TestTrackedFieldsGateWrites(t *testing.T) {
	saved := Now
	defer func() { Now = saved }()
	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	Now = func() time.Time { return at }

	f := newFixture(t, orderAccessor(), hookbridge.Rule{
		Name: "orders", Model: "sale.order", Operation: hookbridge.OperationWrite,
		Active: true, Priority: hookbridge.PriorityMedium, TrackedFields: []string{"amount"},
	})

	f.hook.OnWritten(ctx, "sale.order", []int64{42}, []string{"name"})
	if len(f.log.entries) != 0 {
		t.Error("write outside tracked fields must not produce events")
	}

	// The gated invocation still consumed the debounce slot; move past it.
	at = at.Add(4 * time.Second)
	f.hook.OnWritten(ctx, "sale.order", []int64{42}, []string{"name", "amount"})
	if len(f.log.entries) != 1 {
		t.Errorf("got %d entries, want 1", len(f.log.entries))
		t.FailNow()
	}
	changed, ok := f.log.entries[0].Payload["_changed_fields"].([]string)
	if !ok || len(changed) != 2 {
		t.Errorf("changed fields not propagated: %v", f.log.entries[0].Payload["_changed_fields"])
	}
}

func TestDebounceCollapsesBursts(t *testing.T) {
	saved := Now
	defer func() { Now = saved }()
	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	Now = func() time.Time { return at }

	f := newFixture(t, orderAccessor(), hookbridge.Rule{
		Name: "orders", Model: "sale.order", Operation: hookbridge.OperationWrite,
		Active: true, Priority: hookbridge.PriorityMedium,
	})

	f.hook.OnWritten(ctx, "sale.order", []int64{42}, []string{"amount"})
	f.hook.OnWritten(ctx, "sale.order", []int64{42}, []string{"amount"})

	if len(f.log.entries) != 1 {
		t.Errorf("got %d entries, want 1 after debounce", len(f.log.entries))
	}
	if f.hook.debounce.Suppressed() != 1 {
		t.Errorf("got %d suppressed, want 1", f.hook.debounce.Suppressed())
	}

	// Past the window the same record fires again.
	at = at.Add(4 * time.Second)
	f.hook.OnWritten(ctx, "sale.order", []int64{42}, []string{"amount"})
	if len(f.log.entries) != 2 {
		t.Errorf("got %d entries, want 2 after window elapsed", len(f.log.entries))
	}
}

// rawRuleStore serves rules without the single-active-rule guard, the way a
// row seeded straight into the database would look.
type rawRuleStore struct {
	rules []hookbridge.Rule
}

func (s *rawRuleStore) Add(ctx context.Context, r *hookbridge.Rule) error    { return nil }
func (s *rawRuleStore) Update(ctx context.Context, r *hookbridge.Rule) error { return nil }
func (s *rawRuleStore) Delete(ctx context.Context, id int64) error           { return nil }
func (s *rawRuleStore) Get(ctx context.Context, id int64) (*hookbridge.Rule, error) {
	return nil, nil
}
func (s *rawRuleStore) All(ctx context.Context, activeOnly bool) ([]hookbridge.Rule, error) {
	return s.rules, nil
}

func TestDuplicateRulesShareOneDebounce(t *testing.T) {
	hookbridge.SetCacheFactory(hookbridge.InMemory)
	stores := inmemory.NewStores()
	raw := &rawRuleStore{rules: []hookbridge.Rule{
		{ID: 1, Name: "first", Model: "sale.order", Operation: hookbridge.OperationWrite,
			Active: true, Priority: hookbridge.PriorityMedium, Sequence: 1},
		{ID: 2, Name: "second", Model: "sale.order", Operation: hookbridge.OperationWrite,
			Active: true, Priority: hookbridge.PriorityLow, Sequence: 2},
	}}
	clog := &captureLog{}
	hk := NewInterceptor(
		registry.New(raw),
		NewDebouncer(time.Minute),
		payload.NewBuilder(orderAccessor(), nil),
		clog,
		&captureQueue{},
		stores.Errors,
		hookbridge.Options{},
	)

	hk.OnWritten(ctx, "sale.order", []int64{42}, []string{"amount"})

	if len(clog.entries) != 2 {
		t.Errorf("got %d entries, want one per duplicate rule", len(clog.entries))
	}
	if hk.debounce.Suppressed() != 0 {
		t.Errorf("one invocation must not count as suppressed, got %d", hk.debounce.Suppressed())
	}
}

func TestDeleteHasOwnDebounceBucket(t *testing.T) {
	saved := Now
	defer func() { Now = saved }()
	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	Now = func() time.Time { return at }

	f := newFixture(t, orderAccessor(),
		hookbridge.Rule{
			Name: "order-writes", Model: "sale.order", Operation: hookbridge.OperationWrite,
			Active: true, Priority: hookbridge.PriorityMedium,
		},
		hookbridge.Rule{
			Name: "order-deletes", Model: "sale.order", Operation: hookbridge.OperationDelete,
			Active: true, Priority: hookbridge.PriorityMedium,
		},
	)

	f.hook.OnWritten(ctx, "sale.order", []int64{42}, []string{"amount"})
	f.hook.OnDeleted(ctx, "sale.order", []hookbridge.CapturedRecord{
		{RecordID: 42, DisplayName: "SO1", Snapshot: map[string]any{"name": "SO1"}},
	})

	if len(f.log.entries) != 2 {
		t.Errorf("got %d entries, want write and delete both logged", len(f.log.entries))
		t.FailNow()
	}
	if f.log.entries[1].Operation != hookbridge.OperationDelete {
		t.Errorf("second entry should be the delete, got %s", f.log.entries[1].Operation)
	}
	if f.log.entries[1].Payload["name"] != "SO1" {
		t.Errorf("delete payload should come from the snapshot: %v", f.log.entries[1].Payload)
	}
}

func TestDomainFilterSkipsNonMatching(t *testing.T) {
	acc := orderAccessor()
	acc.values["sale.order"]["amount"] = 50.0
	f := newFixture(t, acc, hookbridge.Rule{
		Name: "big-orders", Model: "sale.order", Operation: hookbridge.OperationCreate,
		Active: true, Priority: hookbridge.PriorityMedium, Domain: `record.amount > 100.0`,
	})

	f.hook.OnCreated(ctx, "sale.order", []int64{42})
	if len(f.log.entries) != 0 {
		t.Error("domain mismatch must not produce events")
	}

	acc.values["sale.order"]["amount"] = 150.0
	f.hook.OnCreated(ctx, "sale.order", []int64{43})
	if len(f.log.entries) != 1 {
		t.Errorf("got %d entries, want 1 matching", len(f.log.entries))
	}
}

func TestDomainErrorFailsOpen(t *testing.T) {
	f := newFixture(t, orderAccessor(), hookbridge.Rule{
		Name: "bad-domain", Model: "sale.order", Operation: hookbridge.OperationCreate,
		Active: true, Priority: hookbridge.PriorityMedium, Domain: `record.not_a_field == "x"`,
	})

	f.hook.OnCreated(ctx, "sale.order", []int64{42})

	if len(f.log.entries) != 1 {
		t.Error("evaluation failure must fail open and keep the event")
	}
	if sinkCount(t, f.sink) == 0 {
		t.Error("evaluation failure should be visible in the error sink")
	}
}

func TestTestModeLogsWithoutDispatch(t *testing.T) {
	f := newFixture(t, orderAccessor(), hookbridge.Rule{
		Name: "dry-run", Model: "sale.order", Operation: hookbridge.OperationCreate,
		Active: true, Priority: hookbridge.PriorityMedium, TestMode: true,
	})

	f.hook.OnCreated(ctx, "sale.order", []int64{42})

	if len(f.log.entries) != 1 {
		t.Errorf("got %d entries, want 1", len(f.log.entries))
		t.FailNow()
	}
	md, _ := f.log.entries[0].Payload["_metadata"].(map[string]any)
	if md == nil || md["test_mode"] != true {
		t.Errorf("test-mode entry should carry the marker: %v", md)
	}
	if len(f.queue.enqueued) != 0 {
		t.Error("test-mode rule must never enqueue dispatches")
	}
}

func TestInstantSendKicksQueue(t *testing.T) {
	f := newFixture(t, orderAccessor(), hookbridge.Rule{
		Name: "urgent", Model: "sale.order", Operation: hookbridge.OperationCreate,
		Active: true, Priority: hookbridge.PriorityHigh, InstantSend: true,
	})

	f.hook.OnCreated(ctx, "sale.order", []int64{42})

	if len(f.queue.processed) != 1 {
		t.Errorf("got %d immediate kicks, want 1", len(f.queue.processed))
	}
}

func TestAppendFailureReachesSink(t *testing.T) {
	f := newFixture(t, orderAccessor(), hookbridge.Rule{
		Name: "orders", Model: "sale.order", Operation: hookbridge.OperationCreate,
		Active: true, Priority: hookbridge.PriorityMedium,
	})
	f.log.err = errors.New("store down")

	f.hook.OnCreated(ctx, "sale.order", []int64{42})

	if sinkCount(t, f.sink) != 1 {
		t.Error("append failure should reach the error sink")
	}
	if len(f.queue.enqueued) != 0 {
		t.Error("failed append must not enqueue")
	}
}

func TestSupersededAppendSkipsEnqueue(t *testing.T) {
	f := newFixture(t, orderAccessor(), hookbridge.Rule{
		Name: "orders", Model: "sale.order", Operation: hookbridge.OperationWrite,
		Active: true, Priority: hookbridge.PriorityMedium,
	})
	f.log.drop = true

	f.hook.OnWritten(ctx, "sale.order", []int64{42}, []string{"amount"})

	if len(f.queue.enqueued) != 0 {
		t.Error("superseded entry must not enqueue")
	}
	if sinkCount(t, f.sink) != 0 {
		t.Error("supersession is not an error")
	}
}
