package inmemory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/geniustep/hookbridge"
)

var ctx = context.Background()

func TestEventLogAppendAssignsIncreasingIDs(t *testing.T) {
	s := NewEventLogStore()
	var last int64
	for i := 0; i < 5; i++ {
		e := hookbridge.EventLogEntry{Model: "res.partner", RecordID: 7, Operation: hookbridge.OperationWrite}
		id, err := s.Append(ctx, &e)
		if err != nil {
			t.Error(err)
			t.FailNow()
		}
		if id <= last {
			t.Errorf("id %d not greater than previous %d", id, last)
		}
		if e.ID != id {
			t.Errorf("entry id %d not written back, got %d", id, e.ID)
		}
		if e.Timestamp.IsZero() {
			t.Error("timestamp was not stamped")
		}
		last = id
	}
}

func TestEventLogRejectsZeroRecordID(t *testing.T) {
	s := NewEventLogStore()
	_, err := s.Append(ctx, &hookbridge.EventLogEntry{Model: "res.partner", RecordID: 0, Operation: hookbridge.OperationCreate})
	var herr hookbridge.Error
	if !errors.As(err, &herr) || herr.Code != hookbridge.ConfigInvalid {
		t.Errorf("expected ConfigInvalid, got %v", err)
	}
	// Negative ids mark synthetic events and must pass.
	if _, err := s.Append(ctx, &hookbridge.EventLogEntry{Model: "res.partner", RecordID: -1, Operation: hookbridge.OperationCreate}); err != nil {
		t.Error(err)
	}
}

func TestEventLogPull(t *testing.T) {
	s := NewEventLogStore()
	add := func(model string, rid int64, p hookbridge.Priority) int64 {
		e := hookbridge.EventLogEntry{Model: model, RecordID: rid, Operation: hookbridge.OperationWrite, Priority: p}
		id, err := s.Append(ctx, &e)
		if err != nil {
			t.Error(err)
			t.FailNow()
		}
		return id
	}
	id1 := add("res.partner", 1, hookbridge.PriorityLow)
	id2 := add("sale.order", 2, hookbridge.PriorityHigh)
	id3 := add("res.partner", 3, hookbridge.PriorityMedium)
	id4 := add("res.partner", 4, hookbridge.PriorityMedium)

	if _, err := s.MarkProcessed(ctx, []int64{id2}, time.Now()); err != nil {
		t.Error(err)
		t.FailNow()
	}

	batch, hasMore, err := s.Pull(ctx, hookbridge.PullQuery{LastEventID: id1, Limit: 1})
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if len(batch) != 1 || batch[0].ID != id3 {
		t.Errorf("expected batch [%d], got %+v", id3, batch)
	}
	if !hasMore {
		t.Error("expected hasMore, id4 still matches")
	}

	batch, hasMore, err = s.Pull(ctx, hookbridge.PullQuery{LastEventID: id3, Limit: 10, Models: []string{"res.partner"}})
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if len(batch) != 1 || batch[0].ID != id4 || hasMore {
		t.Errorf("model filter mismatch: %+v hasMore=%v", batch, hasMore)
	}

	batch, _, err = s.Pull(ctx, hookbridge.PullQuery{Limit: 10, Priority: hookbridge.PriorityMedium})
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if len(batch) != 2 {
		t.Errorf("priority filter expected 2 rows, got %d", len(batch))
	}
}

func TestEventLogMarkProcessedIdempotent(t *testing.T) {
	s := NewEventLogStore()
	e := hookbridge.EventLogEntry{Model: "res.partner", RecordID: 9, Operation: hookbridge.OperationCreate}
	id, err := s.Append(ctx, &e)
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	at := time.Now().UTC()
	n, err := s.MarkProcessed(ctx, []int64{id, 404}, at)
	if err != nil {
		t.Error(err)
	}
	if n != 1 {
		t.Errorf("expected 1 row changed, got %d", n)
	}
	n, err = s.MarkProcessed(ctx, []int64{id}, at)
	if err != nil {
		t.Error(err)
	}
	if n != 0 {
		t.Errorf("second ack should change nothing, got %d", n)
	}
	row, _ := s.Get(ctx, id)
	if row == nil || !row.IsProcessed || row.ProcessedAt == nil {
		t.Errorf("processed flags not persisted: %+v", row)
	}
}

func TestEventLogArchiveThenDelete(t *testing.T) {
	s := NewEventLogStore()
	old := time.Now().UTC().Add(-10 * 24 * time.Hour)
	e := hookbridge.EventLogEntry{Model: "res.partner", RecordID: 5, Operation: hookbridge.OperationWrite, Timestamp: old}
	id, err := s.Append(ctx, &e)
	if err != nil {
		t.Error(err)
		t.FailNow()
	}

	cutoff := time.Now().UTC().Add(-7 * 24 * time.Hour)
	n, err := s.ArchiveBefore(ctx, cutoff, time.Now().UTC())
	if err != nil {
		t.Error(err)
	}
	if n != 0 {
		t.Error("unprocessed entries must never be archived")
	}

	if _, err := s.MarkProcessed(ctx, []int64{id}, time.Now().UTC()); err != nil {
		t.Error(err)
		t.FailNow()
	}
	n, err = s.ArchiveBefore(ctx, cutoff, time.Now().UTC())
	if err != nil {
		t.Error(err)
	}
	if n != 1 {
		t.Errorf("expected 1 archived, got %d", n)
	}

	// Archived rows drop out of pull and record listings.
	batch, _, _ := s.Pull(ctx, hookbridge.PullQuery{Limit: 10})
	if len(batch) != 0 {
		t.Errorf("archived row leaked into pull: %+v", batch)
	}
	rows, _ := s.ListByRecord(ctx, "res.partner", 5)
	if len(rows) != 0 {
		t.Errorf("archived row leaked into record listing: %+v", rows)
	}

	n, err = s.DeleteArchivedBefore(ctx, time.Now().UTC())
	if err != nil {
		t.Error(err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted, got %d", n)
	}
	row, _ := s.Get(ctx, id)
	if row != nil {
		t.Error("row survived delete sweep")
	}
}

func TestEventLogStats(t *testing.T) {
	s := NewEventLogStore()
	for i := 0; i < 3; i++ {
		e := hookbridge.EventLogEntry{Model: "sale.order", RecordID: int64(i + 1), Operation: hookbridge.OperationCreate, Priority: hookbridge.PriorityHigh}
		if _, err := s.Append(ctx, &e); err != nil {
			t.Error(err)
			t.FailNow()
		}
	}
	e := hookbridge.EventLogEntry{Model: "res.partner", RecordID: 9, Operation: hookbridge.OperationWrite, Priority: hookbridge.PriorityLow}
	id, _ := s.Append(ctx, &e)
	if _, err := s.MarkProcessed(ctx, []int64{id}, time.Now().UTC()); err != nil {
		t.Error(err)
		t.FailNow()
	}

	st, err := s.Stats(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if st.TotalEvents != 4 || st.Processed != 1 || st.Pending != 3 {
		t.Errorf("unexpected totals: %+v", st)
	}
	if len(st.ByModel) != 2 || st.ByModel[0].Model != "sale.order" || st.ByModel[0].Count != 3 {
		t.Errorf("by-model ranking wrong: %+v", st.ByModel)
	}
	if st.ByPriority["high"] != 3 || st.ByPriority["low"] != 1 {
		t.Errorf("by-priority wrong: %+v", st.ByPriority)
	}
}

func TestRuleUniqueActivePair(t *testing.T) {
	s := NewRuleStore()
	r1 := hookbridge.Rule{Name: "partners", Model: "res.partner", Operation: hookbridge.OperationWrite, Active: true}
	if err := s.Add(ctx, &r1); err != nil {
		t.Error(err)
		t.FailNow()
	}
	r2 := hookbridge.Rule{Name: "partners again", Model: "res.partner", Operation: hookbridge.OperationWrite, Active: true}
	err := s.Add(ctx, &r2)
	var herr hookbridge.Error
	if !errors.As(err, &herr) || herr.Code != hookbridge.ConfigInvalid {
		t.Errorf("duplicate active pair should fail with ConfigInvalid, got %v", err)
	}

	// Inactive duplicates are allowed; activating one later must collide.
	r2.Active = false
	if err := s.Add(ctx, &r2); err != nil {
		t.Error(err)
		t.FailNow()
	}
	r2.Active = true
	if err := s.Update(ctx, &r2); err == nil {
		t.Error("activating a colliding rule should fail")
	}

	active, err := s.All(ctx, true)
	if err != nil {
		t.Error(err)
	}
	if len(active) != 1 || active[0].ID != r1.ID {
		t.Errorf("expected only rule %d active, got %+v", r1.ID, active)
	}
}

func TestDispatchSelectDueOrdering(t *testing.T) {
	s := NewDispatchStore()
	base := time.Now().UTC()
	due := base.Add(time.Minute)

	add := func(p hookbridge.Priority, ts time.Time, status hookbridge.DispatchStatus, retries int, nextRetry *time.Time) int64 {
		d := hookbridge.DispatchRecord{
			Model: "res.partner", RecordID: 1, Operation: hookbridge.OperationWrite,
			SubscriberID: 1, Priority: p, Status: status, Timestamp: ts,
			RetryCount: retries, MaxRetries: 5, NextRetryAt: nextRetry,
		}
		id, err := s.Add(ctx, &d)
		if err != nil {
			t.Error(err)
			t.FailNow()
		}
		return id
	}

	lowID := add(hookbridge.PriorityLow, base, hookbridge.StatusPending, 0, nil)
	highLateID := add(hookbridge.PriorityHigh, base.Add(time.Second), hookbridge.StatusPending, 0, nil)
	highEarlyID := add(hookbridge.PriorityHigh, base, hookbridge.StatusPending, 0, nil)
	past := base.Add(-time.Second)
	future := base.Add(10 * time.Minute)
	retryID := add(hookbridge.PriorityMedium, base, hookbridge.StatusFailed, 2, &past)
	add(hookbridge.PriorityMedium, base, hookbridge.StatusFailed, 1, &future) // not due yet
	add(hookbridge.PriorityMedium, base, hookbridge.StatusFailed, 5, &past)   // budget exhausted

	got, err := s.SelectDue(ctx, due, 10)
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	want := []int64{highEarlyID, highLateID, retryID, lowID}
	if len(got) != len(want) {
		t.Errorf("expected %d due rows, got %d", len(want), len(got))
		t.FailNow()
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("position %d: expected id %d, got %d", i, want[i], got[i].ID)
		}
	}
}

func TestDispatchCAS(t *testing.T) {
	s := NewDispatchStore()
	d := hookbridge.DispatchRecord{Model: "res.partner", RecordID: 2, Operation: hookbridge.OperationCreate, SubscriberID: 1, Priority: hookbridge.PriorityMedium}
	id, err := s.Add(ctx, &d)
	if err != nil {
		t.Error(err)
		t.FailNow()
	}

	won, err := s.CASStatus(ctx, id, hookbridge.StatusPending, hookbridge.StatusProcessing)
	if err != nil || !won {
		t.Errorf("first claim should win: won=%v err=%v", won, err)
	}
	row, _ := s.Get(ctx, id)
	if row.StartedAt == nil {
		t.Error("claiming should stamp StartedAt")
	}

	won, err = s.CASStatus(ctx, id, hookbridge.StatusPending, hookbridge.StatusProcessing)
	if err != nil || won {
		t.Errorf("second claim should lose: won=%v err=%v", won, err)
	}

	won, err = s.CASStatus(ctx, id, hookbridge.StatusProcessing, hookbridge.StatusSent)
	if err != nil || !won {
		t.Errorf("finishing should win: won=%v err=%v", won, err)
	}
	row, _ = s.Get(ctx, id)
	if row.StartedAt != nil {
		t.Error("leaving processing should clear StartedAt")
	}
}

func TestDispatchReclaimStuck(t *testing.T) {
	s := NewDispatchStore()
	d := hookbridge.DispatchRecord{Model: "res.partner", RecordID: 3, Operation: hookbridge.OperationWrite, SubscriberID: 1, Priority: hookbridge.PriorityLow}
	id, err := s.Add(ctx, &d)
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if _, err := s.CASStatus(ctx, id, hookbridge.StatusPending, hookbridge.StatusProcessing); err != nil {
		t.Error(err)
		t.FailNow()
	}

	// Fresh claims stay put.
	n, err := s.ReclaimStuck(ctx, time.Now().UTC().Add(-10*time.Minute))
	if err != nil {
		t.Error(err)
	}
	if n != 0 {
		t.Errorf("fresh claim reclaimed: %d", n)
	}

	n, err = s.ReclaimStuck(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Error(err)
	}
	if n != 1 {
		t.Errorf("expected 1 reclaimed, got %d", n)
	}
	row, _ := s.Get(ctx, id)
	if row.Status != hookbridge.StatusPending || row.StartedAt != nil {
		t.Errorf("reclaim should reset to pending: %+v", row)
	}
}

func TestDispatchCountSentSince(t *testing.T) {
	s := NewDispatchStore()
	now := time.Now().UTC()
	old := now.Add(-2 * time.Minute)
	for i, at := range []time.Time{now, now, old} {
		sentAt := at
		d := hookbridge.DispatchRecord{
			Model: "res.partner", RecordID: int64(i + 1), Operation: hookbridge.OperationWrite,
			SubscriberID: 42, Priority: hookbridge.PriorityMedium,
			Status: hookbridge.StatusSent, SentAt: &sentAt,
		}
		if _, err := s.Add(ctx, &d); err != nil {
			t.Error(err)
			t.FailNow()
		}
	}
	n, err := s.CountSentSince(ctx, 42, now.Add(-time.Minute))
	if err != nil {
		t.Error(err)
	}
	if n != 2 {
		t.Errorf("expected 2 in window, got %d", n)
	}
}

func TestDeadLetterOncePerDispatch(t *testing.T) {
	s := NewDeadLetterStore()
	d := hookbridge.DeadLetter{DispatchID: 17, Model: "res.partner", RecordID: 4, SubscriberID: 1, RetryAttempts: 5, OriginalError: "timeout (0): request timed out"}
	id1, err := s.Add(ctx, &d)
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if d.Resolution != hookbridge.ResolutionPending {
		t.Errorf("default resolution should be pending, got %s", d.Resolution)
	}

	again := hookbridge.DeadLetter{DispatchID: 17, Model: "res.partner", RecordID: 4, SubscriberID: 1}
	id2, err := s.Add(ctx, &again)
	if err != nil {
		t.Error(err)
	}
	if id2 != id1 {
		t.Errorf("second add for dispatch 17 should return existing id %d, got %d", id1, id2)
	}
	all, _ := s.List(ctx, "", 0)
	if len(all) != 1 {
		t.Errorf("expected exactly one dead letter, got %d", len(all))
	}

	byDispatch, err := s.GetByDispatch(ctx, 17)
	if err != nil || byDispatch == nil || byDispatch.ID != id1 {
		t.Errorf("GetByDispatch mismatch: %+v err=%v", byDispatch, err)
	}
	if missing, _ := s.GetByDispatch(ctx, 99); missing != nil {
		t.Error("expected nil for unknown dispatch")
	}
}

func TestSyncStateCursor(t *testing.T) {
	s := NewSyncStateStore()
	st, err := s.GetOrCreate(ctx, 7, "device-a", "mobile")
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	same, err := s.GetOrCreate(ctx, 7, "device-a", "mobile")
	if err != nil || same.ID != st.ID {
		t.Errorf("GetOrCreate should be stable per pair: %+v vs %+v", st, same)
	}

	st.LastEventID = 120
	st.SyncCount = 1
	st.LastSyncTime = time.Now().UTC().Add(-100 * 24 * time.Hour)
	st.Active = false
	if err := s.Update(ctx, st); err != nil {
		t.Error(err)
		t.FailNow()
	}

	n, err := s.DeleteInactiveBefore(ctx, time.Now().UTC().Add(-90*24*time.Hour))
	if err != nil {
		t.Error(err)
	}
	if n != 1 {
		t.Errorf("expected 1 stale cursor removed, got %d", n)
	}
	if row, _ := s.Get(ctx, 7, "device-a"); row != nil {
		t.Error("cursor survived cleanup")
	}
}

func TestErrorSinkRetention(t *testing.T) {
	s := NewErrorSink()
	if err := s.Record(ctx, "res.partner", 3, "payload build failed"); err != nil {
		t.Error(err)
		t.FailNow()
	}
	rows, err := s.List(ctx, 10)
	if err != nil || len(rows) != 1 {
		t.Errorf("expected 1 recorded error, got %d err=%v", len(rows), err)
	}
	n, err := s.DeleteBefore(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil || n != 1 {
		t.Errorf("retention sweep expected 1, got %d err=%v", n, err)
	}
}

func TestDispatchPostponedPendingNotDue(t *testing.T) {
	s := NewDispatchStore()
	now := time.Now().UTC()
	later := now.Add(5 * time.Second)

	postponed := &hookbridge.DispatchRecord{
		Model: "sale.order", RecordID: 1, SubscriberID: 1,
		Status: hookbridge.StatusPending, MaxRetries: 5, NextRetryAt: &later,
	}
	if _, err := s.Add(ctx, postponed); err != nil {
		t.Error(err)
		t.FailNow()
	}

	due, err := s.SelectDue(ctx, now, 10)
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if len(due) != 0 {
		t.Errorf("postponed pending row must not be due, got %d", len(due))
	}

	due, err = s.SelectDue(ctx, later.Add(time.Second), 10)
	if err != nil || len(due) != 1 {
		t.Errorf("postponed row should become due after its delay, got %d err=%v", len(due), err)
	}
}
