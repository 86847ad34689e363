package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/geniustep/hookbridge"
	"github.com/geniustep/hookbridge/inmemory"
)

var ctx = context.Background()

func newHarness() (*Registry, *Manager, hookbridge.Stores) {
	hookbridge.SetCacheFactory(hookbridge.InMemory)
	stores := inmemory.NewStores()
	reg := New(stores.Rules)
	mgr := NewManager(stores.Rules, stores.Subscribers, reg)
	return reg, mgr, stores
}

func TestReservedModelsNeverTracked(t *testing.T) {
	reg, _, _ := newHarness()
	for _, model := range []string{"ir.cron", "base.language", "bus.bus", "mail.message", "webhook.rule"} {
		tracked, err := reg.IsTracked(ctx, model)
		if err != nil {
			t.Error(err)
		}
		if tracked {
			t.Errorf("%s must never be tracked", model)
		}
	}
}

func TestSaveRuleCompilesDomain(t *testing.T) {
	_, mgr, stores := newHarness()

	bad := hookbridge.Rule{Name: "bad", Model: "res.partner", Operation: hookbridge.OperationWrite, Active: true, Domain: "record.state =="}
	err := mgr.SaveRule(ctx, &bad)
	var herr hookbridge.Error
	if !errors.As(err, &herr) || herr.Code != hookbridge.ConfigInvalid {
		t.Errorf("bad domain should fail with ConfigInvalid, got %v", err)
	}
	if rows, _ := stores.Rules.All(ctx, false); len(rows) != 0 {
		t.Errorf("failed save must not persist, store has %d rows", len(rows))
	}

	good := hookbridge.Rule{Name: "partners", Model: "res.partner", Operation: hookbridge.OperationWrite, Active: true, Domain: "record.state == 'done'"}
	if err := mgr.SaveRule(ctx, &good); err != nil {
		t.Error(err)
		t.FailNow()
	}
	if good.ID == 0 {
		t.Error("save should assign an id")
	}
	if good.Priority != hookbridge.PriorityMedium || good.Category != hookbridge.CategoryBusiness {
		t.Errorf("defaults not applied: %+v", good)
	}
}

func TestRulesForAndMatching(t *testing.T) {
	reg, mgr, _ := newHarness()
	r := hookbridge.Rule{Name: "done partners", Model: "res.partner", Operation: hookbridge.OperationWrite, Active: true, Domain: "record.state == 'done'"}
	if err := mgr.SaveRule(ctx, &r); err != nil {
		t.Error(err)
		t.FailNow()
	}

	tracked, err := reg.IsTracked(ctx, "res.partner")
	if err != nil || !tracked {
		t.Errorf("expected res.partner tracked: %v %v", tracked, err)
	}

	rules, err := reg.RulesFor(ctx, "res.partner", hookbridge.OperationWrite)
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if len(rules) != 1 {
		t.Errorf("expected 1 rule, got %d", len(rules))
		t.FailNow()
	}
	// The create pair stays empty.
	if other, _ := reg.RulesFor(ctx, "res.partner", hookbridge.OperationCreate); len(other) != 0 {
		t.Errorf("create pair should be empty, got %d", len(other))
	}

	ok, err := rules[0].Matches(map[string]any{"state": "done"}, nil, hookbridge.OperationWrite)
	if err != nil || !ok {
		t.Errorf("expected match: ok=%v err=%v", ok, err)
	}
	ok, err = rules[0].Matches(map[string]any{"state": "draft"}, nil, hookbridge.OperationWrite)
	if err != nil || ok {
		t.Errorf("expected no match: ok=%v err=%v", ok, err)
	}
}

func TestMatchErrorFailsOpen(t *testing.T) {
	reg, mgr, _ := newHarness()
	r := hookbridge.Rule{Name: "typo", Model: "crm.lead", Operation: hookbridge.OperationWrite, Active: true, Domain: "record.missing_field == 'x'"}
	if err := mgr.SaveRule(ctx, &r); err != nil {
		t.Error(err)
		t.FailNow()
	}
	rules, err := reg.RulesFor(ctx, "crm.lead", hookbridge.OperationWrite)
	if err != nil || len(rules) != 1 {
		t.Errorf("setup failed: %v", err)
		t.FailNow()
	}

	// A record without the referenced key fails evaluation; the rule must
	// still match so events are not silently dropped.
	ok, err := rules[0].Matches(map[string]any{"state": "open"}, nil, hookbridge.OperationWrite)
	if !ok {
		t.Error("evaluation error should count as a match")
	}
	if err == nil {
		t.Error("evaluation error should be surfaced to the caller")
	}
}

func TestInvalidateAcrossInstances(t *testing.T) {
	hookbridge.SetCacheFactory(hookbridge.InMemory)
	stores := inmemory.NewStores()
	reg1 := New(stores.Rules)
	reg2 := New(stores.Rules)
	mgr := NewManager(stores.Rules, stores.Subscribers, reg1)

	// Both instances build an empty snapshot first.
	if tracked, _ := reg2.IsTracked(ctx, "res.partner"); tracked {
		t.Error("nothing saved yet")
	}

	r := hookbridge.Rule{Name: "partners", Model: "res.partner", Operation: hookbridge.OperationCreate, Active: true}
	if err := mgr.SaveRule(ctx, &r); err != nil {
		t.Error(err)
		t.FailNow()
	}

	// reg2 still serves its old snapshot until the generation check runs.
	if err := reg2.CheckGeneration(ctx); err != nil {
		t.Error(err)
		t.FailNow()
	}
	tracked, err := reg2.IsTracked(ctx, "res.partner")
	if err != nil || !tracked {
		t.Errorf("second instance should see the new rule after generation check: %v %v", tracked, err)
	}
}

func TestDeleteRuleInvalidates(t *testing.T) {
	reg, mgr, _ := newHarness()
	r := hookbridge.Rule{Name: "orders", Model: "sale.order", Operation: hookbridge.OperationCreate, Active: true}
	if err := mgr.SaveRule(ctx, &r); err != nil {
		t.Error(err)
		t.FailNow()
	}
	if tracked, _ := reg.IsTracked(ctx, "sale.order"); !tracked {
		t.Error("rule should be visible after save")
	}

	if err := mgr.DeleteRule(ctx, r.ID); err != nil {
		t.Error(err)
		t.FailNow()
	}
	if tracked, _ := reg.IsTracked(ctx, "sale.order"); tracked {
		t.Error("rule should be gone after delete")
	}
}

func TestSaveSubscriberValidation(t *testing.T) {
	_, mgr, _ := newHarness()

	bad := hookbridge.Subscriber{Name: "no token", EndpointURL: "https://example.com/hook", Auth: hookbridge.AuthBearer}
	err := mgr.SaveSubscriber(ctx, &bad)
	var herr hookbridge.Error
	if !errors.As(err, &herr) || herr.Code != hookbridge.ConfigInvalid {
		t.Errorf("bearer without token should fail with ConfigInvalid, got %v", err)
	}

	good := hookbridge.Subscriber{Name: "keyed", EndpointURL: "https://example.com/hook", Auth: hookbridge.AuthAPIKey, APIKey: "s3cr3t", Enabled: true}
	if err := mgr.SaveSubscriber(ctx, &good); err != nil {
		t.Error(err)
		t.FailNow()
	}
	if good.APIKeyHeader != "X-API-Key" {
		t.Errorf("default key header not applied: %q", good.APIKeyHeader)
	}
	if good.TimeoutSecs != 30 || good.WindowSecs != 60 {
		t.Errorf("defaults not applied: %+v", good)
	}

	// A rule referencing a missing subscriber is rejected.
	r := hookbridge.Rule{Name: "partners", Model: "res.partner", Operation: hookbridge.OperationWrite, Active: true, SubscriberIDs: []int64{999}}
	err = mgr.SaveRule(ctx, &r)
	if !errors.As(err, &herr) || herr.Code != hookbridge.ConfigInvalid {
		t.Errorf("unknown subscriber should fail with ConfigInvalid, got %v", err)
	}
}
