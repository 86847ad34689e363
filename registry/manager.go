package registry

import (
	"context"
	"fmt"

	"github.com/geniustep/hookbridge"
	"github.com/geniustep/hookbridge/cel"
)

// Manager owns the rule lifecycle: validate, persist, invalidate. Rules never
// reach the store with a domain that does not compile.
type Manager struct {
	rules    hookbridge.RuleStore
	subs     hookbridge.SubscriberStore
	registry *Registry
}

func NewManager(rules hookbridge.RuleStore, subs hookbridge.SubscriberStore, registry *Registry) *Manager {
	return &Manager{
		rules:    rules,
		subs:     subs,
		registry: registry,
	}
}

func (m *Manager) validate(ctx context.Context, r *hookbridge.Rule) error {
	if r.Model == "" {
		return hookbridge.Error{Code: hookbridge.ConfigInvalid, Err: fmt.Errorf("rule requires a model")}
	}
	if _, err := hookbridge.ParseOperation(string(r.Operation)); err != nil {
		return err
	}
	if r.Domain != "" {
		if _, err := cel.NewEvaluator(r.Name, r.Domain); err != nil {
			return hookbridge.Error{
				Code: hookbridge.ConfigInvalid,
				Err:  fmt.Errorf("rule domain does not compile: %w", err),
			}
		}
	}
	if r.Priority == "" {
		r.Priority = hookbridge.PriorityMedium
	}
	if r.Category == "" {
		r.Category = hookbridge.CategoryBusiness
	}
	for _, id := range r.SubscriberIDs {
		sub, err := m.subs.Get(ctx, id)
		if err != nil {
			return err
		}
		if sub == nil {
			return hookbridge.Error{
				Code: hookbridge.ConfigInvalid,
				Err:  fmt.Errorf("rule references unknown subscriber %d", id),
			}
		}
	}
	return nil
}

// SaveRule inserts or updates a rule and invalidates the registry.
func (m *Manager) SaveRule(ctx context.Context, r *hookbridge.Rule) error {
	if err := m.validate(ctx, r); err != nil {
		return err
	}
	var err error
	if r.ID == 0 {
		err = m.rules.Add(ctx, r)
	} else {
		err = m.rules.Update(ctx, r)
	}
	if err != nil {
		return err
	}
	m.registry.Invalidate(ctx)
	return nil
}

// DeleteRule removes a rule and invalidates the registry.
func (m *Manager) DeleteRule(ctx context.Context, id int64) error {
	if err := m.rules.Delete(ctx, id); err != nil {
		return err
	}
	m.registry.Invalidate(ctx)
	return nil
}

// SaveSubscriber inserts or updates an endpoint. Subscribers are read per
// dispatch so no registry invalidation is involved.
func (m *Manager) SaveSubscriber(ctx context.Context, s *hookbridge.Subscriber) error {
	if s.Auth == "" {
		s.Auth = hookbridge.AuthNone
	}
	switch s.Auth {
	case hookbridge.AuthNone:
	case hookbridge.AuthBasic:
		if s.Username == "" {
			return hookbridge.Error{Code: hookbridge.ConfigInvalid, Err: fmt.Errorf("basic auth requires a username")}
		}
	case hookbridge.AuthBearer:
		if s.Token == "" {
			return hookbridge.Error{Code: hookbridge.ConfigInvalid, Err: fmt.Errorf("bearer auth requires a token")}
		}
	case hookbridge.AuthAPIKey:
		if s.APIKey == "" {
			return hookbridge.Error{Code: hookbridge.ConfigInvalid, Err: fmt.Errorf("api_key auth requires a key")}
		}
	default:
		return hookbridge.Error{Code: hookbridge.ConfigInvalid, Err: fmt.Errorf("unknown auth kind %q", s.Auth)}
	}
	if s.APIKeyHeader == "" {
		s.APIKeyHeader = "X-API-Key"
	}
	if s.TimeoutSecs <= 0 {
		s.TimeoutSecs = 30
	}
	if s.WindowSecs <= 0 {
		s.WindowSecs = 60
	}
	if s.ID == 0 {
		return m.subs.Add(ctx, s)
	}
	return m.subs.Update(ctx, s)
}
