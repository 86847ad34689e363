// Package registry keeps the active tracking rules compiled and indexed for
// the interception hot path. Lookups hit an immutable in-process snapshot;
// mutations bump a shared generation counter so every instance rebuilds from
// the rule store on its next check.
package registry

import (
	"context"
	"fmt"
	log "log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/geniustep/hookbridge"
	"github.com/geniustep/hookbridge/cel"
)

// generationKey is the shared cache key instances watch for rule mutations.
const generationKey = "hb:registry:gen"

// reservedPrefixes lists host-internal model namespaces that are never
// intercepted, so rule storage and framework chatter cannot feed back into
// the pipeline.
var reservedPrefixes = []string{"ir.", "base.", "bus.", "mail.", "webhook."}

// CompiledRule is an active rule with its domain expression compiled. A nil
// Domain means match-all.
type CompiledRule struct {
	hookbridge.Rule
	Domain *cel.Evaluator
}

// Matches evaluates the rule domain against a record snapshot. Evaluation
// errors count as a match so a typo in one rule filter cannot silently drop
// events; the error is surfaced to the caller for the sink.
func (r *CompiledRule) Matches(record map[string]any, changed []string, operation hookbridge.Operation) (bool, error) {
	if r.Domain == nil {
		return true, nil
	}
	ok, err := r.Domain.Evaluate(record, changed, string(operation))
	if err != nil {
		return true, err
	}
	return ok, nil
}

type pairKey struct {
	model string
	op    hookbridge.Operation
}

type snapshot struct {
	byPair     map[pairKey][]*CompiledRule
	models     map[string]struct{}
	generation int64
}

// Registry serves rule lookups from a snapshot rebuilt on invalidation.
type Registry struct {
	mu    sync.RWMutex
	rules hookbridge.RuleStore
	cache hookbridge.Cache
	snap  *snapshot
	valid bool
}

func New(rules hookbridge.RuleStore) *Registry {
	return &Registry{
		rules: rules,
		cache: hookbridge.NewCacheClient(),
		snap:  &snapshot{byPair: map[pairKey][]*CompiledRule{}, models: map[string]struct{}{}},
	}
}

// Rebuild loads the active rules, compiles their domains, and swaps the
// snapshot. A rule whose stored domain no longer compiles is kept as
// match-all; the save path rejects bad domains, so this only happens to rows
// edited out-of-band.
func (g *Registry) Rebuild(ctx context.Context) error {
	active, err := g.rules.All(ctx, true)
	if err != nil {
		return hookbridge.Error{Code: hookbridge.InterceptionFailure, Err: fmt.Errorf("registry rebuild: %w", err)}
	}

	snap := &snapshot{
		byPair: make(map[pairKey][]*CompiledRule, len(active)),
		models: make(map[string]struct{}, len(active)),
	}
	for i := range active {
		r := active[i]
		cr := &CompiledRule{Rule: r}
		if r.Domain != "" {
			ev, err := cel.NewEvaluator(r.Name, r.Domain)
			if err != nil {
				log.Warn(fmt.Sprintf("rule %d domain does not compile, treating as match-all: %v", r.ID, err))
			} else {
				cr.Domain = ev
			}
		}
		k := pairKey{model: r.Model, op: r.Operation}
		snap.byPair[k] = append(snap.byPair[k], cr)
		snap.models[r.Model] = struct{}{}
	}
	snap.generation = g.remoteGeneration(ctx)

	g.mu.Lock()
	g.snap = snap
	g.valid = true
	g.mu.Unlock()
	return nil
}

// ensure rebuilds when the snapshot has been invalidated locally.
func (g *Registry) ensure(ctx context.Context) error {
	g.mu.RLock()
	valid := g.valid
	g.mu.RUnlock()
	if valid {
		return nil
	}
	return g.Rebuild(ctx)
}

// IsTracked reports whether any active rule targets the model. Reserved host
// namespaces are never tracked.
func (g *Registry) IsTracked(ctx context.Context, model string) (bool, error) {
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(model, p) {
			return false, nil
		}
	}
	if err := g.ensure(ctx); err != nil {
		return false, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.snap.models[model]
	return ok, nil
}

// RulesFor returns the active rules for a (model, operation) pair ordered by
// sequence then id. The returned slice is shared; callers must not mutate it.
func (g *Registry) RulesFor(ctx context.Context, model string, op hookbridge.Operation) ([]*CompiledRule, error) {
	if err := g.ensure(ctx); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snap.byPair[pairKey{model: model, op: op}], nil
}

// Invalidate drops the local snapshot and bumps the shared generation so
// other instances rebuild too. Every rule mutation must end here.
func (g *Registry) Invalidate(ctx context.Context) {
	g.mu.Lock()
	g.valid = false
	g.mu.Unlock()
	if g.cache == nil {
		return
	}
	if _, err := g.cache.Incr(ctx, generationKey); err != nil {
		// The local drop already happened; remote instances catch up on TTL.
		log.Warn(fmt.Sprintf("registry generation bump failed: %v", err))
	}
}

func (g *Registry) remoteGeneration(ctx context.Context) int64 {
	if g.cache == nil {
		return 0
	}
	found, v, err := g.cache.Get(ctx, generationKey)
	if err != nil || !found {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// CheckGeneration compares the shared generation against the snapshot's and
// rebuilds when another instance has mutated rules. The engine polls this.
func (g *Registry) CheckGeneration(ctx context.Context) error {
	remote := g.remoteGeneration(ctx)
	g.mu.RLock()
	local := g.snap.generation
	valid := g.valid
	g.mu.RUnlock()
	if valid && remote == local {
		return nil
	}
	return g.Rebuild(ctx)
}
