// Package engine composes the pipeline and runs its maintenance workers. A
// host creates one Engine, registers tracking rules through Rules(), and
// feeds entity mutations to Hook(); pull consumers and operators reach the
// rest through the restapi package.
package engine

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"github.com/geniustep/hookbridge"
	"github.com/geniustep/hookbridge/cassandra"
	"github.com/geniustep/hookbridge/delivery"
	"github.com/geniustep/hookbridge/dispatch"
	"github.com/geniustep/hookbridge/eventlog"
	"github.com/geniustep/hookbridge/hook"
	"github.com/geniustep/hookbridge/inmemory"
	"github.com/geniustep/hookbridge/payload"
	"github.com/geniustep/hookbridge/redis"
	"github.com/geniustep/hookbridge/registry"
)

// Now is local so tests can control sweep cutoffs.
var Now = time.Now

// Deps are the host-supplied capabilities. All fields are optional: without
// an Accessor only delete capture and the pull surface work, without a
// Renderer payloads keep their standard shape, without a Notifier dead
// letters are logged.
type Deps struct {
	Accessor hookbridge.EntityAccessor
	Renderer payload.Renderer
	Notifier dispatch.Notifier
}

// Engine owns every moving part of the pipeline. All state lives here; two
// engines in one process stay fully isolated apart from the shared cache and
// store backends they are configured onto.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	options  hookbridge.Options
	stores   hookbridge.Stores
	cache    hookbridge.Cache
	accessor hookbridge.EntityAccessor

	registry    *registry.Registry
	manager     *registry.Manager
	events      *eventlog.Service
	queue       *dispatch.Queue
	interceptor *hook.Interceptor

	mu      sync.Mutex
	started bool
	workers sync.WaitGroup
}

// New opens the configured backends and composes the engine on them. With an
// empty Keyspace the durable stores are in-memory; CacheType Redis opens the
// shared Redis connection first so the factory can serve clients.
func New(ctx context.Context, options hookbridge.Options, deps Deps) (*Engine, error) {
	options.ApplyDefaults()

	if options.CacheType == hookbridge.Redis {
		redisOptions := redis.DefaultOptions()
		if options.RedisConfig != nil {
			redisOptions = redis.OptionsFrom(*options.RedisConfig)
		}
		if _, err := redis.OpenConnection(redisOptions); err != nil {
			return nil, err
		}
	}
	hookbridge.SetCacheFactory(options.CacheType)

	var stores hookbridge.Stores
	if options.IsCassandraHybrid() {
		if _, err := cassandra.OpenConnection(cassandra.Config{
			ClusterHosts: options.ClusterHosts,
			Keyspace:     options.Keyspace,
		}); err != nil {
			return nil, err
		}
		var err error
		stores, err = cassandra.NewStores(ctx)
		if err != nil {
			return nil, err
		}
	} else {
		stores = inmemory.NewStores()
	}
	return NewWithStores(ctx, options, stores, deps), nil
}

// NewWithStores composes the engine on caller-provided stores. The cache
// factory must already be registered.
func NewWithStores(ctx context.Context, options hookbridge.Options, stores hookbridge.Stores, deps Deps) *Engine {
	options.ApplyDefaults()
	engCtx, cancel := context.WithCancel(ctx)

	reg := registry.New(stores.Rules)
	queue := dispatch.NewQueue(engCtx, stores, delivery.NewClient(options), options)
	if deps.Notifier != nil {
		queue.SetNotifier(deps.Notifier)
	}
	events := eventlog.NewService(stores.EventLog, stores.Audit, stores.Errors, deps.Accessor, options)
	builder := payload.NewBuilder(deps.Accessor, deps.Renderer)

	e := &Engine{
		ctx:         engCtx,
		cancel:      cancel,
		options:     options,
		stores:      stores,
		cache:       hookbridge.NewCacheClient(),
		accessor:    deps.Accessor,
		registry:    reg,
		manager:     registry.NewManager(stores.Rules, stores.Subscribers, reg),
		events:      events,
		queue:       queue,
		interceptor: hook.NewInterceptor(reg, hook.NewDebouncer(options.DebounceEvictAfter), builder, events, queue, stores.Errors, options),
	}

	if err := reg.Rebuild(engCtx); err != nil {
		// The registry rebuilds lazily on first lookup.
		log.Warn(fmt.Sprintf("initial rule load failed: %v", err))
	}
	return e
}

// Hook is the interception entry point hosts call on entity mutations.
func (e *Engine) Hook() *hook.Interceptor {
	return e.interceptor
}

// EventLog serves the pull side: append, pull, acknowledge, statistics.
func (e *Engine) EventLog() *eventlog.Service {
	return e.events
}

// Queue serves the push side: dispatch processing and dead-letter admin.
func (e *Engine) Queue() *dispatch.Queue {
	return e.queue
}

// Rules manages tracking rules and subscribers with registry invalidation.
func (e *Engine) Rules() *registry.Manager {
	return e.manager
}

// Stores exposes the raw repositories for the API layer and host tooling.
func (e *Engine) Stores() hookbridge.Stores {
	return e.stores
}

// Options returns the effective configuration with defaults applied.
func (e *Engine) Options() hookbridge.Options {
	return e.options
}

// Start launches the maintenance workers and the rule generation watcher.
// Calling Start twice is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	log.Info(fmt.Sprintf("hookbridge %s starting maintenance workers", hookbridge.Version))
	e.runTicker("retry", retrySweepEvery, e.retrySweep)
	e.runTicker("archive", archiveSweepEvery, e.archiveSweep)
	e.runTicker("audit-cleanup", auditSweepEvery, e.auditSweep)
	e.runTicker("sync-state", syncStateSweepEvery, e.syncStateSweep)
	if e.accessor != nil {
		e.runTicker("orphan", orphanSweepEvery, e.orphanSweep)
	}
	e.watchRules()
}

// Stop cancels the engine context and waits for workers and in-flight
// instant sends, bounded by ShutdownGrace.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.started = false
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("hookbridge stopped")
	case <-time.After(e.options.ShutdownGrace):
		log.Warn("shutdown grace elapsed before workers drained")
	}
}
