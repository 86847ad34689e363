package cassandra

import (
	"context"

	"github.com/geniustep/hookbridge"
)

// NewStores wires the full Cassandra repository set and fast-forwards every id
// counter past the rows already on disk. Call after OpenConnection and after
// the cache factory is registered, before serving traffic.
func NewStores(ctx context.Context) (hookbridge.Stores, error) {
	stores := hookbridge.Stores{
		Rules:       NewRuleStore(),
		Subscribers: NewSubscriberStore(),
		EventLog:    NewEventLogStore(),
		Dispatch:    NewDispatchStore(),
		DeadLetters: NewDeadLetterStore(),
		SyncStates:  NewSyncStateStore(),
		Audit:       NewAuditStore(),
		Errors:      NewErrorSink(),
	}
	cache := hookbridge.NewCacheClient()
	for _, table := range []string{"rule", "subscriber", "event_log", "dispatch", "dead_letter", "sync_state", "audit", "error_log"} {
		if err := seedSequence(ctx, cache, table); err != nil {
			return stores, err
		}
	}
	return stores, nil
}
