package inmemory

import "github.com/geniustep/hookbridge"

// NewStores wires the full in-memory repository set. Standalone deployments
// and the test suites run on this bundle.
func NewStores() hookbridge.Stores {
	return hookbridge.Stores{
		Rules:       NewRuleStore(),
		Subscribers: NewSubscriberStore(),
		EventLog:    NewEventLogStore(),
		Dispatch:    NewDispatchStore(),
		DeadLetters: NewDeadLetterStore(),
		SyncStates:  NewSyncStateStore(),
		Audit:       NewAuditStore(),
		Errors:      NewErrorSink(),
	}
}
