// Package hookbridge defines the core types, interfaces, and helpers used across the
// hookbridge codebase. It provides the change-event entities, store contracts, cache and
// locking abstractions, configuration options, and shared error codes. Concrete backends
// live in subpackages such as cassandra, redis, and inmemory, while the pipeline stages
// live in registry, payload, hook, eventlog, dispatch, delivery, and restapi. The engine
// package composes all of them into a running pipeline.
// It is a foundational package that other components build upon.
package hookbridge

// Write-path model
//
// A host mutation flows: interception hook -> rule registry lookup -> debounce ->
// per-rule matching -> payload builder -> event log append -> dispatch enqueue.
// The hook boundary never raises back into the host: failures are recorded to the
// error sink and logged. Event log appends serialize per (model, record_id) using
// a cache lock so supersession decisions observe a consistent row set; the lock TTL
// caps how long a crashed writer can stall the pair.
