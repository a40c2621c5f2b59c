// Package emit carries observability events out of the batch lifecycle:
// one Event per phase transition plus a final summary, fanned out to
// whatever Emitter the caller configured.
package emit

import "context"

// Emitter receives the events an Orchestrator produces while driving a
// batch through initiate/process/finalise.
//
// Implementations must not block the invocation on a slow or unavailable
// backend, and must be safe to call from multiple goroutines: process and
// finalise both execute task trees concurrently and emit from within them.
type Emitter interface {
	// Emit sends a single event. It must not panic; backend errors should
	// be swallowed and logged internally rather than propagated, since a
	// failing emitter must never fail the invocation it's observing.
	Emit(event Event)

	// EmitBatch sends a batch of events in one call, preserving order.
	// Useful for emitters that amortize a round-trip (OTelEmitter spans,
	// a buffered log writer) across many events at once, e.g. at the end
	// of a phase. Returns an error only for a configuration-level failure;
	// per-event delivery problems should be handled the same way Emit
	// handles them.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until every event handed to Emit/EmitBatch so far has
	// either reached the backend or has been given up on. Called once at
	// the end of an invocation and safe to call repeatedly.
	Flush(ctx context.Context) error
}
