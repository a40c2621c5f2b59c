package emit

// Event is one observation emitted while an Orchestrator drives a batch:
// a phase starting or finishing, or the final summary line for the
// invocation. Task attempts produce no events of their own.
type Event struct {
	// BatchKey identifies the invocation that produced this event, as
	// checkpoint.Key renders it (streamConsumerId/shardOrEventID).
	BatchKey string

	// Step is the phase ordinal: 0=initiate, 1=process, 2=finalise. Left
	// at zero for batch-level events that aren't scoped to one phase (the
	// final summary line).
	Step int

	// TaskID names the task (or, for phase-level events, the phase)
	// that produced this event. Empty for batch-level events.
	TaskID string

	// Msg is a short human-readable description, e.g. "process started",
	// "process timed_out", "batch[...]: messages=3 ...".
	Msg string

	// Meta carries event-specific structured data. The orchestrator sets
	// only "timeout_ms"; the other keys below are recognised by OTelEmitter
	// when a caller supplies them:
	//   - "timeout_ms": the deadline computed for the phase just entered
	//   - "attempts": a task's attempt count at the time of the event
	//   - "task_state": a task's lifecycle state at the time of the event
	//   - "reason_rejected" / "reason_unusable": a terminal routing cause
	Meta map[string]interface{}
}
