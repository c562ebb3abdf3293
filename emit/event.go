// Package emit provides event emission and observability for pipeline runs,
// independent of the structured metrics (see metrics/) and per-row spans
// (see tracing/) the pipeline also records. It is grounded on the teacher's
// graph/emit package, re-homed to the module root: the Emitter interface,
// Event type, and its four backends (log, null, buffered, OTel) are kept
// essentially as written, since they were already a generic, domain-agnostic
// event-emission facility with no workflow-state coupling.
package emit

// Event represents an observability event emitted during a pipeline run.
//
// Events provide detailed insight into run behavior:
//   - Node execution start/complete
//   - Row state transitions
//   - Errors and warnings
//   - Performance metrics
//   - Checkpoint operations
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Store in time-series databases
//   - Trigger alerts
type Event struct {
	// RunID identifies the pipeline run that emitted this event.
	RunID string

	// Step is the sequential step number in the run (1-indexed).
	// Zero for run-level events (start, complete, error).
	Step int

	// NodeID identifies which node emitted this event.
	// Empty string for run-level events.
	NodeID string

	// Msg is a human-readable description of the event.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": Execution duration in milliseconds
	//   - "error": Error details
	//   - "tokens": Token count for LLM calls
	//   - "checkpoint_id": Checkpoint identifier
	//   - "retryable": Whether an error can be retried
	Meta map[string]interface{}
}
