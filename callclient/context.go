package callclient

import "context"

// contextKey avoids collisions with context keys from other packages,
// mirroring graph/engine.go's RunIDKey/StepIDKey/NodeIDKey pattern.
type contextKey string

const (
	runIDKey   contextKey = "callclient.run_id"
	stateIDKey contextKey = "callclient.state_id"
)

// WithCallContext attaches the run and node-state identifiers an
// audited Call needs to canonicalize itself against, so a plugin.Transform
// making an external call doesn't need those identifiers threaded through
// its own signature. rowproc sets this on the context it passes to
// tr.Process for every attempt, right after BeginNodeState allocates the
// state's StateID.
func WithCallContext(ctx context.Context, runID, stateID string) context.Context {
	ctx = context.WithValue(ctx, runIDKey, runID)
	ctx = context.WithValue(ctx, stateIDKey, stateID)
	return ctx
}

// CallContext reads back the identifiers WithCallContext attached. ok is
// false if the context was never wrapped (e.g. a unit test calling a
// Backend directly rather than through a Transform dispatched by rowproc).
func CallContext(ctx context.Context) (runID, stateID string, ok bool) {
	runID, okRun := ctx.Value(runIDKey).(string)
	stateID, okState := ctx.Value(stateIDKey).(string)
	return runID, stateID, okRun && okState
}
