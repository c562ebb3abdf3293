package landscape

import "github.com/google/uuid"

// NewID returns an opaque UUID-shaped identifier, used for every entity id
// the core mints (run_id, node_id, row_id, token_id, state_id, batch_id,
// call_id, artifact_id, edge_id).
func NewID() string {
	return uuid.NewString()
}
