package callclient

import (
	"context"

	"github.com/tachyon-beep/elspeth/landscape"
)

// Request is one outbound call's canonicalisable payload, independent of
// which Backend ultimately dispatches it.
type Request struct {
	CallType landscape.CallType
	Data     map[string]any
}

// Response is what a Backend returns for one Request.
type Response struct {
	Data map[string]any
}

// Backend dispatches one Request to an external system (an LLM provider
// or a plain HTTP endpoint). Grounded on graph/model/chat.go's ChatModel
// interface, generalized from Chat(ctx, messages, tools) to a single
// Invoke(ctx, Request) call so Client doesn't need call-type-specific
// branches beyond backend selection — the call-type distinction lives in
// which Backend a node is configured with, not in Client's dispatch path.
type Backend interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}
