package llm

import (
	"context"
	"fmt"

	"github.com/tachyon-beep/elspeth/callclient"
	"github.com/tachyon-beep/elspeth/landscape"
	"github.com/tachyon-beep/elspeth/plugin"
)

// CallTransform is the plugin.Transform a pipeline configures to run a row
// through an external LLM call: it reads a conversation out of a configured
// input field, dispatches it through a callclient.Client (which owns
// admission control and audit recording), and writes the reply back under
// a configured output field. Grounded on rowproc.Processor's
// runTransformAttempt threading run/state identifiers into ctx via
// callclient.WithCallContext, which this transform reads back with
// callclient.CallContext rather than needing them in Process's signature.
type CallTransform struct {
	header      plugin.Header
	client      *callclient.Client
	callType    landscape.CallType
	inputField  string
	outputField string
	model       string
}

// CallTransformConfig is everything NewCallTransform needs beyond the
// shared audited client.
type CallTransformConfig struct {
	Name        string
	Version     string
	SecurityLvl plugin.SecurityLevel
	Client      *callclient.Client
	CallType    landscape.CallType
	InputField  string // row field holding []any{"role":..., "content":...}; read as Request.Data["messages"]
	OutputField string // row field the reply's "text" is written to
	Model       string // optional per-transform override, carried as Request.Data["model"]
}

// NewCallTransform validates cfg and returns a ready CallTransform.
func NewCallTransform(cfg CallTransformConfig) (*CallTransform, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("llm: call transform %q: client cannot be nil", cfg.Name)
	}
	if cfg.InputField == "" || cfg.OutputField == "" {
		return nil, fmt.Errorf("llm: call transform %q: input_field and output_field are required", cfg.Name)
	}
	callType := cfg.CallType
	if callType == "" {
		callType = landscape.CallLLM
	}
	return &CallTransform{
		header: plugin.Header{
			Name:          cfg.Name,
			Version:       cfg.Version,
			Determinism:   landscape.DeterminismExternalCall,
			SecurityLevel: cfg.SecurityLvl,
		},
		client:      cfg.Client,
		callType:    callType,
		inputField:  cfg.InputField,
		outputField: cfg.OutputField,
		model:       cfg.Model,
	}, nil
}

func (t *CallTransform) Header() plugin.Header { return t.header }

// CreatesTokens is always false: one call produces one reply, never a
// multi-row expansion.
func (t *CallTransform) CreatesTokens() bool { return false }

// Process builds a Request from row[t.inputField], dispatches it through
// t.client, and returns the row with the reply text written to
// row[t.outputField]. A *retry.CapacityError from the client is returned
// unwrapped so retry.Manager (wrapping this call in rowproc) can back off
// and retry rather than treat it as a terminal transform error.
func (t *CallTransform) Process(ctx context.Context, row landscape.PipelineRow) (plugin.TransformResult, error) {
	runID, stateID, ok := callclient.CallContext(ctx)
	if !ok {
		return plugin.TransformResult{}, fmt.Errorf("llm: call transform %q: no call context on ctx (not dispatched through rowproc?)", t.header.Name)
	}

	raw, present := row.Get(t.inputField)
	if !present {
		return plugin.TransformResult{
			Status:    plugin.TransformError,
			Reason:    fmt.Sprintf("missing input field %q", t.inputField),
			Retryable: false,
		}, nil
	}
	data := map[string]any{"messages": raw}
	if t.model != "" {
		data["model"] = t.model
	}

	resp, err := t.client.Call(ctx, runID, stateID, t.callType, callclient.Request{
		CallType: t.callType,
		Data:     data,
	})
	if err != nil {
		return plugin.TransformResult{}, err
	}

	text, _ := resp.Data["text"].(string)
	return plugin.TransformResult{
		Status: plugin.TransformSuccess,
		Row:    row.With(t.outputField, text),
	}, nil
}
