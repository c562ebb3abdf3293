package llm

import (
	"context"
	"fmt"

	"github.com/tachyon-beep/elspeth/callclient"
	"github.com/tachyon-beep/elspeth/landscape"
	"github.com/tachyon-beep/elspeth/plugin"
)

// CallBatchTransform is the plugin.BatchTransform an aggregation node
// configures with aggregate.OutputPassthrough to run every buffered row
// through an external LLM call concurrently rather than one at a time.
// It shares CallTransform's client/field configuration and call
// semantics (transform.go) but fans the N buffered rows out across
// goroutines with callclient.RunConcurrent, each one an independent,
// individually audited t.client.Call — concurrency is bounded by the
// client's own Pool, not by this type.
type CallBatchTransform struct {
	header      plugin.Header
	client      *callclient.Client
	callType    landscape.CallType
	inputField  string
	outputField string
	model       string
}

// CallBatchTransformConfig mirrors CallTransformConfig.
type CallBatchTransformConfig struct {
	Name        string
	Version     string
	SecurityLvl plugin.SecurityLevel
	Client      *callclient.Client
	CallType    landscape.CallType
	InputField  string
	OutputField string
	Model       string
}

// NewCallBatchTransform validates cfg and returns a ready CallBatchTransform.
func NewCallBatchTransform(cfg CallBatchTransformConfig) (*CallBatchTransform, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("llm: call batch transform %q: client cannot be nil", cfg.Name)
	}
	if cfg.InputField == "" || cfg.OutputField == "" {
		return nil, fmt.Errorf("llm: call batch transform %q: input_field and output_field are required", cfg.Name)
	}
	callType := cfg.CallType
	if callType == "" {
		callType = landscape.CallLLM
	}
	return &CallBatchTransform{
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

func (t *CallBatchTransform) Header() plugin.Header { return t.header }

// ProcessBatch dispatches one call per row concurrently and returns them
// in the same order as rows, so the caller can feed the result straight
// into aggregate.OutputPassthrough.
func (t *CallBatchTransform) ProcessBatch(ctx context.Context, rows []landscape.PipelineRow) (plugin.TransformResult, error) {
	runID, stateID, ok := callclient.CallContext(ctx)
	if !ok {
		return plugin.TransformResult{}, fmt.Errorf("llm: call batch transform %q: no call context on ctx (not dispatched through aggregate.Executor?)", t.header.Name)
	}

	out := make([]landscape.PipelineRow, len(rows))
	err := callclient.RunConcurrent(ctx, len(rows), func(ctx context.Context, i int) error {
		row := rows[i]
		raw, present := row.Get(t.inputField)
		if !present {
			return fmt.Errorf("llm: call batch transform %q: row %d missing input field %q", t.header.Name, i, t.inputField)
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
			return err
		}
		text, _ := resp.Data["text"].(string)
		out[i] = row.With(t.outputField, text)
		return nil
	})
	if err != nil {
		return plugin.TransformResult{}, err
	}

	return plugin.TransformResult{Status: plugin.TransformMulti, Rows: out}, nil
}
