package plugin_test

import (
	"context"
	"testing"

	"github.com/tachyon-beep/elspeth/landscape"
	"github.com/tachyon-beep/elspeth/plugin"
)

type fakeTransform struct{}

func (fakeTransform) Header() plugin.Header { return plugin.Header{Name: "fake", Version: "1"} }
func (fakeTransform) CreatesTokens() bool    { return false }
func (fakeTransform) Process(ctx context.Context, row landscape.PipelineRow) (plugin.TransformResult, error) {
	return plugin.TransformResult{Status: plugin.TransformSuccess, Row: row}, nil
}

type fakeGate struct{}

func (fakeGate) Header() plugin.Header { return plugin.Header{Name: "fake-gate", Version: "1"} }
func (fakeGate) EvaluateGate(ctx context.Context, row landscape.PipelineRow) (plugin.Routing, error) {
	return plugin.Routing{Kind: plugin.RouteContinue}, nil
}

func TestRegistryBuildTransformHappyPath(t *testing.T) {
	r := plugin.NewRegistry()
	if err := r.Register("fake", plugin.KindTransform, func(ctx context.Context, config map[string]any) (any, error) {
		return fakeTransform{}, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tr, err := r.BuildTransform(context.Background(), "fake", nil)
	if err != nil {
		t.Fatalf("BuildTransform: %v", err)
	}
	if tr.Header().Name != "fake" {
		t.Fatalf("expected header name fake, got %q", tr.Header().Name)
	}
}

func TestRegistryBuildGateHappyPath(t *testing.T) {
	r := plugin.NewRegistry()
	if err := r.Register("fake-gate", plugin.KindGate, func(ctx context.Context, config map[string]any) (any, error) {
		return fakeGate{}, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	g, err := r.BuildGate(context.Background(), "fake-gate", nil)
	if err != nil {
		t.Fatalf("BuildGate: %v", err)
	}
	if g.Header().Name != "fake-gate" {
		t.Fatalf("expected header name fake-gate, got %q", g.Header().Name)
	}
}

func TestRegistryRejectsDuplicateRegistration(t *testing.T) {
	r := plugin.NewRegistry()
	factory := func(ctx context.Context, config map[string]any) (any, error) { return fakeTransform{}, nil }
	if err := r.Register("fake", plugin.KindTransform, factory); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register("fake", plugin.KindTransform, factory); err == nil {
		t.Fatalf("expected error on duplicate registration")
	}
}

func TestRegistryBuildUnknownNameErrors(t *testing.T) {
	r := plugin.NewRegistry()
	if _, err := r.Build(context.Background(), "missing", nil); err == nil {
		t.Fatalf("expected error for unregistered name")
	}
}

func TestRegistryBuildTransformRejectsWrongKindInstance(t *testing.T) {
	r := plugin.NewRegistry()
	if err := r.Register("mismatched", plugin.KindTransform, func(ctx context.Context, config map[string]any) (any, error) {
		return fakeGate{}, nil // registered as transform, but does not implement Transform
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := r.Build(context.Background(), "mismatched", nil); err == nil {
		t.Fatalf("expected error when factory output does not implement the registered Kind")
	}
}

func TestRegistryBuildTransformRejectsNameRegisteredAsGate(t *testing.T) {
	r := plugin.NewRegistry()
	if err := r.Register("fake-gate", plugin.KindGate, func(ctx context.Context, config map[string]any) (any, error) {
		return fakeGate{}, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := r.BuildTransform(context.Background(), "fake-gate", nil); err == nil {
		t.Fatalf("expected BuildTransform to reject a name registered as a gate")
	}
}

func TestRegistryRegisterRejectsEmptyNameAndNilFactory(t *testing.T) {
	r := plugin.NewRegistry()
	if err := r.Register("", plugin.KindTransform, func(ctx context.Context, config map[string]any) (any, error) {
		return fakeTransform{}, nil
	}); err == nil {
		t.Fatalf("expected error for empty name")
	}
	if err := r.Register("nil-factory", plugin.KindTransform, nil); err == nil {
		t.Fatalf("expected error for nil factory")
	}
}
