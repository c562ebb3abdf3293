package plugin

import (
	"context"
	"fmt"
	"sync"
)

// Kind is the closed set of capabilities a registered plugin can
// implement, replacing the teacher's open-ended Node[S] with the
// REDESIGN FLAGS' flattened capability set.
type Kind string

const (
	KindSource    Kind = "source"
	KindTransform Kind = "transform"
	KindGate      Kind = "gate"
	KindSink      Kind = "sink"
)

// Factory builds one plugin instance from its configuration. Returned
// value must implement the capability interface matching the Kind it
// was registered under (Source, Transform, Gate or Sink) — Build
// type-asserts and errors out otherwise, since there is no duck typing
// or inheritance in this registry, per the REDESIGN FLAGS.
type Factory func(ctx context.Context, config map[string]any) (any, error)

type registration struct {
	kind    Kind
	factory Factory
}

// Registry maps a plugin type name (e.g. "http_source", "azure_content_safety")
// to the Factory that constructs it, mirroring
// core/registries/middleware.go's register_middleware/create pattern but
// collapsed to this domain's four-kind enum instead of PluginType's
// open set. One Registry is shared across a run's node construction;
// Register is expected to happen once at process startup, Build once
// per configured node.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]registration
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]registration)}
}

// Register adds a named Factory under the given Kind. Registering the
// same name twice is an error — plugin identity must be unambiguous.
func (r *Registry) Register(name string, kind Kind, factory Factory) error {
	if name == "" {
		return fmt.Errorf("plugin: registry: name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("plugin: registry: factory for %q cannot be nil", name)
	}
	switch kind {
	case KindSource, KindTransform, KindGate, KindSink:
	default:
		return fmt.Errorf("plugin: registry: unknown kind %q for %q", kind, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("plugin: registry: duplicate registration for %q", name)
	}
	r.byName[name] = registration{kind: kind, factory: factory}
	return nil
}

// Build constructs a named plugin and asserts it against the expected
// Kind's interface. The returned value is one of Source, Transform,
// Gate or Sink depending on kind.
func (r *Registry) Build(ctx context.Context, name string, config map[string]any) (any, error) {
	r.mu.RLock()
	reg, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin: registry: no plugin registered as %q", name)
	}

	instance, err := reg.factory(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("plugin: registry: build %q: %w", name, err)
	}

	switch reg.kind {
	case KindSource:
		if _, ok := instance.(Source); !ok {
			return nil, fmt.Errorf("plugin: registry: %q registered as source but does not implement Source", name)
		}
	case KindTransform:
		if _, ok := instance.(Transform); !ok {
			return nil, fmt.Errorf("plugin: registry: %q registered as transform but does not implement Transform", name)
		}
	case KindGate:
		if _, ok := instance.(Gate); !ok {
			return nil, fmt.Errorf("plugin: registry: %q registered as gate but does not implement Gate", name)
		}
	case KindSink:
		if _, ok := instance.(Sink); !ok {
			return nil, fmt.Errorf("plugin: registry: %q registered as sink but does not implement Sink", name)
		}
	}
	return instance, nil
}

// BuildTransform is a typed convenience wrapper over Build for the
// common case of wiring a rowproc.StepSpec.Transform field.
func (r *Registry) BuildTransform(ctx context.Context, name string, config map[string]any) (Transform, error) {
	instance, err := r.Build(ctx, name, config)
	if err != nil {
		return nil, err
	}
	tr, ok := instance.(Transform)
	if !ok {
		return nil, fmt.Errorf("plugin: registry: %q is not a Transform", name)
	}
	return tr, nil
}

// BuildGate is the Gate analogue of BuildTransform.
func (r *Registry) BuildGate(ctx context.Context, name string, config map[string]any) (Gate, error) {
	instance, err := r.Build(ctx, name, config)
	if err != nil {
		return nil, err
	}
	g, ok := instance.(Gate)
	if !ok {
		return nil, fmt.Errorf("plugin: registry: %q is not a Gate", name)
	}
	return g, nil
}
