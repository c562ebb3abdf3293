// Package llm adapts callclient.Backend to the three LLM providers the
// original pipeline's llm transform plugins target. Grounded on
// graph/model/{anthropic,openai,google}.go's message-role mapping and
// tool-call translation, trimmed to the audited call client's
// request/response shape: a plain map[string]any in, a plain
// map[string]any out, since landscape persists both by canonical-JSON
// hash rather than as typed structs.
package llm

// Message is one turn of an LLM conversation, the shape every backend
// expects under Request.Data["messages"].
type Message struct {
	Role    string
	Content string
}

// extractMessages reads Request.Data["messages"] (a []any of
// map[string]any{"role":..., "content":...}) into typed Messages,
// mirroring the wire shape a config-driven pipeline would produce from
// JSON/YAML.
func extractMessages(data map[string]any) []Message {
	raw, _ := data["messages"].([]any)
	out := make([]Message, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		out = append(out, Message{Role: role, Content: content})
	}
	return out
}

// splitSystemPrompt separates system-role messages (concatenated) from
// the conversational remainder, matching extractSystemPrompt in
// graph/model/anthropic/anthropic.go.
func splitSystemPrompt(messages []Message) (string, []Message) {
	var system string
	var rest []Message
	for _, m := range messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

// ToolSpec describes one callable tool, read from Request.Data["tools"].
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// extractToolSpecs reads Request.Data["tools"] (a []any of
// map[string]any{"name":..., "description":..., "schema":...}).
func extractToolSpecs(data map[string]any) []ToolSpec {
	raw, _ := data["tools"].([]any)
	out := make([]ToolSpec, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		desc, _ := m["description"].(string)
		schema, _ := m["schema"].(map[string]any)
		out = append(out, ToolSpec{Name: name, Description: desc, Schema: schema})
	}
	return out
}

func modelName(data map[string]any, fallback string) string {
	if m, ok := data["model"].(string); ok && m != "" {
		return m
	}
	return fallback
}

// isCapacityStatus matches the HTTP status codes spec.md §4.5 treats as
// pool backpressure signals.
func isCapacityStatus(code int) bool {
	return code == 429 || code == 503
}
