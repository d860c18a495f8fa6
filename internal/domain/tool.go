package domain

import "encoding/json"

// ToolDescriptor describes a tool the remote agent can invoke.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// CloneTools returns a deep copy of tools.
func CloneTools(tools []ToolDescriptor) []ToolDescriptor {
	if tools == nil {
		return nil
	}
	out := make([]ToolDescriptor, len(tools))
	for i, t := range tools {
		out[i] = t
		if t.Parameters != nil {
			out[i].Parameters = append(json.RawMessage(nil), t.Parameters...)
		}
	}
	return out
}
