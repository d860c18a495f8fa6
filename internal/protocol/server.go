package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/agentchat/internal/domain"
)

// DecodeRequest parses an outgoing request frame. It is the inverse of Encode
// and is used by the agent side of the connection.
func DecodeRequest(raw []byte) (domain.OutgoingRequest, error) {
	var frame struct {
		Message *string              `json:"message"`
		History []domain.HistoryItem `json:"history"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return domain.OutgoingRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if frame.Message == nil {
		return domain.OutgoingRequest{}, fmt.Errorf("%w: missing message", ErrMalformed)
	}
	for i, item := range frame.History {
		if item.Role != domain.RoleUser && item.Role != domain.RoleAssistant {
			return domain.OutgoingRequest{}, fmt.Errorf("%w: history[%d] has role %q", ErrMalformed, i, item.Role)
		}
	}
	if frame.History == nil {
		frame.History = []domain.HistoryItem{}
	}
	return domain.OutgoingRequest{Message: *frame.Message, History: frame.History}, nil
}

// EncodeEvent serializes an inbound event frame.
func EncodeEvent(ev Event) ([]byte, error) {
	var content any
	switch e := ev.(type) {
	case ToolsAnnounced:
		tools := e.Tools
		if tools == nil {
			tools = []domain.ToolDescriptor{}
		}
		content = tools
	case Delta:
		content = e.Text
	case Complete:
		content = e.FinalText
	case ErrorEvent:
		content = e.Message
	case nil:
		return nil, errors.New("encode event: nil event")
	default:
		return nil, fmt.Errorf("encode event: unsupported %T", ev)
	}
	data, err := json.Marshal(struct {
		Type    string `json:"type"`
		Content any    `json:"content"`
	}{Type: ev.frameType(), Content: content})
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}
