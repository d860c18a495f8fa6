// Package protocol implements the JSON wire format spoken with the remote agent.
//
// Outgoing frames carry the user message plus prior turns:
//
//	{"message": "...", "history": [{"role": "user", "content": "..."}]}
//
// Inbound frames are tagged by type:
//
//	{"type": "tools"|"delta"|"complete"|"error", "content": <tools[] | string>}
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/agentchat/internal/domain"
)

// Frame type tags.
const (
	TypeTools    = "tools"
	TypeDelta    = "delta"
	TypeComplete = "complete"
	TypeError    = "error"
)

var (
	ErrMalformed   = errors.New("malformed frame")
	ErrUnknownKind = errors.New("unknown frame type")
)

// Kind classifies a DecodeError.
type Kind int

const (
	KindMalformed Kind = iota
	KindUnknown
)

func (k Kind) String() string {
	if k == KindUnknown {
		return "unknown_kind"
	}
	return "malformed"
}

// DecodeError is returned when an inbound frame cannot be turned into an Event.
type DecodeError struct {
	Kind Kind
	Type string // frame type tag, if one could be read
	Err  error
}

func (e *DecodeError) Error() string {
	base := ErrMalformed
	if e.Kind == KindUnknown {
		base = ErrUnknownKind
	}
	switch {
	case e.Type != "" && e.Err != nil:
		return fmt.Sprintf("%v %q: %v", base, e.Type, e.Err)
	case e.Type != "":
		return fmt.Sprintf("%v %q", base, e.Type)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", base, e.Err)
	default:
		return base.Error()
	}
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrMalformed and ErrUnknownKind.
func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrMalformed:
		return e.Kind == KindMalformed
	case ErrUnknownKind:
		return e.Kind == KindUnknown
	}
	return false
}

// Event is a decoded inbound frame.
type Event interface {
	frameType() string
}

// ToolsAnnounced replaces the active tool set.
type ToolsAnnounced struct {
	Tools []domain.ToolDescriptor
}

// Delta carries an incremental fragment of assistant output.
type Delta struct {
	Text string
}

// Complete ends the current assistant message.
type Complete struct {
	FinalText string
}

// ErrorEvent is a server-signaled failure.
type ErrorEvent struct {
	Message string
}

func (ToolsAnnounced) frameType() string { return TypeTools }
func (Delta) frameType() string          { return TypeDelta }
func (Complete) frameType() string       { return TypeComplete }
func (ErrorEvent) frameType() string     { return TypeError }

type requestFrame struct {
	Message string               `json:"message"`
	History []domain.HistoryItem `json:"history"`
}

type eventFrame struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// Encode serializes an outgoing request.
func Encode(req domain.OutgoingRequest) ([]byte, error) {
	history := req.History
	if history == nil {
		history = []domain.HistoryItem{}
	}
	data, err := json.Marshal(requestFrame{Message: req.Message, History: history})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return data, nil
}

// Decode parses an inbound frame.
func Decode(raw []byte) (Event, error) {
	var frame eventFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, &DecodeError{Kind: KindMalformed, Err: err}
	}
	if frame.Type == "" {
		return nil, &DecodeError{Kind: KindMalformed, Err: errors.New("missing type")}
	}

	switch frame.Type {
	case TypeTools:
		tools, err := decodeTools(frame.Content)
		if err != nil {
			return nil, &DecodeError{Kind: KindMalformed, Type: frame.Type, Err: err}
		}
		return ToolsAnnounced{Tools: tools}, nil
	case TypeDelta, TypeComplete, TypeError:
		text, err := decodeText(frame.Content)
		if err != nil {
			return nil, &DecodeError{Kind: KindMalformed, Type: frame.Type, Err: err}
		}
		switch frame.Type {
		case TypeDelta:
			return Delta{Text: text}, nil
		case TypeComplete:
			return Complete{FinalText: text}, nil
		default:
			return ErrorEvent{Message: text}, nil
		}
	default:
		return nil, &DecodeError{Kind: KindUnknown, Type: frame.Type}
	}
}

func present(content json.RawMessage) bool {
	return len(content) > 0 && !bytes.Equal(bytes.TrimSpace(content), []byte("null"))
}

func decodeText(content json.RawMessage) (string, error) {
	if !present(content) {
		return "", errors.New("missing content")
	}
	var text string
	if err := json.Unmarshal(content, &text); err != nil {
		return "", fmt.Errorf("content is not a string: %w", err)
	}
	return text, nil
}

func decodeTools(content json.RawMessage) ([]domain.ToolDescriptor, error) {
	if !present(content) {
		return nil, errors.New("missing content")
	}
	var tools []domain.ToolDescriptor
	if err := json.Unmarshal(content, &tools); err != nil {
		return nil, fmt.Errorf("content is not a tool list: %w", err)
	}
	seen := make(map[string]struct{}, len(tools))
	for i, t := range tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tool %d has no name", i)
		}
		if _, dup := seen[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", t.Name)
		}
		seen[t.Name] = struct{}{}
		if !present(t.Parameters) {
			tools[i].Parameters = nil
		}
	}
	if tools == nil {
		tools = []domain.ToolDescriptor{}
	}
	return tools, nil
}
