package domain

import (
	"time"
)

// Role identifies the author of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleError     Role = "error"
)

// Phase is the lifecycle stage of a transcript entry.
type Phase int

const (
	PhasePending Phase = iota
	PhaseStreaming
	PhaseFinal
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseStreaming:
		return "streaming"
	case PhaseFinal:
		return "final"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Settled reports whether the entry content can no longer change.
func (p Phase) Settled() bool {
	return p == PhaseFinal || p == PhaseFailed
}

// TranscriptEntry is one message in the session transcript.
type TranscriptEntry struct {
	ID        uint64    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Phase     Phase     `json:"phase"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryItem is a prior conversation turn sent along with a request.
type HistoryItem struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// OutgoingRequest is a user message plus a snapshot of prior turns.
type OutgoingRequest struct {
	Message string
	History []HistoryItem
}
