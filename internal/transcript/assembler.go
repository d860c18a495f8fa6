// Package transcript assembles protocol events into an ordered, render-ready
// transcript. It owns the single streaming slot: at most one assistant entry
// receives deltas at any time.
package transcript

import (
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/protocol"
)

// Assembler is not safe for concurrent use; it is driven from the session loop.
type Assembler struct {
	entries   []domain.TranscriptEntry
	streaming int // index into entries, -1 when the slot is free
	buf       strings.Builder
	nextID    uint64
	completed bool // last assistant event was a Complete
	undo      bool // completed before the last AppendUser
	now       func() time.Time
	logger    *slog.Logger
}

// New creates an empty assembler.
func New(logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{streaming: -1, now: time.Now, logger: logger}
}

// SetClock overrides the creation timestamp source.
func (a *Assembler) SetClock(now func() time.Time) {
	a.now = now
}

// Streaming reports whether an assistant entry holds the streaming slot.
func (a *Assembler) Streaming() bool {
	return a.streaming >= 0
}

// Len returns the number of entries.
func (a *Assembler) Len() int {
	return len(a.entries)
}

// Entries returns a snapshot of the transcript.
func (a *Assembler) Entries() []domain.TranscriptEntry {
	out := make([]domain.TranscriptEntry, len(a.entries))
	copy(out, a.entries)
	return out
}

// History returns the settled user and assistant turns, oldest first.
func (a *Assembler) History() []domain.HistoryItem {
	history := make([]domain.HistoryItem, 0, len(a.entries))
	for _, e := range a.entries {
		if e.Phase != domain.PhaseFinal {
			continue
		}
		if e.Role != domain.RoleUser && e.Role != domain.RoleAssistant {
			continue
		}
		history = append(history, domain.HistoryItem{Role: e.Role, Content: e.Content})
	}
	return history
}

// AppendUser records a user submission.
func (a *Assembler) AppendUser(text string) domain.TranscriptEntry {
	a.undo = a.completed
	a.completed = false
	return a.appendFinal(domain.RoleUser, text)
}

// RetractUser removes entry if it is the most recent one and was added by
// AppendUser. It is used when the submission never reached the agent.
func (a *Assembler) RetractUser(entry domain.TranscriptEntry) bool {
	n := len(a.entries)
	if n == 0 || entry.Role != domain.RoleUser || a.entries[n-1].ID != entry.ID {
		return false
	}
	a.entries = a.entries[:n-1]
	a.completed = a.undo
	return true
}

// AppendSystem records a session notice such as a lost connection.
func (a *Assembler) AppendSystem(text string) domain.TranscriptEntry {
	return a.appendFinal(domain.RoleSystem, text)
}

// AppendError records an error without touching the streaming slot.
func (a *Assembler) AppendError(text string) domain.TranscriptEntry {
	return a.appendFinal(domain.RoleError, text)
}

// Apply mutates the transcript for ev and returns the changed entries in the
// order they changed. Tool announcements do not touch the transcript.
func (a *Assembler) Apply(ev protocol.Event) []domain.TranscriptEntry {
	switch e := ev.(type) {
	case protocol.Delta:
		return []domain.TranscriptEntry{a.applyDelta(e.Text)}
	case protocol.Complete:
		if entry, ok := a.applyComplete(e.FinalText); ok {
			return []domain.TranscriptEntry{entry}
		}
		return nil
	case protocol.ErrorEvent:
		return a.applyError(e.Message)
	default:
		return nil
	}
}

// FailStreaming marks the in-flight assistant entry as failed, keeping its
// partial content, and releases the slot.
func (a *Assembler) FailStreaming() (domain.TranscriptEntry, bool) {
	if a.streaming < 0 {
		return domain.TranscriptEntry{}, false
	}
	entry := a.release(domain.PhaseFailed)
	return entry, true
}

func (a *Assembler) applyDelta(text string) domain.TranscriptEntry {
	a.completed = false
	if a.streaming < 0 {
		a.entries = append(a.entries, a.newEntry(domain.RoleAssistant, "", domain.PhaseStreaming))
		a.streaming = len(a.entries) - 1
		a.buf.Reset()
	}
	a.buf.WriteString(text)
	a.entries[a.streaming].Content = a.buf.String()
	return a.entries[a.streaming]
}

func (a *Assembler) applyComplete(finalText string) (domain.TranscriptEntry, bool) {
	if a.streaming >= 0 {
		if finalText != "" {
			a.entries[a.streaming].Content = finalText
		}
		a.completed = true
		return a.release(domain.PhaseFinal), true
	}
	if a.completed {
		a.logger.Warn("Ignoring complete with no streaming message", "final_text_length", len(finalText))
		return domain.TranscriptEntry{}, false
	}
	a.completed = true
	return a.appendFinal(domain.RoleAssistant, finalText), true
}

func (a *Assembler) applyError(message string) []domain.TranscriptEntry {
	a.completed = false
	var changed []domain.TranscriptEntry
	if failed, ok := a.FailStreaming(); ok {
		changed = append(changed, failed)
	}
	return append(changed, a.appendFinal(domain.RoleError, message))
}

func (a *Assembler) release(phase domain.Phase) domain.TranscriptEntry {
	a.entries[a.streaming].Phase = phase
	entry := a.entries[a.streaming]
	a.streaming = -1
	a.buf.Reset()
	return entry
}

func (a *Assembler) appendFinal(role domain.Role, text string) domain.TranscriptEntry {
	entry := a.newEntry(role, text, domain.PhaseFinal)
	a.entries = append(a.entries, entry)
	return entry
}

func (a *Assembler) newEntry(role domain.Role, content string, phase domain.Phase) domain.TranscriptEntry {
	a.nextID++
	return domain.TranscriptEntry{
		ID:        a.nextID,
		Role:      role,
		Content:   content,
		Phase:     phase,
		CreatedAt: a.now(),
	}
}
