package convlog

import (
	"time"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/redact"
	"github.com/ashureev/agentchat/internal/session"
)

const channel = "chat_ws"

// Listener returns a session listener that forwards changes to l.
func Listener(l Logger, sessionID string) session.Listener {
	return func(c session.Change) {
		Observe(l, sessionID, c)
	}
}

// Observe logs settled transcript entries and connection transitions with
// credentials masked.
// Streaming updates are skipped; the entry is logged once it settles.
func Observe(l Logger, sessionID string, c session.Change) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	switch c.Kind {
	case session.ChangeTranscript:
		if !c.Entry.Phase.Settled() {
			return
		}
		direction, eventType := classify(c.Entry.Role)
		l.Log(Event{
			Timestamp:  now,
			SessionID:  sessionID,
			Channel:    channel,
			Direction:  direction,
			EventType:  eventType,
			EntryID:    c.Entry.ID,
			ContentRaw: redact.String(c.Entry.Content),
			Content:    cleanForReadability(redact.String(c.Entry.Content)),
			Meta: map[string]any{
				"phase":   c.Entry.Phase.String(),
				"partial": c.Entry.Phase == domain.PhaseFailed,
			},
		})
	case session.ChangeConnection:
		meta := map[string]any{"state": c.State.String()}
		if c.Err != nil {
			meta["error"] = redact.String(c.Err.Error())
		}
		l.Log(Event{
			Timestamp: now,
			SessionID: sessionID,
			Channel:   channel,
			Direction: "internal",
			EventType: "connection_state",
			Meta:      meta,
		})
	case session.ChangeProtocolError:
		l.Log(Event{
			Timestamp: now,
			SessionID: sessionID,
			Channel:   channel,
			Direction: "inbound",
			EventType: "protocol_error",
			Meta:      map[string]any{"error": redact.String(c.Err.Error())},
		})
	}
}

func classify(role domain.Role) (direction, eventType string) {
	switch role {
	case domain.RoleUser:
		return "outbound", "chat_user_message"
	case domain.RoleAssistant:
		return "inbound", "chat_assistant_message"
	case domain.RoleError:
		return "inbound", "chat_error"
	default:
		return "internal", "chat_system_notice"
	}
}
