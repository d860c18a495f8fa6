package session

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/agentchat/internal/agentstub"
	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/transport"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func lastEntry(s *Session) domain.TranscriptEntry {
	entries := s.Transcript()
	if len(entries) == 0 {
		return domain.TranscriptEntry{}
	}
	return entries[len(entries)-1]
}

func TestSessionAgainstAgentStub(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stub := agentstub.New(agentstub.Config{AnnounceTools: true, ChunkDelay: time.Millisecond}, logger)
	ts := httptest.NewServer(stub.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/chat"
	s := New(transport.NewWebSocketFactory(transport.DefaultWebSocketConfig(url), logger),
		WithLogger(logger),
		WithReconnectPolicy(3, 20*time.Millisecond),
	)
	defer s.Dispose()

	var reconnected atomic.Bool
	s.Subscribe(func(c Change) {
		if c.Kind == ChangeConnection && c.State == domain.StateReconnecting {
			reconnected.Store(true)
		}
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, "open", func() bool { return s.ConnectionState() == domain.StateOpen })
	waitFor(t, "tools", func() bool { return len(s.Tools()) == len(agentstub.DefaultTools()) })

	if err := s.Submit("hello"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	want := agentstub.Reply(domain.OutgoingRequest{Message: "hello"})
	waitFor(t, "reply", func() bool {
		e := lastEntry(s)
		return e.Role == domain.RoleAssistant && e.Phase == domain.PhaseFinal
	})
	if got := lastEntry(s).Content; got != want {
		t.Fatalf("unexpected reply %q, want %q", got, want)
	}

	if err := s.Submit(agentstub.CommandDrop); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitFor(t, "reconnect", reconnected.Load)
	waitFor(t, "reopen", func() bool { return s.ConnectionState() == domain.StateOpen })

	if err := s.Submit("again"); err != nil {
		t.Fatalf("Submit after reconnect failed: %v", err)
	}
	waitFor(t, "second reply", func() bool {
		e := lastEntry(s)
		return e.Role == domain.RoleAssistant && e.Phase == domain.PhaseFinal && strings.Contains(e.Content, "again")
	})
	// hello, its reply and /drop; the cut reply never settled as final.
	if !strings.Contains(lastEntry(s).Content, "3 earlier") {
		t.Fatalf("unexpected history size in %q", lastEntry(s).Content)
	}
}
