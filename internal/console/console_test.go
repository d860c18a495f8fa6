package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/session"
)

type fakeChat struct {
	mu        sync.Mutex
	submitted []string
	submitErr error
	listener  session.Listener
	tools     []domain.ToolDescriptor
	state     domain.ConnectionState
}

func (f *fakeChat) Submit(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, text)
	return nil
}

func (f *fakeChat) Subscribe(l session.Listener) func() {
	f.listener = l
	return func() { f.listener = nil }
}

func (f *fakeChat) Tools() []domain.ToolDescriptor          { return f.tools }
func (f *fakeChat) ConnectionState() domain.ConnectionState { return f.state }

type upperFormatter struct{}

func (upperFormatter) Format(s string) (string, error) { return strings.ToUpper(s), nil }

func TestRunSubmitsLinesUntilQuit(t *testing.T) {
	t.Parallel()

	chat := &fakeChat{tools: []domain.ToolDescriptor{{Name: "echo", Description: "repeat"}}}
	var out bytes.Buffer
	c := New(chat, &out, nil)

	in := strings.NewReader("hello\n\n/tools\n/quit\nnever sent\n")
	if err := c.Run(context.Background(), in); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(chat.submitted) != 1 || chat.submitted[0] != "hello" {
		t.Fatalf("unexpected submissions: %v", chat.submitted)
	}
	if !strings.Contains(out.String(), "echo") || !strings.Contains(out.String(), "repeat") {
		t.Fatalf("tools not listed: %q", out.String())
	}
}

func TestRunReportsSubmitErrors(t *testing.T) {
	t.Parallel()

	cases := map[error]string{
		session.ErrBusy:                                   "still replying",
		session.ErrEmptyMessage:                           "empty",
		fmt.Errorf("%w: closed", session.ErrNotConnected): "Not connected (reconnecting)",
		errors.New("queue full"):                          "queue full",
	}
	for err, want := range cases {
		chat := &fakeChat{submitErr: err, state: domain.StateReconnecting}
		var out bytes.Buffer
		if runErr := New(chat, &out, nil).Run(context.Background(), strings.NewReader("x\n")); runErr != nil {
			t.Fatalf("Run failed: %v", runErr)
		}
		if !strings.Contains(out.String(), want) {
			t.Fatalf("error %v: expected %q in %q", err, want, out.String())
		}
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	reader, writer := io.Pipe()
	defer writer.Close()

	done := make(chan error, 1)
	go func() { done <- New(&fakeChat{}, &bytes.Buffer{}, nil).Run(ctx, reader) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean exit, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestChangesRendered(t *testing.T) {
	t.Parallel()

	chat := &fakeChat{}
	var out bytes.Buffer
	c := New(chat, &out, upperFormatter{})
	detach := c.Attach()

	notify := chat.listener
	notify(session.Change{Kind: session.ChangeConnection, State: domain.StateOpen})
	notify(session.Change{Kind: session.ChangeTranscript, Entry: domain.TranscriptEntry{ID: 1, Role: domain.RoleUser, Content: "question", Phase: domain.PhaseFinal}})
	notify(session.Change{Kind: session.ChangeTranscript, Entry: domain.TranscriptEntry{ID: 2, Role: domain.RoleAssistant, Content: "He", Phase: domain.PhaseStreaming}})
	notify(session.Change{Kind: session.ChangeTranscript, Entry: domain.TranscriptEntry{ID: 2, Role: domain.RoleAssistant, Content: "Hello", Phase: domain.PhaseStreaming}})
	notify(session.Change{Kind: session.ChangeTranscript, Entry: domain.TranscriptEntry{ID: 2, Role: domain.RoleAssistant, Content: "Hello", Phase: domain.PhaseFinal}})
	notify(session.Change{Kind: session.ChangeTranscript, Entry: domain.TranscriptEntry{ID: 3, Role: domain.RoleAssistant, Content: "cut", Phase: domain.PhaseFailed}})
	notify(session.Change{Kind: session.ChangeTranscript, Entry: domain.TranscriptEntry{ID: 4, Role: domain.RoleError, Content: "boom", Phase: domain.PhaseFinal}})
	notify(session.Change{Kind: session.ChangeConnection, State: domain.StateFailed, Err: session.ErrReconnectExhausted})
	notify(session.Change{Kind: session.ChangeTranscript, Entry: domain.TranscriptEntry{ID: 5, Role: domain.RoleSystem, Content: session.FailedNotice, Phase: domain.PhaseFinal}})
	detach()

	got := out.String()
	for _, want := range []string{"[open]", "HELLO", "CUT", "reply interrupted", "error: boom", "[failed]", "reconnect attempts exhausted", session.FailedNotice} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in output:\n%s", want, got)
		}
	}
	if strings.Contains(got, "question") {
		t.Fatal("user entries should not be echoed")
	}
	if n := strings.Count(got, "agent is typing"); n != 1 {
		t.Fatalf("expected one typing indicator, got %d", n)
	}
	if chat.listener != nil {
		t.Fatal("expected detach to unsubscribe")
	}
}
