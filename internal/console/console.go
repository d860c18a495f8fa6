// Package console is a line-oriented terminal front end for a chat session.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/render"
	"github.com/ashureev/agentchat/internal/session"
	"github.com/charmbracelet/lipgloss"
)

// Console commands.
const (
	CommandQuit  = "/quit"
	CommandTools = "/tools"
	CommandHelp  = "/help"
)

// Chat is the part of session.Session the console drives.
type Chat interface {
	Submit(text string) error
	Subscribe(l session.Listener) func()
	Tools() []domain.ToolDescriptor
	ConnectionState() domain.ConnectionState
}

var (
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("170")).Bold(true)
	toolNameStyle  = lipgloss.NewStyle().Bold(true)
)

// Console renders session changes to out and feeds input lines to the session.
type Console struct {
	chat      Chat
	formatter render.Formatter

	mu        sync.Mutex
	out       io.Writer
	streaming uint64 // entry id currently shown as typing, 0 if none
}

// New creates a console writing to out.
func New(chat Chat, out io.Writer, formatter render.Formatter) *Console {
	if formatter == nil {
		formatter = render.Plain{}
	}
	return &Console{chat: chat, out: out, formatter: formatter}
}

// Attach subscribes the console to session changes.
func (c *Console) Attach() (detach func()) {
	return c.chat.Subscribe(c.handle)
}

// Run reads lines from in until EOF, /quit or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	c.printf("%s\n", statusStyle.Render("Type a message, /tools to list agent tools, /quit to exit."))
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read input: %w", err)
					}
				default:
				}
				return nil
			}
			if quit := c.dispatch(strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (c *Console) dispatch(line string) (quit bool) {
	switch line {
	case "":
		return false
	case CommandQuit:
		return true
	case CommandTools:
		c.printTools(c.chat.Tools())
		return false
	case CommandHelp:
		c.printf("%s\n", statusStyle.Render("Commands: /tools, /quit"))
		return false
	}

	if err := c.chat.Submit(line); err != nil {
		c.printf("%s\n", errorStyle.Render(submitMessage(err, c.chat.ConnectionState())))
	}
	return false
}

func submitMessage(err error, state domain.ConnectionState) string {
	switch {
	case errors.Is(err, session.ErrNotConnected):
		return fmt.Sprintf("! Not connected (%s). Message not sent.", state)
	case errors.Is(err, session.ErrBusy):
		return "! The agent is still replying. Wait for it to finish."
	case errors.Is(err, session.ErrEmptyMessage):
		return "! Message is empty."
	default:
		return fmt.Sprintf("! Could not send message: %v", err)
	}
}

func (c *Console) handle(ch session.Change) {
	switch ch.Kind {
	case session.ChangeConnection:
		line := fmt.Sprintf("[%s]", ch.State)
		if ch.State == domain.StateFailed && ch.Err != nil {
			c.printf("%s\n", errorStyle.Render(line+" "+ch.Err.Error()))
			return
		}
		c.printf("%s\n", statusStyle.Render(line))
	case session.ChangeTools:
		c.printTools(ch.Tools)
	case session.ChangeTranscript:
		c.printEntry(ch.Entry)
	case session.ChangeProtocolError:
		c.printf("%s\n", statusStyle.Render("(ignored frame: "+ch.Err.Error()+")"))
	}
}

func (c *Console) printEntry(e domain.TranscriptEntry) {
	switch e.Role {
	case domain.RoleUser:
		return
	case domain.RoleSystem:
		c.printf("%s\n", systemStyle.Render("* "+e.Content))
		return
	case domain.RoleError:
		c.printf("%s\n", errorStyle.Render("error: "+e.Content))
		return
	}

	c.mu.Lock()
	if e.Phase == domain.PhaseStreaming {
		if c.streaming != e.ID {
			c.streaming = e.ID
			fmt.Fprintf(c.out, "%s\n", statusStyle.Render("agent is typing..."))
		}
		c.mu.Unlock()
		return
	}
	c.streaming = 0
	c.mu.Unlock()

	if !e.Phase.Settled() {
		return
	}
	body := render.Display(c.formatter, e.Content)
	c.printf("%s\n%s\n", assistantStyle.Render("agent:"), body)
	if e.Phase == domain.PhaseFailed {
		c.printf("%s\n", errorStyle.Render("(reply interrupted)"))
	}
}

func (c *Console) printTools(tools []domain.ToolDescriptor) {
	if len(tools) == 0 {
		c.printf("%s\n", statusStyle.Render("No tools announced."))
		return
	}
	var b strings.Builder
	b.WriteString(statusStyle.Render("Agent tools:"))
	b.WriteString("\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "  %s  %s\n", toolNameStyle.Render(t.Name), t.Description)
	}
	c.printf("%s", b.String())
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
