// Package render turns assistant markdown into terminal output.
package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/muesli/reflow/wordwrap"
)

// Formatter converts message content to display text.
type Formatter interface {
	Format(content string) (string, error)
}

// Glamour renders markdown with ANSI styling.
type Glamour struct {
	renderer *glamour.TermRenderer
}

// NewGlamour creates a markdown renderer wrapping at wordWrap columns.
func NewGlamour(wordWrap int) (*Glamour, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wordWrap),
		glamour.WithPreservedNewLines(),
	)
	if err != nil {
		return nil, fmt.Errorf("create markdown renderer: %w", err)
	}
	return &Glamour{renderer: r}, nil
}

// Format renders content as markdown.
func (g *Glamour) Format(content string) (string, error) {
	out, err := g.renderer.Render(content)
	if err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return strings.Trim(out, "\n"), nil
}

// Plain wraps text without interpreting markdown.
type Plain struct {
	Width int // 0 disables wrapping
}

// Format wraps content at Width.
func (p Plain) Format(content string) (string, error) {
	if p.Width <= 0 {
		return content, nil
	}
	return wordwrap.String(content, p.Width), nil
}

// New returns a Glamour formatter when markdown is enabled, falling back to Plain.
func New(markdown bool, wordWrap int) Formatter {
	if !markdown {
		return Plain{Width: wordWrap}
	}
	g, err := NewGlamour(wordWrap)
	if err != nil {
		return Plain{Width: wordWrap}
	}
	return g
}

// Display formats text with f and falls back to the raw text on error.
func Display(f Formatter, text string) string {
	if f == nil {
		return text
	}
	out, err := f.Format(text)
	if err != nil {
		return text
	}
	return out
}
