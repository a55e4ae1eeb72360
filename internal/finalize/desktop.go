package finalize

import (
	"context"
	"fmt"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/go-vgo/robotgo"
)

// Clipboard copies the session text to the system clipboard.
type Clipboard struct {
	// Write replaces the clipboard contents. Defaults to robotgo.
	Write func(text string) error
}

// NewClipboard returns a Clipboard backed by robotgo.
func NewClipboard() *Clipboard {
	return &Clipboard{Write: robotgo.WriteAll}
}

func (c *Clipboard) Name() string { return "clipboard" }

// Finalize copies r.Text(). An empty session leaves the clipboard alone.
func (c *Clipboard) Finalize(_ context.Context, r Result) error {
	text := r.Text()
	if text == "" {
		return nil
	}
	if err := c.Write(text); err != nil {
		return fmt.Errorf("finalize: write to clipboard: %w", err)
	}
	return nil
}

// Notifier shows a desktop notification summarizing the session.
type Notifier struct {
	Title string
	// Notify shows one notification. Defaults to beeep.
	Notify func(title, message string) error
}

// NewNotifier returns a Notifier backed by beeep.
func NewNotifier() *Notifier {
	return &Notifier{
		Title: "gostt-live",
		Notify: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
	}
}

func (n *Notifier) Name() string { return "notify" }

// Finalize sends the summary.
func (n *Notifier) Finalize(_ context.Context, r Result) error {
	if err := n.Notify(n.Title, Summary(r)); err != nil {
		return fmt.Errorf("finalize: notify: %w", err)
	}
	return nil
}

// Summary is a one-line description of a session.
func Summary(r Result) string {
	lines := 0
	for _, t := range r.Transcripts {
		lines += t.Lines()
	}
	noun := "lines"
	if lines == 1 {
		noun = "line"
	}
	return fmt.Sprintf("Session finished after %s: %d transcript %s", r.Elapsed.Round(time.Second), lines, noun)
}
