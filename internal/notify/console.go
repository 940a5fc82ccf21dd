package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
)

// ConsoleChannel prints notifications to a terminal.
type ConsoleChannel struct {
	name string
	out  io.Writer
	mu   sync.Mutex

	title *color.Color
	body  *color.Color
	dim   *color.Color
}

// NewConsoleChannel creates a console channel writing to out (stdout when nil).
func NewConsoleChannel(out io.Writer) *ConsoleChannel {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleChannel{
		name:  "console",
		out:   out,
		title: color.New(color.FgYellow, color.Bold),
		body:  color.New(color.FgWhite),
		dim:   color.New(color.FgHiBlack),
	}
}

// Name returns the name of the channel.
func (c *ConsoleChannel) Name() string {
	return c.name
}

// Send prints the notification. Concurrent sends never interleave.
func (c *ConsoleChannel) Send(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.title.Fprintf(c.out, "🔔 %s\n", n.Title); err != nil {
		return fmt.Errorf("writing to console: %w", err)
	}
	if _, err := c.body.Fprintln(c.out, n.Message); err != nil {
		return fmt.Errorf("writing to console: %w", err)
	}
	if id, ok := n.Data["alert_id"].(string); ok {
		if _, err := c.dim.Fprintf(c.out, "alert %s\n", id); err != nil {
			return fmt.Errorf("writing to console: %w", err)
		}
	}
	return nil
}
