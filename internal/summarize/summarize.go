// ABOUTME: Summarizer interface with a count-based built-in and a fallback chain
// ABOUTME: Compaction uses these to condense older messages into one summary string

package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/chatstate/internal/bridge"
)

// ErrEmptyInput is returned when there is nothing to summarize.
var ErrEmptyInput = errors.New("no messages to summarize")

// Summarizer condenses an ordered list of older messages into a summary
// string. Instructions are optional hints from the caller.
type Summarizer interface {
	Summarize(ctx context.Context, messages []*bridge.Message, instructions string) (string, error)
}

// CountSummarizer is the minimal built-in strategy: a count-based summary
// naming the first and last topics. It never fails on non-empty input.
type CountSummarizer struct{}

// Summarize implements Summarizer.
func (CountSummarizer) Summarize(_ context.Context, messages []*bridge.Message, _ string) (string, error) {
	if len(messages) == 0 {
		return "", ErrEmptyInput
	}

	var users, assistants int
	for _, msg := range messages {
		switch msg.Role {
		case bridge.RoleUser:
			users++
		case bridge.RoleAssistant:
			assistants++
		}
	}

	first := firstLine(messages[0].Content)
	last := firstLine(messages[len(messages)-1].Content)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Summary of %d earlier messages (%d from you, %d from the assistant).",
		len(messages), users, assistants)
	if first != "" {
		fmt.Fprintf(&sb, " The exchange began with: %q.", first)
	}
	if last != "" && last != first {
		fmt.Fprintf(&sb, " It most recently covered: %q.", last)
	}
	return sb.String(), nil
}

// firstLine returns the first line of s, truncated to 80 characters.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}

// Fallback tries the primary summarizer and degrades to the fallback when it
// fails or returns an empty summary.
type Fallback struct {
	Primary   Summarizer
	Secondary Summarizer
	Logger    *slog.Logger
}

// NewFallback chains primary over the built-in CountSummarizer.
func NewFallback(primary Summarizer, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{
		Primary:   primary,
		Secondary: CountSummarizer{},
		Logger:    logger.With("component", "summarize"),
	}
}

// Summarize implements Summarizer.
func (f *Fallback) Summarize(ctx context.Context, messages []*bridge.Message, instructions string) (string, error) {
	if f.Primary != nil {
		summary, err := f.Primary.Summarize(ctx, messages, instructions)
		if err == nil && strings.TrimSpace(summary) != "" {
			return summary, nil
		}
		if err != nil {
			f.Logger.Warn("primary summarizer failed, using fallback", "error", err)
		}
	}
	if f.Secondary == nil {
		return "", errors.New("no fallback summarizer configured")
	}
	return f.Secondary.Summarize(ctx, messages, instructions)
}
