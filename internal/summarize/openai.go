// ABOUTME: OpenAI-backed Summarizer using chat completions
// ABOUTME: Bounded by a per-call timeout so compaction never hangs on the API

package summarize

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/2389/chatstate/internal/bridge"
)

const summarySystemPrompt = `You summarize earlier turns of a chat conversation so they can be ` +
	`replaced by a single system message. Preserve the user's goals, decisions made, ` +
	`and any facts the assistant will need later. Be concise. Output plain text.`

// defaultCallTimeout bounds one completion call.
const defaultCallTimeout = 30 * time.Second

// OpenAISummarizer calls an OpenAI-compatible chat completion endpoint.
type OpenAISummarizer struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAISummarizer builds a summarizer against the given endpoint. baseURL
// may be empty for the default OpenAI API. Zero timeout uses the default.
func NewOpenAISummarizer(apiKey, baseURL, model string, timeout time.Duration) *OpenAISummarizer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &OpenAISummarizer{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: timeout,
	}
}

// Summarize implements Summarizer.
func (s *OpenAISummarizer) Summarize(ctx context.Context, messages []*bridge.Message, instructions string) (string, error) {
	if len(messages) == 0 {
		return "", ErrEmptyInput
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var sb strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&sb, "[%s] %s\n", msg.Role, msg.Content)
	}

	system := summarySystemPrompt
	if instructions != "" {
		system += "\n\nAdditional instructions: " + instructions
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: sb.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarize completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summarize completion: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
