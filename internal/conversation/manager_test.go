// ABOUTME: Tests for the conversation Manager
// ABOUTME: Covers accounting invariants, compaction, eviction, provider switches, search

package conversation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatstate/internal/bridge"
	"github.com/2389/chatstate/internal/bus"
)

func newTestManager(t *testing.T, opts Options) (*Manager, *bus.Bus) {
	t.Helper()
	b := bus.New(nil)
	t.Cleanup(b.Close)
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = "openai"
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = "gpt-4o"
	}
	return NewManager(opts, b, nil, nil), b
}

func TestAddMessage_AccountingInvariantsHoldAfterEveryCall(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	conv := m.CreateConversation(CreateOptions{Title: "inv"})

	roles := []string{bridge.RoleUser, bridge.RoleAssistant, bridge.RoleUser, bridge.RoleSystem}
	for i, role := range roles {
		_, err := m.AddMessage(context.Background(), MessageInput{
			ConversationID: conv.ID,
			Role:           role,
			Content:        fmt.Sprintf("message number %d", i),
			Tokens:         10,
			Cost:           0.01,
		})
		require.NoError(t, err)

		got, err := m.Get(conv.ID)
		require.NoError(t, err)
		assert.Equal(t, len(got.Messages), got.Meta.MessageCount,
			"messageCount must equal retained message count")
		assert.Equal(t, got.Meta.TokenUsage.Input+got.Meta.TokenUsage.Output,
			got.Meta.TokenUsage.Total, "total must equal input+output")

		var byProvider float64
		for _, v := range got.Meta.CostTracking.ByProvider {
			byProvider += v
		}
		assert.InDelta(t, got.Meta.CostTracking.Total, byProvider, 1e-9,
			"per-provider costs must sum to the total")
	}
}

func TestAddMessage_EstimatesMissingTokenCounts(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	conv := m.CreateConversation(CreateOptions{})

	msg, err := m.AddMessage(context.Background(), MessageInput{
		ConversationID: conv.ID,
		Role:           bridge.RoleUser,
		Content:        "a reasonably long sentence that certainly has tokens in it",
	})
	require.NoError(t, err)
	assert.Greater(t, msg.Tokens, 0)

	got, err := m.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Tokens, got.Meta.TokenUsage.Input)
}

func TestAddMessage_NoActiveConversation(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	_, err := m.AddMessage(context.Background(), MessageInput{Role: bridge.RoleUser, Content: "x"})
	require.ErrorIs(t, err, ErrNoActiveConversation)
}

func TestAddMessage_TargetsCurrentConversationByDefault(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	conv := m.CreateConversation(CreateOptions{})

	_, err := m.AddMessage(context.Background(), MessageInput{Role: bridge.RoleUser, Content: "hi"})
	require.NoError(t, err)

	got, err := m.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Meta.MessageCount)
}

func TestCompaction_RecentWindowSurvivesByteIdentical(t *testing.T) {
	m, _ := newTestManager(t, Options{CompactionThreshold: 24, ContextWindow: 10})
	conv := m.CreateConversation(CreateOptions{Title: "long"})

	// 24 messages: under threshold, nothing compacts.
	for i := 0; i < 24; i++ {
		_, err := m.AddMessage(context.Background(), MessageInput{
			ConversationID: conv.ID,
			Role:           bridge.RoleUser,
			Content:        fmt.Sprintf("message %02d", i),
			Tokens:         5,
		})
		require.NoError(t, err)
	}
	got, err := m.Get(conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 24)
	require.Equal(t, 0, got.Meta.CompactionCount)

	// The 25th crosses the threshold.
	_, err = m.AddMessage(context.Background(), MessageInput{
		ConversationID: conv.ID,
		Role:           bridge.RoleUser,
		Content:        "message 24",
		Tokens:         5,
	})
	require.NoError(t, err)

	got, err = m.Get(conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 11, "1 summary + 10 recent")
	assert.Equal(t, 11, got.Meta.MessageCount)
	assert.Equal(t, 1, got.Meta.CompactionCount)

	assert.Equal(t, bridge.RoleSystem, got.Messages[0].Role)
	assert.Contains(t, got.Messages[0].Content, "[Conversation summary]")

	for i := 0; i < 10; i++ {
		assert.Equal(t, fmt.Sprintf("message %02d", 15+i), got.Messages[i+1].Content,
			"recent window must survive in original order")
	}
}

type erroringSummarizer struct{}

func (erroringSummarizer) Summarize(context.Context, []*bridge.Message, string) (string, error) {
	return "", errors.New("unavailable")
}

func TestCompaction_SummarizerFailureStillCompacts(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()
	m := NewManager(Options{CompactionThreshold: 5, ContextWindow: 2, DefaultProvider: "openai"},
		b, erroringSummarizer{}, nil)
	conv := m.CreateConversation(CreateOptions{})

	for i := 0; i < 6; i++ {
		_, err := m.AddMessage(context.Background(), MessageInput{
			ConversationID: conv.ID,
			Role:           bridge.RoleUser,
			Content:        fmt.Sprintf("m%d", i),
			Tokens:         1,
		})
		require.NoError(t, err)
	}

	got, err := m.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Meta.CompactionCount,
		"degraded count summary still counts as a compaction")
	assert.Contains(t, got.Messages[0].Content, "earlier messages")
}

func TestHardCap_TrimsOldestWhenCompactionDisabled(t *testing.T) {
	m, _ := newTestManager(t, Options{CompactionThreshold: -1, MaxMessages: 5})
	conv := m.CreateConversation(CreateOptions{})

	for i := 0; i < 8; i++ {
		_, err := m.AddMessage(context.Background(), MessageInput{
			ConversationID: conv.ID,
			Role:           bridge.RoleUser,
			Content:        fmt.Sprintf("m%d", i),
			Tokens:         1,
		})
		require.NoError(t, err)
	}

	got, err := m.Get(conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 5)
	assert.Equal(t, "m3", got.Messages[0].Content)
	assert.Equal(t, "m7", got.Messages[4].Content)
}

func TestEviction_OldestNonCurrentGoesFirst(t *testing.T) {
	m, b := newTestManager(t, Options{MaxSessions: 3})

	var evicted []string
	b.Subscribe(bus.TopicConversationEvicted, func(e bus.EventRecord) {
		evicted = append(evicted, e.Payload.(bus.ConversationDeleted).ConversationID)
	})

	first := m.CreateConversation(CreateOptions{Title: "oldest"})
	time.Sleep(2 * time.Millisecond)
	second := m.CreateConversation(CreateOptions{Title: "middle"})
	time.Sleep(2 * time.Millisecond)
	third := m.CreateConversation(CreateOptions{Title: "newer"})
	time.Sleep(2 * time.Millisecond)

	// Touch the oldest so "middle" becomes the LRU candidate.
	require.NoError(t, m.SwitchToConversation(first.ID))
	require.NoError(t, m.SwitchToConversation(third.ID))

	m.CreateConversation(CreateOptions{Title: "fourth"})

	require.Len(t, evicted, 1, "exactly one conversation is evicted")
	assert.Equal(t, second.ID, evicted[0])

	_, err := m.Get(second.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(first.ID)
	require.NoError(t, err)
}

func TestEviction_NeverRemovesCurrentConversation(t *testing.T) {
	m, _ := newTestManager(t, Options{MaxSessions: 1})

	m.CreateConversation(CreateOptions{Title: "a"})
	time.Sleep(2 * time.Millisecond)
	current := m.CreateConversation(CreateOptions{Title: "b"})

	assert.Equal(t, current.ID, m.CurrentID())
	_, err := m.Get(current.ID)
	require.NoError(t, err)
	assert.Len(t, m.ListSessions(), 1)
}

func TestSwitchToConversation_PublishesPreviousAndNew(t *testing.T) {
	m, b := newTestManager(t, Options{})

	first := m.CreateConversation(CreateOptions{})
	second := m.CreateConversation(CreateOptions{})

	var switched []bus.ConversationSwitched
	b.Subscribe(bus.TopicConversationSwitched, func(e bus.EventRecord) {
		switched = append(switched, e.Payload.(bus.ConversationSwitched))
	})

	require.NoError(t, m.SwitchToConversation(first.ID))
	require.Len(t, switched, 1)
	assert.Equal(t, second.ID, switched[0].PreviousID)
	assert.Equal(t, first.ID, switched[0].CurrentID)

	require.ErrorIs(t, m.SwitchToConversation("missing"), ErrNotFound)
}

func TestSwitchProvider_RecordsConversationScopedHistory(t *testing.T) {
	m, b := newTestManager(t, Options{})
	conv := m.CreateConversation(CreateOptions{})

	var events []bus.ProviderSwitched
	b.Subscribe(bus.TopicProviderSwitched, func(e bus.EventRecord) {
		events = append(events, e.Payload.(bus.ProviderSwitched))
	})

	require.NoError(t, m.SwitchProvider(conv.ID, "anthropic", "claude-sonnet", "manual"))

	got, err := m.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", got.Session.CurrentProvider)
	assert.Equal(t, "claude-sonnet", got.Session.CurrentModel)
	require.Len(t, got.Session.ProviderHistory, 1)
	assert.Equal(t, "openai", got.Session.ProviderHistory[0].From)
	assert.Equal(t, "anthropic", got.Session.ProviderHistory[0].To)

	require.Len(t, events, 1)
	assert.Equal(t, conv.ID, events[0].ConversationID)
}

func TestGetCostSummary_ReadsAggregatesOnly(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	conv := m.CreateConversation(CreateOptions{})

	for i := 0; i < 3; i++ {
		_, err := m.AddMessage(context.Background(), MessageInput{
			ConversationID: conv.ID,
			Role:           bridge.RoleAssistant,
			Content:        "answer",
			Tokens:         100,
			Cost:           0.01,
		})
		require.NoError(t, err)
	}

	summary, err := m.GetCostSummary(conv.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.03, summary.Total, 1e-9)
	assert.InDelta(t, 0.03, summary.ByProvider["openai"], 1e-9)
	assert.Equal(t, 3, summary.Providers["openai"].Messages)
	assert.Equal(t, 300, summary.Providers["openai"].Tokens)

	_, err = m.GetCostSummary("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClearMessages_KeepsIdentityAndLifetimeAggregates(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	conv := m.CreateConversation(CreateOptions{Title: "keep me"})

	_, err := m.AddMessage(context.Background(), MessageInput{
		ConversationID: conv.ID, Role: bridge.RoleUser, Content: "hi", Tokens: 5, Cost: 0.001,
	})
	require.NoError(t, err)

	require.NoError(t, m.ClearMessages(conv.ID))

	got, err := m.Get(conv.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Messages)
	assert.Equal(t, 0, got.Meta.MessageCount)
	assert.Equal(t, "keep me", got.Title)
	assert.Equal(t, 5, got.Meta.TokenUsage.Total, "lifetime usage survives a clear")
}

func TestContinueLastSession_SetsContinuationMode(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	_, err := m.ContinueLastSession()
	require.ErrorIs(t, err, ErrNotFound)

	created := m.CreateConversation(CreateOptions{Title: "resume me"})

	resumed, err := m.ContinueLastSession()
	require.NoError(t, err)
	assert.Equal(t, created.ID, resumed.ID)
	assert.True(t, resumed.Session.ContinuationMode)
	assert.Equal(t, created.ID, m.CurrentID())
}

func TestSearch_TitleMatchOutranksMessageMatch(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	byTitle := m.CreateConversation(CreateOptions{Title: "Rogowski Coil FAQ"})

	byContent := m.CreateConversation(CreateOptions{Title: "untitled"})
	_, err := m.AddMessage(context.Background(), MessageInput{
		ConversationID: byContent.ID,
		Role:           bridge.RoleUser,
		Content:        "explain the rogowski coil to me",
		Tokens:         5,
	})
	require.NoError(t, err)

	results := m.Search("rogowski", 0)
	require.Len(t, results, 2)
	assert.Equal(t, byTitle.ID, results[0].Summary.ID, "title weight outranks message weight")
	assert.Equal(t, titleMatchWeight, results[0].Score)
	assert.Equal(t, 1, results[1].Score)
	require.Len(t, results[1].MatchingMessages, 1)
}

func TestSearch_TagsCountTowardScore(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	conv := m.CreateConversation(CreateOptions{Tags: []string{"hardware", "sensors"}})

	results := m.Search("sensors", 0)
	require.Len(t, results, 1)
	assert.Equal(t, conv.ID, results[0].Summary.ID)
	assert.Equal(t, 1, results[0].Score)
}

func TestAddAndRemoveTagSetSemantics(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	conv := m.CreateConversation(CreateOptions{})

	require.NoError(t, m.AddTag(conv.ID, "alpha"))
	require.NoError(t, m.AddTag(conv.ID, "alpha"))
	require.NoError(t, m.AddTag(conv.ID, "beta"))

	got, err := m.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, got.Meta.Tags)

	require.NoError(t, m.RemoveTag(conv.ID, "alpha"))
	got, err = m.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"beta"}, got.Meta.Tags)
}
