// ABOUTME: Tests for the analytics collector: metric accumulation from events,
// ABOUTME: quality scoring at session end, daily aggregates, and pruning

package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatstate/internal/bridge"
	"github.com/2389/chatstate/internal/bus"
)

func newTestCollector(t *testing.T, opts Options) (*Collector, *bus.Bus) {
	t.Helper()
	b := bus.New(nil)
	t.Cleanup(b.Close)
	c := NewCollector(opts, b, nil)
	t.Cleanup(func() { c.Close(b) })
	return c, b
}

func publishMessage(b *bus.Bus, conversationID, role string, tokens int, at time.Time, command string) {
	b.Publish(bus.TopicMessageAdded, bus.MessageAdded{
		ConversationID: conversationID,
		MessageID:      role + at.String(),
		Role:           role,
		Tokens:         tokens,
		Command:        command,
		Timestamp:      at,
	})
}

func TestCollectorAccumulatesFromEvents(t *testing.T) {
	c, b := newTestCollector(t, Options{})
	b.Publish(bus.TopicConversationCreated, bus.ConversationCreated{ConversationID: "conv-1", Title: "Chat"})

	base := time.Now()
	publishMessage(b, "conv-1", bridge.RoleUser, 12, base, "")
	publishMessage(b, "conv-1", bridge.RoleAssistant, 40, base.Add(2*time.Second), "")
	publishMessage(b, "conv-1", bridge.RoleUser, 8, base.Add(10*time.Second), "/model")
	b.Publish(bus.TopicProviderSwitched, bus.ProviderSwitched{ConversationID: "conv-1", From: "a", To: "b"})

	s, err := c.Session("conv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, s.MessagesByRole[bridge.RoleUser])
	assert.Equal(t, 1, s.MessagesByRole[bridge.RoleAssistant])
	assert.Equal(t, 3, s.MessageCount())
	assert.Equal(t, 60, s.Tokens)
	assert.Equal(t, 1, s.Commands["/model"])
	assert.Equal(t, 1, s.ProviderSwitches)
}

func TestCollectorOpensSessionOnFirstMessage(t *testing.T) {
	c, b := newTestCollector(t, Options{})
	publishMessage(b, "conv-untracked", bridge.RoleUser, 5, time.Now(), "")

	s, err := c.Session("conv-untracked")
	require.NoError(t, err)
	assert.Equal(t, 1, s.MessageCount())
}

func TestEndSessionScoresAndAggregates(t *testing.T) {
	c, b := newTestCollector(t, Options{IdealDuration: 10 * time.Minute})
	b.Publish(bus.TopicConversationCreated, bus.ConversationCreated{ConversationID: "conv-1"})

	start := time.Now()
	publishMessage(b, "conv-1", bridge.RoleUser, 10, start, "")
	publishMessage(b, "conv-1", bridge.RoleAssistant, 30, start.Add(500*time.Millisecond), "")
	publishMessage(b, "conv-1", bridge.RoleUser, 10, start.Add(time.Minute), "")
	publishMessage(b, "conv-1", bridge.RoleAssistant, 30, start.Add(time.Minute+time.Second), "")

	report, err := c.EndSession("conv-1", c.sessions["conv-1"].StartedAt.Add(5*time.Minute))
	require.NoError(t, err)

	// Sub-second mean response time scores full responsiveness; 1:1
	// assistant/user ratio scores full engagement; half the ideal duration
	// scores 50 completion.
	assert.InDelta(t, 100, report.Scores.Responsiveness, 0.01)
	assert.InDelta(t, 100, report.Scores.Engagement, 0.01)
	assert.InDelta(t, 50, report.Scores.Completion, 1)
	assert.InDelta(t, 0.3*100+0.4*100+0.3*report.Scores.Completion, report.Scores.Overall, 0.5)

	daily := c.Daily()
	require.Len(t, daily, 1)
	assert.Equal(t, 1, daily[0].SessionCount)
	assert.Equal(t, 4, daily[0].MessageCount)
	assert.Equal(t, 80, daily[0].TotalTokens)

	// The live session is gone, the report is retained.
	_, err = c.Session("conv-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = c.Report("conv-1")
	assert.NoError(t, err)
}

func TestEndSessionNoActivityScoresZero(t *testing.T) {
	c, b := newTestCollector(t, Options{})
	b.Publish(bus.TopicConversationCreated, bus.ConversationCreated{ConversationID: "conv-idle"})

	report, err := c.EndSession("conv-idle", time.Now())
	require.NoError(t, err)
	assert.Zero(t, report.Scores.Responsiveness)
	assert.Zero(t, report.Scores.Engagement)
}

func TestSessionEndedEventEndsSession(t *testing.T) {
	c, b := newTestCollector(t, Options{})
	b.Publish(bus.TopicConversationCreated, bus.ConversationCreated{ConversationID: "conv-1"})
	publishMessage(b, "conv-1", bridge.RoleUser, 5, time.Now(), "")

	b.Publish(bus.TopicSessionEnded, bus.SessionEnded{ConversationID: "conv-1", EndedAt: time.Now()})

	_, err := c.Session("conv-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = c.Report("conv-1")
	assert.NoError(t, err)
}

func TestMalformedPayloadIsIgnored(t *testing.T) {
	c, b := newTestCollector(t, Options{})
	b.Publish(bus.TopicConversationCreated, "not a struct")
	b.Publish(bus.TopicMessageAdded, 42)

	assert.Empty(t, c.Daily())
}

func TestEngagementCappedAt100(t *testing.T) {
	c, b := newTestCollector(t, Options{})
	b.Publish(bus.TopicConversationCreated, bus.ConversationCreated{ConversationID: "conv-1"})

	now := time.Now()
	publishMessage(b, "conv-1", bridge.RoleUser, 1, now, "")
	for i := 0; i < 5; i++ {
		publishMessage(b, "conv-1", bridge.RoleAssistant, 1, now.Add(time.Duration(i+1)*time.Second), "")
	}

	report, err := c.EndSession("conv-1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 100, report.Scores.Engagement, 0.01)
}

func TestPruneKeepsDailyAggregates(t *testing.T) {
	c, b := newTestCollector(t, Options{RetentionDays: 7})
	b.Publish(bus.TopicConversationCreated, bus.ConversationCreated{ConversationID: "conv-old"})
	publishMessage(b, "conv-old", bridge.RoleUser, 10, time.Now().AddDate(0, 0, -30), "")

	_, err := c.EndSession("conv-old", time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)

	pruned := c.Prune(time.Now())
	assert.Equal(t, 1, pruned)

	_, err = c.Report("conv-old")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	require.Len(t, c.Daily(), 1)
	assert.Equal(t, 1, c.Daily()[0].SessionCount)
}
