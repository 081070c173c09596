// ABOUTME: Lossy compaction replacing older messages with one synthetic summary message
// ABOUTME: The recent window survives byte-identical and in original order

package conversation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/2389/chatstate/internal/bridge"
	"github.com/2389/chatstate/internal/bus"
	"github.com/2389/chatstate/internal/summarize"
)

// maybeCompactLocked compacts conv if it exceeds the threshold, appending
// the compaction event to events for the caller to publish after unlocking.
// Caller must hold m.mu. Compaction is a policy side effect: it never fails
// the triggering call, a summarizer failure degrades to the count-based
// summary and still counts as a compaction.
func (m *Manager) maybeCompactLocked(ctx context.Context, conv *bridge.Conversation, events *[]busEvent) {
	if len(conv.Messages) <= m.opts.CompactionThreshold {
		return
	}

	window := m.opts.ContextWindow
	if window >= len(conv.Messages) {
		return
	}

	older := conv.Messages[:len(conv.Messages)-window]
	recent := conv.Messages[len(conv.Messages)-window:]

	summary, err := m.summarizer.Summarize(ctx, older, "")
	if err != nil {
		m.logger.Warn("summarizer failed during compaction, using count summary",
			"conversation_id", conv.ID,
			"error", err)
		summary, _ = summarize.CountSummarizer{}.Summarize(ctx, older, "")
	}

	summaryMsg := &bridge.Message{
		ID:        uuid.New().String(),
		Role:      bridge.RoleSystem,
		Content:   "[Conversation summary] " + summary,
		Timestamp: time.Now(),
		Tokens:    m.estimator.Estimate(summary),
	}

	// Rebuild: one summary message followed by the untouched recent window.
	rebuilt := make([]*bridge.Message, 0, window+1)
	rebuilt = append(rebuilt, summaryMsg)
	rebuilt = append(rebuilt, recent...)
	conv.Messages = rebuilt

	conv.Meta.MessageCount = len(conv.Messages)
	conv.Meta.CompactionCount++
	conv.Meta.UpdatedAt = summaryMsg.Timestamp
	if meta, ok := m.sessions[conv.ID]; ok {
		meta.MessageCount = conv.Meta.MessageCount
	}

	m.logger.Info("conversation compacted",
		"conversation_id", conv.ID,
		"removed", len(older),
		"retained", window,
		"compaction_count", conv.Meta.CompactionCount)

	*events = append(*events, busEvent{bus.TopicConversationCompacted, bus.ConversationCompacted{
		ConversationID:  conv.ID,
		RemovedCount:    len(older),
		RetainedCount:   window,
		CompactionCount: conv.Meta.CompactionCount,
		Summary:         summary,
	}})
}
