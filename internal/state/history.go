// ABOUTME: Chat-history projection: active conversation, cached summaries, search cache
// ABOUTME: Scored search over the cache and retention cleanup over the authoritative store

package state

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/2389/chatstate/internal/bridge"
	"github.com/2389/chatstate/internal/bus"
)

// historyOwner tags this projection's bus subscriptions.
const historyOwner = "state-history"

// snippetsPerConversation bounds the per-conversation search cache.
const snippetsPerConversation = 50

// Preferences control retention and search behavior.
type Preferences struct {
	RetentionDays    int  `json:"retention_days"`
	MaxConversations int  `json:"max_conversations"`
	SearchEnabled    bool `json:"search_enabled"`
}

// FilterState is the UI's current filter/sort selection. The core only
// stores it; interpretation belongs to the presentation layer.
type FilterState struct {
	Query     string   `json:"query,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	SortBy    string   `json:"sort_by,omitempty"`
	SortOrder string   `json:"sort_order,omitempty"`
}

// Snippet is one cached message excerpt used for search scoring.
type Snippet struct {
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// HistorySearchHit is one ranked conversation from a cache search.
type HistorySearchHit struct {
	Summary *bridge.ConversationSummary
	Score   int
}

// HistorySearchOutput holds ranked conversations and matching snippets.
type HistorySearchOutput struct {
	Conversations []*HistorySearchHit
	Messages      []*bridge.MessageHit
}

// HistoryProjection caches conversation summaries and message snippets for
// fast listing and search without touching the bridge.
type HistoryProjection struct {
	mu        sync.Mutex
	activeID  string
	summaries map[string]*bridge.ConversationSummary
	snippets  map[string][]Snippet
	prefs     Preferences
	filter    FilterState

	bus    *bus.Bus
	logger *slog.Logger
}

// NewHistoryProjection creates the projection and subscribes it to the
// conversation lifecycle events so the summary and snippet caches stay
// current without a read-back path into the conversation manager.
func NewHistoryProjection(prefs Preferences, b *bus.Bus, logger *slog.Logger) *HistoryProjection {
	if logger == nil {
		logger = slog.Default()
	}
	if prefs.RetentionDays <= 0 {
		prefs.RetentionDays = 30
	}
	if prefs.MaxConversations <= 0 {
		prefs.MaxConversations = 100
	}

	p := &HistoryProjection{
		summaries: make(map[string]*bridge.ConversationSummary),
		snippets:  make(map[string][]Snippet),
		prefs:     prefs,
		bus:       b,
		logger:    logger.With("component", "state.history"),
	}

	if b != nil {
		b.Subscribe(bus.TopicConversationCreated, p.onConversationCreated, historyOwner)
		b.Subscribe(bus.TopicMessageAdded, p.onMessageAdded, historyOwner)
		b.Subscribe(bus.TopicConversationCompacted, p.onConversationCompacted, historyOwner)
		b.Subscribe(bus.TopicConversationDeleted, p.onConversationDeleted, historyOwner)
		b.Subscribe(bus.TopicConversationEvicted, p.onConversationDeleted, historyOwner)
	}
	return p
}

// Close tears down the projection's bus subscriptions.
func (p *HistoryProjection) Close() {
	if p.bus != nil {
		p.bus.UnsubscribeOwner(historyOwner)
	}
}

func (p *HistoryProjection) onConversationCreated(e bus.EventRecord) {
	created, ok := e.Payload.(bus.ConversationCreated)
	if !ok {
		return
	}
	p.UpsertCachedConversation(&bridge.ConversationSummary{
		ID:        created.ConversationID,
		Title:     created.Title,
		CreatedAt: created.CreatedAt,
		UpdatedAt: created.CreatedAt,
		Tags:      created.Tags,
	})
}

func (p *HistoryProjection) onMessageAdded(e bus.EventRecord) {
	added, ok := e.Payload.(bus.MessageAdded)
	if !ok {
		return
	}

	p.mu.Lock()
	summary, ok := p.summaries[added.ConversationID]
	if !ok {
		// First sight of a conversation created before this projection.
		summary = &bridge.ConversationSummary{ID: added.ConversationID}
		p.summaries[added.ConversationID] = summary
	}
	summary.MessageCount++
	summary.UpdatedAt = added.Timestamp
	if added.Snippet != "" {
		summary.Preview = added.Snippet
	}
	p.mu.Unlock()

	p.UpsertSnippet(added.ConversationID, added.MessageID, added.Snippet, added.Timestamp)
}

func (p *HistoryProjection) onConversationCompacted(e bus.EventRecord) {
	compacted, ok := e.Payload.(bus.ConversationCompacted)
	if !ok {
		return
	}
	p.mu.Lock()
	if summary, ok := p.summaries[compacted.ConversationID]; ok {
		summary.MessageCount = compacted.RetainedCount
	}
	p.mu.Unlock()
}

func (p *HistoryProjection) onConversationDeleted(e bus.EventRecord) {
	deleted, ok := e.Payload.(bus.ConversationDeleted)
	if !ok {
		return
	}
	p.EvictCachedConversation(deleted.ConversationID)
}

// SetActiveConversation validates the conversation is cached, moves the
// active pointer, and publishes the change.
func (p *HistoryProjection) SetActiveConversation(id string) error {
	p.mu.Lock()
	if _, ok := p.summaries[id]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("activating %s: %w", id, bridge.ErrNotFound)
	}
	old := p.activeID
	p.activeID = id
	p.mu.Unlock()

	if p.bus != nil && old != id {
		change := bus.StateChanged{Key: "active_conversation", Old: old, New: id}
		p.bus.Publish(bus.TopicStateChanged, change)
		p.bus.Publish(bus.KeyedStateTopic("active_conversation"), change)
	}
	return nil
}

// ActiveConversation returns the active conversation id, or "".
func (p *HistoryProjection) ActiveConversation() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeID
}

// UpsertCachedConversation stores or refreshes a summary in the cache.
func (p *HistoryProjection) UpsertCachedConversation(summary *bridge.ConversationSummary) {
	p.mu.Lock()
	copied := *summary
	p.summaries[summary.ID] = &copied
	count := len(p.summaries)
	p.mu.Unlock()

	p.logger.Debug("summary cached", "conversation_id", summary.ID, "cached_total", count)
	if p.bus != nil {
		p.bus.Publish(bus.TopicHistoryCacheUpdated, bus.CacheUpdated{ConversationID: summary.ID})
	}
}

// UpsertSnippet records a message excerpt for search, bounded per
// conversation.
func (p *HistoryProjection) UpsertSnippet(conversationID, messageID, content string, ts time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.snippets[conversationID]
	for i := range list {
		if list[i].MessageID == messageID {
			list[i].Content = truncateSnippet(content)
			return
		}
	}
	list = append(list, Snippet{
		MessageID: messageID,
		Content:   truncateSnippet(content),
		Timestamp: ts,
	})
	if len(list) > snippetsPerConversation {
		list = list[len(list)-snippetsPerConversation:]
	}
	p.snippets[conversationID] = list
}

func truncateSnippet(s string) string {
	if len(s) > 160 {
		return s[:160]
	}
	return s
}

// EvictCachedConversation drops a summary and its snippets, clearing the
// active pointer if it referenced the evicted conversation.
func (p *HistoryProjection) EvictCachedConversation(id string) {
	p.mu.Lock()
	_, existed := p.summaries[id]
	delete(p.summaries, id)
	delete(p.snippets, id)
	wasActive := p.activeID == id
	if wasActive {
		p.activeID = ""
	}
	p.mu.Unlock()

	if !existed {
		return
	}
	if p.bus != nil {
		p.bus.Publish(bus.TopicHistoryCacheUpdated, bus.CacheUpdated{ConversationID: id, Removed: true})
		if wasActive {
			change := bus.StateChanged{Key: "active_conversation", Old: id, New: ""}
			p.bus.Publish(bus.TopicStateChanged, change)
			p.bus.Publish(bus.KeyedStateTopic("active_conversation"), change)
		}
	}
}

// CachedConversations returns cached summaries sorted by UpdatedAt desc.
func (p *HistoryProjection) CachedConversations() []*bridge.ConversationSummary {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*bridge.ConversationSummary, 0, len(p.summaries))
	for _, s := range p.summaries {
		copied := *s
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Preferences returns the current retention/search preferences.
func (p *HistoryProjection) Preferences() Preferences {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prefs
}

// SetPreferences replaces the preferences.
func (p *HistoryProjection) SetPreferences(prefs Preferences) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prefs = prefs
}

// Filter returns the stored UI filter state.
func (p *HistoryProjection) Filter() FilterState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filter
}

// SetFilter replaces the stored UI filter state.
func (p *HistoryProjection) SetFilter(filter FilterState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filter = filter
}

// Search scores each cached summary by title match (weight 10) plus the
// number of matching cached snippets, returning the top limit conversations
// and up to 2*limit matching snippets, score desc, ties broken by recency.
func (p *HistoryProjection) Search(query string, limit int) *HistorySearchOutput {
	query = strings.ToLower(strings.TrimSpace(query))
	out := &HistorySearchOutput{}
	if query == "" {
		return out
	}
	if limit <= 0 {
		limit = 10
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.prefs.SearchEnabled {
		return out
	}

	for id, summary := range p.summaries {
		score := 0
		if strings.Contains(strings.ToLower(summary.Title), query) {
			score += 10
		}
		var matches []*bridge.MessageHit
		for _, snippet := range p.snippets[id] {
			if strings.Contains(strings.ToLower(snippet.Content), query) {
				matches = append(matches, &bridge.MessageHit{
					ConversationID: id,
					MessageID:      snippet.MessageID,
					Snippet:        snippet.Content,
					Timestamp:      snippet.Timestamp,
				})
			}
		}
		score += len(matches)
		if score == 0 {
			continue
		}
		copied := *summary
		out.Conversations = append(out.Conversations, &HistorySearchHit{Summary: &copied, Score: score})
		out.Messages = append(out.Messages, matches...)
	}

	sort.Slice(out.Conversations, func(i, j int) bool {
		if out.Conversations[i].Score != out.Conversations[j].Score {
			return out.Conversations[i].Score > out.Conversations[j].Score
		}
		return out.Conversations[i].Summary.UpdatedAt.After(out.Conversations[j].Summary.UpdatedAt)
	})
	if len(out.Conversations) > limit {
		out.Conversations = out.Conversations[:limit]
	}

	sort.Slice(out.Messages, func(i, j int) bool {
		return out.Messages[i].Timestamp.After(out.Messages[j].Timestamp)
	})
	if len(out.Messages) > 2*limit {
		out.Messages = out.Messages[:2*limit]
	}
	return out
}

// RunRetentionCleanup deletes conversations older than the retention window,
// then trims the oldest remainder until the cache is under the configured
// maximum. Idempotent; deletions go through the bridge so the authoritative
// store and every cache observer stay consistent.
func (p *HistoryProjection) RunRetentionCleanup(ctx context.Context, br bridge.Bridge) {
	p.mu.Lock()
	prefs := p.prefs
	// Snapshot before mutating during iteration.
	summaries := make([]*bridge.ConversationSummary, 0, len(p.summaries))
	for _, s := range p.summaries {
		summaries = append(summaries, s)
	}
	p.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -prefs.RetentionDays)
	var doomed []string
	var survivors []*bridge.ConversationSummary
	for _, s := range summaries {
		if s.UpdatedAt.Before(cutoff) {
			doomed = append(doomed, s.ID)
		} else {
			survivors = append(survivors, s)
		}
	}

	if len(survivors) > prefs.MaxConversations {
		sort.Slice(survivors, func(i, j int) bool {
			return survivors[i].UpdatedAt.Before(survivors[j].UpdatedAt)
		})
		for _, s := range survivors[:len(survivors)-prefs.MaxConversations] {
			doomed = append(doomed, s.ID)
		}
	}

	for _, id := range doomed {
		if br != nil {
			if err := br.DeleteConversation(ctx, id); err != nil && !isNotFound(err) {
				p.logger.Warn("retention delete failed, keeping cached entry",
					"conversation_id", id,
					"error", err)
				continue
			}
		}
		p.EvictCachedConversation(id)
	}

	if len(doomed) > 0 {
		p.logger.Info("retention cleanup removed conversations", "count", len(doomed))
	}
}
