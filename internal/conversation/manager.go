// ABOUTME: Manager owns authoritative conversations, sessions, and the policies over them
// ABOUTME: Message ingestion, cost/token accounting, compaction, provider switches, eviction

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/chatstate/internal/bridge"
	"github.com/2389/chatstate/internal/bus"
	"github.com/2389/chatstate/internal/summarize"
)

// ErrNotFound indicates the specified conversation was not found.
var ErrNotFound = errors.New("conversation not found")

// ErrNoActiveConversation indicates an operation targeted the current
// conversation while none is active.
var ErrNoActiveConversation = errors.New("no active conversation")

// Options configures the Manager's policies. Zero fields take defaults.
type Options struct {
	// MaxSessions is the conversation count ceiling enforced after create.
	MaxSessions int
	// CompactionThreshold is the message count past which compaction runs.
	CompactionThreshold int
	// ContextWindow is the number of recent messages compaction retains.
	ContextWindow int
	// MaxMessages is the hard cap applied when compaction is disabled
	// (CompactionThreshold <= 0): oldest messages are trimmed past it.
	MaxMessages int

	DefaultProvider string
	DefaultModel    string
	Temperature     float64
	MaxTokens       int
}

func (o Options) withDefaults() Options {
	if o.MaxSessions <= 0 {
		o.MaxSessions = 50
	}
	if o.CompactionThreshold == 0 {
		o.CompactionThreshold = 20
	}
	if o.ContextWindow <= 0 {
		o.ContextWindow = 10
	}
	if o.MaxMessages <= 0 {
		o.MaxMessages = 200
	}
	if o.Temperature == 0 {
		o.Temperature = 0.7
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4096
	}
	return o
}

// Manager coordinates all live conversations and applies ingestion,
// compaction, and eviction policy. All mutation is synchronous: when a call
// returns, the caller's next read already reflects any policy side effects.
type Manager struct {
	mu            sync.Mutex
	conversations map[string]*bridge.Conversation
	sessions      map[string]*bridge.SessionMetadata
	currentID     string
	mostRecentID  string

	opts       Options
	bus        *bus.Bus
	summarizer summarize.Summarizer
	estimator  *TokenEstimator
	logger     *slog.Logger
}

// NewManager creates a Manager. A nil summarizer falls back to the built-in
// count-based summary; pass nil logger for default.
func NewManager(opts Options, b *bus.Bus, summarizer summarize.Summarizer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if summarizer == nil {
		summarizer = summarize.CountSummarizer{}
	}
	return &Manager{
		conversations: make(map[string]*bridge.Conversation),
		sessions:      make(map[string]*bridge.SessionMetadata),
		opts:          opts.withDefaults(),
		bus:           b,
		summarizer:    summarizer,
		estimator:     NewTokenEstimator(logger),
		logger:        logger.With("component", "conversation"),
	}
}

// CreateOptions controls conversation creation. Zero fields take the
// Manager's defaults.
type CreateOptions struct {
	Title            string
	Provider         string
	Model            string
	Tags             []string
	ContinuationMode bool
}

// CreateConversation allocates a conversation with a session entry, marks it
// most recent and current, and enforces the session-limit eviction policy.
func (m *Manager) CreateConversation(opts CreateOptions) *bridge.Conversation {
	m.mu.Lock()
	var events []busEvent

	now := time.Now()
	provider := opts.Provider
	if provider == "" {
		provider = m.opts.DefaultProvider
	}
	model := opts.Model
	if model == "" {
		model = m.opts.DefaultModel
	}
	title := opts.Title
	if title == "" {
		title = "New conversation"
	}

	conv := &bridge.Conversation{
		ID:    uuid.New().String(),
		Title: title,
		Meta: bridge.ConversationMeta{
			CreatedAt:     now,
			UpdatedAt:     now,
			CostTracking:  bridge.CostTracking{ByProvider: make(map[string]float64)},
			ProviderStats: make(map[string]*bridge.ProviderStat),
			Tags:          normalizeTags(opts.Tags),
		},
		Settings: bridge.Settings{
			Temperature: m.opts.Temperature,
			MaxTokens:   m.opts.MaxTokens,
			Model:       model,
			Provider:    provider,
		},
		Session: bridge.SessionState{
			CurrentProvider:  provider,
			CurrentModel:     model,
			ContinuationMode: opts.ContinuationMode,
		},
	}

	m.conversations[conv.ID] = conv
	m.sessions[conv.ID] = &bridge.SessionMetadata{
		ID:           conv.ID,
		Title:        title,
		CreatedAt:    now,
		LastAccessed: now,
		IsActive:     true,
	}

	previous := m.currentID
	if previous != "" {
		if prev, ok := m.sessions[previous]; ok {
			prev.IsActive = false
		}
	}
	m.currentID = conv.ID
	m.mostRecentID = conv.ID

	m.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"title", title,
		"provider", provider)

	events = append(events, busEvent{bus.TopicConversationCreated, bus.ConversationCreated{
		ConversationID: conv.ID,
		Title:          title,
		Provider:       provider,
		Tags:           append([]string(nil), conv.Meta.Tags...),
		CreatedAt:      now,
	}})
	if previous != conv.ID {
		events = append(events, busEvent{bus.TopicConversationSwitched, bus.ConversationSwitched{
			PreviousID: previous,
			CurrentID:  conv.ID,
		}})
	}

	// Policy side effect: never fails the create.
	m.enforceSessionLimitLocked(&events)

	out := conv.Clone()
	m.mu.Unlock()
	m.flush(events)
	return out
}

// SwitchToConversation moves the active pointer. Fails with ErrNotFound if
// the conversation is absent.
func (m *Manager) SwitchToConversation(id string) error {
	m.mu.Lock()

	if _, ok := m.conversations[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("switching to %s: %w", id, ErrNotFound)
	}

	previous := m.currentID
	if previous == id {
		m.mu.Unlock()
		return nil
	}
	if prev, ok := m.sessions[previous]; ok {
		prev.IsActive = false
	}
	m.currentID = id
	m.mostRecentID = id
	if meta, ok := m.sessions[id]; ok {
		meta.LastAccessed = time.Now()
		meta.IsActive = true
	}
	m.mu.Unlock()

	m.flush([]busEvent{{bus.TopicConversationSwitched, bus.ConversationSwitched{
		PreviousID: previous,
		CurrentID:  id,
	}}})
	return nil
}

// ContinueLastSession switches to the most recently touched conversation and
// flags it as a continuation. Fails with ErrNotFound when nothing exists yet.
func (m *Manager) ContinueLastSession() (*bridge.Conversation, error) {
	m.mu.Lock()
	recent := m.mostRecentID
	m.mu.Unlock()

	if recent == "" {
		return nil, fmt.Errorf("continuing last session: %w", ErrNotFound)
	}
	if err := m.SwitchToConversation(recent); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	conv := m.conversations[recent]
	conv.Session.ContinuationMode = true
	return conv.Clone(), nil
}

// MessageInput is one message to ingest. Zero Tokens are estimated; an empty
// ConversationID targets the current conversation.
type MessageInput struct {
	ConversationID string
	Role           string
	Content        string
	Tokens         int
	Provider       string
	Model          string
	Cost           float64
	Command        string
}

// AddMessage builds an immutable message, updates token/cost aggregates and
// session metadata, then applies compaction (or the hard cap). The policy
// side effects complete before AddMessage returns.
func (m *Manager) AddMessage(ctx context.Context, input MessageInput) (*bridge.Message, error) {
	m.mu.Lock()
	var events []busEvent

	id := input.ConversationID
	if id == "" {
		if m.currentID == "" {
			m.mu.Unlock()
			return nil, ErrNoActiveConversation
		}
		id = m.currentID
	}
	conv, ok := m.conversations[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("adding message to %s: %w", id, ErrNotFound)
	}

	provider := input.Provider
	if provider == "" {
		provider = conv.Session.CurrentProvider
	}
	model := input.Model
	if model == "" {
		model = conv.Session.CurrentModel
	}
	tokens := input.Tokens
	if tokens == 0 {
		tokens = m.estimator.Estimate(input.Content)
	}

	msg := &bridge.Message{
		ID:        uuid.New().String(),
		Role:      input.Role,
		Content:   input.Content,
		Timestamp: time.Now(),
		Tokens:    tokens,
		Provider:  provider,
		Model:     model,
		Cost:      input.Cost,
		Command:   input.Command,
	}
	conv.Messages = append(conv.Messages, msg)

	// Aggregates. Assistant output counts as output tokens, everything else
	// as input.
	if msg.Role == bridge.RoleAssistant {
		conv.Meta.TokenUsage.Output += tokens
	} else {
		conv.Meta.TokenUsage.Input += tokens
	}
	conv.Meta.TokenUsage.Total = conv.Meta.TokenUsage.Input + conv.Meta.TokenUsage.Output

	if msg.Cost != 0 {
		conv.Meta.CostTracking.Session += msg.Cost
		conv.Meta.CostTracking.Total += msg.Cost
		if conv.Meta.CostTracking.ByProvider == nil {
			conv.Meta.CostTracking.ByProvider = make(map[string]float64)
		}
		conv.Meta.CostTracking.ByProvider[provider] += msg.Cost
	}

	if conv.Meta.ProviderStats == nil {
		conv.Meta.ProviderStats = make(map[string]*bridge.ProviderStat)
	}
	stat, ok := conv.Meta.ProviderStats[provider]
	if !ok {
		stat = &bridge.ProviderStat{}
		conv.Meta.ProviderStats[provider] = stat
	}
	stat.Messages++
	stat.Tokens += tokens
	stat.Cost += msg.Cost

	conv.Meta.MessageCount = len(conv.Messages)
	conv.Meta.UpdatedAt = msg.Timestamp

	if meta, ok := m.sessions[id]; ok {
		meta.LastAccessed = msg.Timestamp
		meta.MessageCount = conv.Meta.MessageCount
	}

	events = append(events, busEvent{bus.TopicMessageAdded, bus.MessageAdded{
		ConversationID: id,
		MessageID:      msg.ID,
		Role:           msg.Role,
		Snippet:        excerpt(msg.Content),
		Tokens:         tokens,
		Cost:           msg.Cost,
		Provider:       provider,
		Command:        msg.Command,
		Timestamp:      msg.Timestamp,
	}})

	// Policy side effects: never fail the triggering call.
	if m.opts.CompactionThreshold > 0 {
		m.maybeCompactLocked(ctx, conv, &events)
	} else if len(conv.Messages) > m.opts.MaxMessages {
		trimmed := len(conv.Messages) - m.opts.MaxMessages
		conv.Messages = append([]*bridge.Message(nil), conv.Messages[trimmed:]...)
		conv.Meta.MessageCount = len(conv.Messages)
		if meta, ok := m.sessions[id]; ok {
			meta.MessageCount = conv.Meta.MessageCount
		}
		m.logger.Debug("trimmed oldest messages past hard cap",
			"conversation_id", id,
			"trimmed", trimmed)
	}

	copied := *msg
	m.mu.Unlock()
	m.flush(events)
	return &copied, nil
}

// SwitchProvider updates a conversation's provider/model, appends to its own
// provider history, and publishes a conversation-scoped switch event. An
// empty conversationID targets the current conversation.
func (m *Manager) SwitchProvider(conversationID, providerID, model, reason string) error {
	m.mu.Lock()

	id := conversationID
	if id == "" {
		if m.currentID == "" {
			m.mu.Unlock()
			return ErrNoActiveConversation
		}
		id = m.currentID
	}
	conv, ok := m.conversations[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("switching provider on %s: %w", id, ErrNotFound)
	}

	if reason == "" {
		reason = "manual"
	}
	from := conv.Session.CurrentProvider
	if model == "" {
		model = conv.Session.CurrentModel
	}

	conv.Session.ProviderHistory = append(conv.Session.ProviderHistory, bridge.ProviderSwitch{
		From:      from,
		To:        providerID,
		Model:     model,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	conv.Session.CurrentProvider = providerID
	conv.Session.CurrentModel = model
	conv.Settings.Provider = providerID
	conv.Settings.Model = model
	conv.Meta.UpdatedAt = time.Now()

	m.mu.Unlock()

	m.logger.Info("provider switched",
		"conversation_id", id,
		"from", from,
		"to", providerID,
		"reason", reason)

	m.flush([]busEvent{{bus.TopicProviderSwitched, bus.ProviderSwitched{
		From:           from,
		To:             providerID,
		Model:          model,
		Reason:         reason,
		ConversationID: id,
	}}})
	return nil
}

// CostSummary reports session vs lifetime cost per provider.
type CostSummary struct {
	Session    float64
	Total      float64
	ByProvider map[string]float64
	Providers  map[string]bridge.ProviderStat
}

// GetCostSummary returns cost aggregates for a conversation. O(1): reads the
// stored aggregates, never rescans messages.
func (m *Manager) GetCostSummary(conversationID string) (*CostSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("cost summary for %s: %w", conversationID, ErrNotFound)
	}

	out := &CostSummary{
		Session:    conv.Meta.CostTracking.Session,
		Total:      conv.Meta.CostTracking.Total,
		ByProvider: make(map[string]float64, len(conv.Meta.CostTracking.ByProvider)),
		Providers:  make(map[string]bridge.ProviderStat, len(conv.Meta.ProviderStats)),
	}
	for k, v := range conv.Meta.CostTracking.ByProvider {
		out.ByProvider[k] = v
	}
	for k, v := range conv.Meta.ProviderStats {
		out.Providers[k] = *v
	}
	return out, nil
}

// ClearMessages removes all messages from a conversation. Identity, settings,
// and lifetime usage aggregates survive a clear.
func (m *Manager) ClearMessages(conversationID string) error {
	m.mu.Lock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("clearing %s: %w", conversationID, ErrNotFound)
	}

	removed := len(conv.Messages)
	conv.Messages = nil
	conv.Meta.MessageCount = 0
	conv.Meta.UpdatedAt = time.Now()
	if meta, ok := m.sessions[conversationID]; ok {
		meta.MessageCount = 0
		meta.LastAccessed = conv.Meta.UpdatedAt
	}
	m.mu.Unlock()

	m.flush([]busEvent{{bus.TopicConversationCleared, bus.ConversationCleared{
		ConversationID: conversationID,
		RemovedCount:   removed,
	}}})
	return nil
}

// DeleteConversation removes a conversation and its session entry.
func (m *Manager) DeleteConversation(conversationID string) error {
	m.mu.Lock()
	var events []busEvent
	err := m.deleteLocked(conversationID, false, &events)
	m.mu.Unlock()
	m.flush(events)
	return err
}

func (m *Manager) deleteLocked(conversationID string, evicted bool, events *[]busEvent) error {
	if _, ok := m.conversations[conversationID]; !ok {
		return fmt.Errorf("deleting %s: %w", conversationID, ErrNotFound)
	}
	delete(m.conversations, conversationID)
	delete(m.sessions, conversationID)
	if m.currentID == conversationID {
		m.currentID = ""
	}
	if m.mostRecentID == conversationID {
		m.mostRecentID = m.currentID
	}

	topic := bus.TopicConversationDeleted
	if evicted {
		topic = bus.TopicConversationEvicted
	}
	*events = append(*events, busEvent{topic, bus.ConversationDeleted{
		ConversationID: conversationID,
		Evicted:        evicted,
	}})
	return nil
}

// enforceSessionLimitLocked deletes the oldest conversations by last access,
// never the current one, until the ceiling holds. Caller must hold m.mu.
func (m *Manager) enforceSessionLimitLocked(events *[]busEvent) {
	if len(m.sessions) <= m.opts.MaxSessions {
		return
	}

	// Snapshot before mutating the map during iteration.
	candidates := make([]*bridge.SessionMetadata, 0, len(m.sessions))
	for _, meta := range m.sessions {
		if meta.ID == m.currentID {
			continue
		}
		candidates = append(candidates, meta)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastAccessed.Before(candidates[j].LastAccessed)
	})

	for _, meta := range candidates {
		if len(m.sessions) <= m.opts.MaxSessions {
			break
		}
		m.logger.Info("evicting conversation over session limit",
			"conversation_id", meta.ID,
			"last_accessed", meta.LastAccessed)
		_ = m.deleteLocked(meta.ID, true, events)
	}
}

// Get returns a deep copy of a conversation.
func (m *Manager) Get(conversationID string) (*bridge.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("getting %s: %w", conversationID, ErrNotFound)
	}
	return conv.Clone(), nil
}

// CurrentID returns the active conversation id, or "" when none is active.
func (m *Manager) CurrentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentID
}

// SessionProvider reports a conversation's current provider and model.
func (m *Manager) SessionProvider(conversationID string) (provider, model string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return "", "", fmt.Errorf("session provider for %s: %w", conversationID, ErrNotFound)
	}
	return conv.Session.CurrentProvider, conv.Session.CurrentModel, nil
}

// RestoreConversation adopts a previously persisted conversation without
// firing creation events. The most-recent pointer follows the newest restored
// session so ContinueLastSession works across restarts; the current pointer is
// untouched, restoring is not activating.
func (m *Manager) RestoreConversation(conv *bridge.Conversation, meta *bridge.SessionMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := conv.Clone()
	m.conversations[copied.ID] = copied

	var session bridge.SessionMetadata
	if meta != nil {
		session = *meta
	} else {
		session = bridge.SessionMetadata{
			ID:           copied.ID,
			Title:        copied.Title,
			CreatedAt:    copied.Meta.CreatedAt,
			LastAccessed: copied.Meta.UpdatedAt,
			MessageCount: copied.Meta.MessageCount,
		}
	}
	m.sessions[copied.ID] = &session

	if recent, ok := m.sessions[m.mostRecentID]; !ok || session.LastAccessed.After(recent.LastAccessed) {
		m.mostRecentID = copied.ID
	}

	m.logger.Info("conversation restored",
		"conversation_id", copied.ID,
		"messages", copied.Meta.MessageCount)
}

// ListSessions returns session metadata sorted by last access, newest first.
func (m *Manager) ListSessions() []*bridge.SessionMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*bridge.SessionMetadata, 0, len(m.sessions))
	for _, meta := range m.sessions {
		copied := *meta
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAccessed.After(out[j].LastAccessed)
	})
	return out
}

// AddTag adds a tag to a conversation (set semantics).
func (m *Manager) AddTag(conversationID, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return fmt.Errorf("tagging %s: %w", conversationID, ErrNotFound)
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil
	}
	for _, existing := range conv.Meta.Tags {
		if existing == tag {
			return nil
		}
	}
	conv.Meta.Tags = append(conv.Meta.Tags, tag)
	conv.Meta.UpdatedAt = time.Now()
	return nil
}

// RemoveTag removes a tag from a conversation.
func (m *Manager) RemoveTag(conversationID, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return fmt.Errorf("untagging %s: %w", conversationID, ErrNotFound)
	}
	for i, existing := range conv.Meta.Tags {
		if existing == tag {
			conv.Meta.Tags = append(conv.Meta.Tags[:i:i], conv.Meta.Tags[i+1:]...)
			conv.Meta.UpdatedAt = time.Now()
			return nil
		}
	}
	return nil
}

// Transcript renders a plain-text transcript of a conversation.
func (m *Manager) Transcript(conversationID string) (string, error) {
	conv, err := m.Get(conversationID)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", conv.Title)
	for _, msg := range conv.Messages {
		fmt.Fprintf(&sb, "[%s] %s\n%s\n\n",
			msg.Timestamp.Format(time.RFC3339), msg.Role, msg.Content)
	}
	return sb.String(), nil
}

// busEvent is a publication deferred until m.mu is released. The bus
// dispatches synchronously, so subscribers must be able to call back into
// the Manager without deadlocking.
// excerptLength bounds how much message content rides on the bus.
const excerptLength = 160

func excerpt(s string) string {
	if len(s) > excerptLength {
		return s[:excerptLength]
	}
	return s
}

type busEvent struct {
	topic   string
	payload any
}

// flush publishes deferred events in order. Caller must not hold m.mu.
// A nil bus makes the Manager usable standalone in tests.
func (m *Manager) flush(events []busEvent) {
	if m.bus == nil {
		return
	}
	for _, e := range events {
		m.bus.Publish(e.topic, e.payload)
	}
}

func normalizeTags(tags []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}
