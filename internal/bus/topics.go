// ABOUTME: Closed set of event topics and their payload shapes
// ABOUTME: Every publisher uses these constants; payloads are typed structs per topic

package bus

import "time"

// Topic names form a closed set. Payload shapes are fixed per topic (see the
// structs below); publishing anything else to these topics is a programming
// error.
const (
	// Meta topic fired for every publish, carrying the full EventRecord.
	TopicEventPublished = "event-published"

	// Conversation lifecycle.
	TopicConversationCreated   = "conversation-created"
	TopicConversationSwitched  = "conversation-switched"
	TopicConversationDeleted   = "conversation-deleted"
	TopicConversationCleared   = "conversation-cleared"
	TopicConversationCompacted = "conversation-compacted"
	TopicConversationEvicted   = "conversation-evicted"
	TopicMessageAdded          = "message-added"
	TopicSessionEnded          = "session-ended"

	// Provider registry.
	TopicProviderSwitched      = "provider-switched"
	TopicProviderStatusChanged = "provider-status-changed"
	TopicCostLimitWarning      = "cost-limit-warning"
	TopicTokenLimitWarning     = "token-limit-warning"

	// State store.
	TopicStateChanged = "state-changed"

	// History sync.
	TopicHistoryCacheUpdated   = "history-cache-updated"
	TopicSyncQueued            = "sync-queued"
	TopicSyncReplayed          = "sync-replayed"
	TopicConnectivityRestored  = "connectivity-restored"
	TopicConnectivityLost      = "connectivity-lost"
)

// KeyedStateTopic returns the key-scoped variant of TopicStateChanged, fired
// alongside the global topic so subscribers can watch a single key.
func KeyedStateTopic(key string) string {
	return TopicStateChanged + ":" + key
}

// ConversationCreated is the payload for TopicConversationCreated. It carries
// enough to seed a summary cache without a read-back.
type ConversationCreated struct {
	ConversationID string
	Title          string
	Provider       string
	Tags           []string
	CreatedAt      time.Time
}

// ConversationSwitched is the payload for TopicConversationSwitched.
type ConversationSwitched struct {
	PreviousID string
	CurrentID  string
}

// ConversationDeleted is the payload for TopicConversationDeleted and
// TopicConversationEvicted. Evicted carries Evicted=true.
type ConversationDeleted struct {
	ConversationID string
	Evicted        bool
}

// ConversationCleared is the payload for TopicConversationCleared.
type ConversationCleared struct {
	ConversationID string
	RemovedCount   int
}

// ConversationCompacted is the payload for TopicConversationCompacted.
type ConversationCompacted struct {
	ConversationID  string
	RemovedCount    int
	RetainedCount   int
	CompactionCount int
	Summary         string
}

// MessageAdded is the payload for TopicMessageAdded. Snippet is a bounded
// excerpt of the message content so cache observers never need the full body.
type MessageAdded struct {
	ConversationID string
	MessageID      string
	Role           string
	Snippet        string
	Tokens         int
	Cost           float64
	Provider       string
	Command        string
	Timestamp      time.Time
}

// SessionEnded is the payload for TopicSessionEnded.
type SessionEnded struct {
	ConversationID string
	EndedAt        time.Time
}

// ProviderSwitched is the payload for TopicProviderSwitched.
type ProviderSwitched struct {
	From           string
	To             string
	Model          string
	Reason         string
	ConversationID string
}

// ProviderStatusChanged is the payload for TopicProviderStatusChanged.
type ProviderStatusChanged struct {
	ProviderID string
	Previous   string
	Current    string
	LastError  string
}

// LimitWarning is the payload for TopicCostLimitWarning and
// TopicTokenLimitWarning.
type LimitWarning struct {
	ProviderID string
	Used       float64
	Ceiling    float64
	Fraction   float64
}

// StateChanged is the payload for TopicStateChanged and its key-scoped
// variants, carrying both the old and new values.
type StateChanged struct {
	Key     string
	Old     any
	New     any
	Removed bool
}

// SyncQueued is the payload for TopicSyncQueued.
type SyncQueued struct {
	ConversationID string
	Operation      string
	QueueDepth     int
}

// SyncReplayed is the payload for TopicSyncReplayed.
type SyncReplayed struct {
	ConversationID string
	Replayed       int
	Failed         int
}

// CacheUpdated is the payload for TopicHistoryCacheUpdated.
type CacheUpdated struct {
	ConversationID string
	Removed        bool
}
