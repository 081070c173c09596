// Package conversation owns the authoritative in-memory Conversation and
// Message objects and the policies applied to them.
//
// # Overview
//
// The Manager is the write path for everything conversational: message
// ingestion, token/cost accounting, provider-switch tracking, compaction, and
// session-limit eviction. It is purely local — persistence is layered on top
// by the history sync manager, which mirrors Manager operations to the
// bridge. Consumers observe changes through bus events, never by reaching
// into the Manager's maps.
//
// # Key operations
//
//	mgr.CreateConversation(ctx, opts)  // allocate + session entry + eviction pass
//	mgr.AddMessage(ctx, input)         // append + aggregates + compaction policy
//	mgr.SwitchToConversation(id)       // move the active pointer
//	mgr.SwitchProvider(ctx, ...)       // conversation-scoped provider history
//	mgr.GetCostSummary(id)             // O(1) from stored aggregates
//	mgr.Search(query, limit)           // additive scoring: title 10, message/tag 1
//
// # Policies
//
// Compaction triggers once a conversation exceeds the configured threshold:
// the recent window (contextWindow messages) survives byte-identical and in
// order, while everything older is replaced by one synthetic system message
// holding a generated summary. Eviction runs after each create: oldest
// conversations by last access are deleted (never the current one) until the
// session ceiling holds. Both are policy side effects — they never fail the
// call that triggered them.
//
// # Invariants
//
// After every operation: messageCount equals the live message count,
// tokenUsage.total == input + output, and per-provider costs sum to the
// conversation total. Token counts missing from ingested messages are filled
// by the tiktoken-based estimator so the accounting invariants hold for
// untagged messages too.
package conversation
