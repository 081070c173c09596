// Package state implements the shared state store: a generic keyed bag plus
// two specialized projections, with periodic persistence to the bridge.
//
// # Overview
//
// Three independently persisted documents back the store:
//
//   - state:generic   — the free-form key/value bag
//   - state:history   — the chat-history projection (active conversation,
//     cached summaries, search cache, preferences, UI filter state)
//   - state:providers — the provider registry (status, cost ledger,
//     switch history, health snapshots)
//
// Splitting the documents keeps load/save cost independent: the registry can
// be persisted every few seconds without rewriting cached summaries.
//
// # Change events
//
// Every Set/Update/Remove on the generic bag publishes both the global
// state-changed topic and a key-scoped variant, carrying old and new values.
// Projections publish their own topics (history-cache-updated,
// provider-status-changed, cost-limit-warning, ...) and consume others: the
// history projection seeds its summary and snippet caches from conversation
// lifecycle events, and the provider registry follows conversation activation
// to keep the active provider aligned with the activated session.
//
// # Periodic tasks
//
// A cron scheduler owned by the store drives auto-save, retention cleanup,
// and provider health checks. Each cycle catches and logs its own errors so
// one failed cycle never halts future cycles; a failed save is simply retried
// next tick. Callers of Set/Update never see persistence failures.
package state
