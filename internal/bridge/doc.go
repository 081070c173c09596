// Package bridge defines the asynchronous persistence boundary and the data
// types that cross it.
//
// # Overview
//
// The bridge is the single authoritative store behind the in-process caches.
// Consumers (the state store and the history sync manager) treat it as
// unreliable: every call can fail with a transport error, distinct from an
// application-level not-found.
//
// # Contract
//
//	b.Get(ctx, key)               // generic state documents
//	b.ListConversations(ctx, opts)
//	b.LoadConversation(ctx, id)
//	b.AddMessage(ctx, id, msg)    // idempotent: replaying is a no-op
//	b.SaveConversation(ctx, conv)
//	b.SearchConversations(ctx, opts)
//	b.ListSessions(ctx, filter)
//	b.Ping(ctx)                   // fast connectivity probe
//
// # Errors
//
//   - ErrNotFound: the entity does not exist (application-level)
//   - ErrTransport: the call itself failed (outage, I/O error)
//
// Callers discriminate with errors.Is. A write failing with ErrTransport is
// queued by the history sync manager and replayed later; AddMessage and
// SaveConversation are therefore upserts keyed by id so a replay that already
// landed is harmless.
//
// # Implementations
//
// SQLiteBridge is the production store (modernc.org/sqlite, WAL mode, schema
// bootstrap). MemoryBridge is a map-backed double with failure injection for
// tests and for degraded cache-only operation.
package bridge
