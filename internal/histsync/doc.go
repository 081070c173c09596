// ABOUTME: Package doc for histsync, the history sync manager
// ABOUTME: Mirrors conversation operations to the bridge with offline queueing

// Package histsync layers durable persistence on top of the in-memory
// conversation manager. Every operation applies locally first and then
// mirrors to the persistence bridge; when the bridge is unreachable the
// write lands in a per-conversation FIFO pending queue and replays after
// reconnect. The manager also keeps a bounded summary cache and an
// incrementally updated inverted index so history listing and local search
// work while offline.
//
// The sync manager observes the conversation manager through bus events
// (compaction, deletion, eviction) instead of a direct callback, keeping
// the dependency one-directional.
package histsync
