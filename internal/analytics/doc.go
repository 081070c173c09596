// ABOUTME: Package doc for analytics, the event-driven session metrics collector
// ABOUTME: Per-session detail plus rolling daily aggregates and quality scores

// Package analytics accumulates session metrics purely from bus events:
// message counts by role, token usage, command invocations, inter-message
// timing, and user-to-assistant response samples. Ending a session derives
// quality scores (responsiveness, engagement, completion, overall). Daily
// aggregates roll up across sessions and survive the pruning of per-session
// detail past the retention window. The collector never propagates an error
// back into the component that emitted the event.
package analytics
