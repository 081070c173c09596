// Package summarize provides the text-summarization collaborator used by
// conversation compaction.
//
// Compaction replaces the older segment of a conversation with one synthetic
// system message whose content comes from a Summarizer. The production
// implementation calls an OpenAI-compatible chat completion endpoint; the
// built-in CountSummarizer produces a minimal count-based summary and never
// fails. Fallback chains the two so compaction degrades gracefully when the
// LLM is unreachable.
package summarize
