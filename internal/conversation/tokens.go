// ABOUTME: Token estimation for messages that arrive without provider-reported usage
// ABOUTME: Uses tiktoken cl100k_base with a chars/4 heuristic fallback

package conversation

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// estimatorEncoding is close enough for accounting across the models we
// track; exact per-model encodings are not worth a registry here.
const estimatorEncoding = "cl100k_base"

// TokenEstimator counts tokens in message content. Safe for concurrent use.
type TokenEstimator struct {
	once   sync.Once
	enc    *tiktoken.Tiktoken
	logger *slog.Logger
}

// NewTokenEstimator creates an estimator. The encoding is loaded lazily on
// first use so construction never fails.
func NewTokenEstimator(logger *slog.Logger) *TokenEstimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenEstimator{logger: logger.With("component", "tokens")}
}

// Estimate returns the token count for text. Falls back to a chars/4
// heuristic if the encoding cannot be loaded.
func (e *TokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}

	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(estimatorEncoding)
		if err != nil {
			e.logger.Warn("tiktoken encoding unavailable, using heuristic", "error", err)
			return
		}
		e.enc = enc
	})

	if e.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(e.enc.Encode(text, nil, nil))
}
