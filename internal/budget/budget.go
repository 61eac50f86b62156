// Package budget implements the Token Budget and Compactor: tracking
// how much of a model's context window a thread has consumed, and
// triggering summarizing compaction before a turn overruns it.
package budget

import (
	"math"

	"github.com/obra/lace/internal/provider"
)

// DefaultWarningThreshold is the fraction of max_tokens usage at which
// a turn should compact before calling the model again.
const DefaultWarningThreshold = 0.80

// maxReserveTokens caps how many tokens are held back regardless of how
// large the context window is.
const maxReserveTokens = 2000

// reserveFraction is the fraction of max_tokens reserved when that is
// smaller than maxReserveTokens.
const reserveFraction = 0.05

// TokenBudget describes how much of a model's context window a thread
// may use before compaction is warranted.
type TokenBudget struct {
	MaxTokens        int
	ReserveTokens    int
	WarningThreshold float64
}

// New derives a TokenBudget from a model's context window:
// max_tokens = model.context_window, reserve_tokens =
// min(2000, floor(max_tokens*0.05)), warning_threshold = 0.80.
func New(info provider.ModelInfo) TokenBudget {
	return NewWithThreshold(info, DefaultWarningThreshold)
}

// NewWithThreshold is New with an explicit warning threshold, used when
// configuration overrides the 0.80 default.
func NewWithThreshold(info provider.ModelInfo, warningThreshold float64) TokenBudget {
	reserve := int(math.Floor(float64(info.ContextWindow) * reserveFraction))
	if reserve > maxReserveTokens {
		reserve = maxReserveTokens
	}
	return TokenBudget{
		MaxTokens:        info.ContextWindow,
		ReserveTokens:    reserve,
		WarningThreshold: warningThreshold,
	}
}

// Usage returns usedTokens/MaxTokens, or 0 if MaxTokens is unset.
func (b TokenBudget) Usage(usedTokens int) float64 {
	if b.MaxTokens <= 0 {
		return 0
	}
	return float64(usedTokens) / float64(b.MaxTokens)
}

// ShouldWarn reports whether usedTokens has crossed the warning
// threshold, the trigger condition for considering compaction.
func (b TokenBudget) ShouldWarn(usedTokens int) bool {
	return b.Usage(usedTokens) >= b.WarningThreshold
}

// Available returns how many tokens remain for a request, after holding
// back ReserveTokens.
func (b TokenBudget) Available(usedTokens int) int {
	remaining := b.MaxTokens - b.ReserveTokens - usedTokens
	if remaining < 0 {
		return 0
	}
	return remaining
}
