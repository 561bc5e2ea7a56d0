package trim

import (
	"fmt"

	"github.com/stupiduntilnot/tggpt/internal/history"
)

// Result of trimming a history against a token budget. Kept preserves the
// original ascending order; EvictCount is the number of oldest turns that
// did not fit.
type Result struct {
	Kept       []history.Turn
	EvictCount int
}

// Trim returns the newest contiguous suffix of turns whose cumulative token
// count fits within maxContextTokens minus reservedTokens. The newest turn
// is always kept, even when it alone exceeds the budget: dropping the most
// recent exchange would be worse than sending an oversized one.
func Trim(turns []history.Turn, maxContextTokens, reservedTokens int) Result {
	if maxContextTokens <= 0 {
		panic(fmt.Sprintf("trim: max context tokens must be positive, got %d", maxContextTokens))
	}
	if reservedTokens < 0 {
		panic(fmt.Sprintf("trim: reserved tokens must not be negative, got %d", reservedTokens))
	}

	if len(turns) == 0 {
		return Result{}
	}

	budget := maxContextTokens - reservedTokens

	keepFrom := len(turns) - 1
	total := turns[keepFrom].TokenCount
	for i := keepFrom - 1; i >= 0; i-- {
		if total+turns[i].TokenCount > budget {
			break
		}
		total += turns[i].TokenCount
		keepFrom = i
	}

	return Result{Kept: turns[keepFrom:], EvictCount: keepFrom}
}
