package token

import (
	"github.com/pkoukk/tiktoken-go"
)

// Counter reports how many tokens a piece of text costs for the model it
// was built for.
type Counter interface {
	Count(text string) int
}

// NewCounter returns a Counter for the given model id: the model's real
// tokenizer when one is known, otherwise a character-based estimate.
func NewCounter(model string) Counter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return Heuristic{}
	}
	return &encodingCounter{enc: enc}
}

type encodingCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *encodingCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// Heuristic approximates token counts as one token per four characters.
// Used when no tokenizer is available for the model.
type Heuristic struct{}

func (Heuristic) Count(text string) int {
	chars := len([]rune(text))
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}
