// Package tokenizer returns token counts for chunking and context
// budgeting. It chooses a backend once at process start so counts stay
// deterministic for the lifetime of the process.
package tokenizer

import (
	"github.com/pkoukk/tiktoken-go"
)

// Counter is the contract every backend satisfies.
type Counter interface {
	Count(text string) int
}

// tiktokenCounter is the exact, BPE-compatible backend.
type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// estimateCounter is the fallback: ceil(len/4) characters per token.
type estimateCounter struct{}

func (estimateCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// New selects the exact tiktoken backend when the cl100k_base encoding
// loads successfully, falling back to the character estimate otherwise.
// The choice is made once and the returned Counter is safe for concurrent
// use by every caller for the lifetime of the process.
func New() Counter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return estimateCounter{}
	}
	return &tiktokenCounter{enc: enc}
}
