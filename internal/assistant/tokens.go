package assistant

import (
	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates prompt size. A counter whose encoding failed to load
// reports zero for every input.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

func NewTokenCounter(encoding string) *TokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return &TokenCounter{}
	}
	return &TokenCounter{encoding: enc}
}

func (c *TokenCounter) Available() bool {
	return c != nil && c.encoding != nil
}

func (c *TokenCounter) Count(text string) int {
	if !c.Available() || text == "" {
		return 0
	}
	return len(c.encoding.Encode(text, nil, nil))
}
