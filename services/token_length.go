package services

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultTokenEncoding is the BPE used by current OpenAI-family embedding models.
const DefaultTokenEncoding = "cl100k_base"

// TokenLength returns a LengthFunc counting BPE tokens instead of characters.
// The encoding tables are fetched on first use and cached by tiktoken-go.
func TokenLength(encoding string) (LengthFunc, error) {
	if encoding == "" {
		encoding = DefaultTokenEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load token encoding %s: %w", encoding, err)
	}
	return func(s string) int {
		return len(enc.Encode(s, nil, nil))
	}, nil
}

// LengthFuncByName maps the LENGTH_FUNCTION setting to a LengthFunc.
func LengthFuncByName(name string) (LengthFunc, error) {
	switch name {
	case "", "chars":
		return CharLength, nil
	case "tokens":
		return TokenLength(DefaultTokenEncoding)
	default:
		return nil, fmt.Errorf("unknown length function: %s", name)
	}
}
