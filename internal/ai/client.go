// Package ai wraps the LLM collaborator behind a single structured
// completion capability. The engine supplies a prompt and the value to
// decode into; model selection and transport live here.
package ai

import (
	"errors"
)

// ErrMalformedOutput means the model responded but its output did not decode
// into the expected shape. Callers treat it as "no match" / "no content",
// never as a fatal pass error.
var ErrMalformedOutput = errors.New("ai: malformed model output")

// Request is one structured completion request.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Usage accumulates token accounting across calls.
type Usage struct {
	Calls        int64
	InputTokens  int64
	OutputTokens int64
}
