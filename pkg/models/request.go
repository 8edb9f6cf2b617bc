package models

import "net/http"

// Payload is an opaque vendor request routed through the key router.
type Payload struct {
	// Model is substituted into the endpoint path and, for JSON bodies,
	// into the "model" field.
	Model       string
	ContentType string
	Body        []byte
}

// VendorResponse is the raw result of a successful dispatch.
type VendorResponse struct {
	Provider   Provider
	KeyIndex   int
	Attempts   int
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ChatMessage represents a single message in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is an OpenAI-compatible chat completion request.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}
