package ai

import "context"

// TextGenerator generates a complete response from a system prompt and a
// user prompt.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// StreamGenerator produces a response incrementally. onDelta is called with
// each text fragment as soon as it arrives; returning an error from onDelta
// stops the stream. The full assembled response is returned on success.
type StreamGenerator interface {
	StreamText(ctx context.Context, systemPrompt, userPrompt string, onDelta func(delta string) error) (string, error)
}
