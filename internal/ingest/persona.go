package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"morphingbook/pkg/ai"
	"morphingbook/pkg/domain"
)

const defaultPersonaSampleChars = 8000

const personaInstruction = `You are an expert literary analyst and AI persona designer.
Analyze the provided text (preface/introduction of a book) and create a persona for an AI assistant that represents the author or the spirit of this book.
Respond with strict JSON only, no prose around it:
{"role_name": "Name of the persona", "system_prompt": "A detailed instruction for the AI: how to behave, speak, and answer questions, strictly grounded in this book's content."}`

// DefaultPersona is the fixed fallback used whenever synthesis cannot
// produce a usable result.
func DefaultPersona() domain.Persona {
	return domain.Persona{
		RoleName:     "Book Assistant",
		SystemPrompt: "You are a helpful assistant answering questions based on the book.",
	}
}

// Synthesizer derives a persona from a sample of the book's text.
type Synthesizer struct {
	generator   ai.TextGenerator
	sampleChars int
}

// NewSynthesizer builds a Synthesizer over a text generator.
func NewSynthesizer(generator ai.TextGenerator, sampleChars int) *Synthesizer {
	if sampleChars <= 0 {
		sampleChars = defaultPersonaSampleChars
	}
	return &Synthesizer{generator: generator, sampleChars: sampleChars}
}

// Synthesize returns a persona for the text sample. It never fails the
// caller: on any model or parse problem it returns DefaultPersona together
// with an error describing why, which the caller may log or ignore.
func (s *Synthesizer) Synthesize(ctx context.Context, sample string) (domain.Persona, error) {
	runes := []rune(sample)
	if len(runes) > s.sampleChars {
		sample = string(runes[:s.sampleChars])
	}
	raw, err := s.generator.GenerateText(ctx, personaInstruction, sample)
	if err != nil {
		return DefaultPersona(), fmt.Errorf("persona generation: %w", err)
	}
	persona, err := parsePersona(raw)
	if err != nil {
		return DefaultPersona(), fmt.Errorf("persona parse: %w", err)
	}
	return persona, nil
}

func parsePersona(raw string) (domain.Persona, error) {
	payload := extractJSON(raw)
	var out struct {
		RoleName     string `json:"role_name"`
		SystemPrompt string `json:"system_prompt"`
	}
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return domain.Persona{}, err
	}
	if strings.TrimSpace(out.RoleName) == "" || strings.TrimSpace(out.SystemPrompt) == "" {
		return domain.Persona{}, fmt.Errorf("missing role_name or system_prompt")
	}
	return domain.Persona{
		RoleName:     strings.TrimSpace(out.RoleName),
		SystemPrompt: strings.TrimSpace(out.SystemPrompt),
	}, nil
}

// extractJSON unwraps fenced code blocks the model tends to put around its
// JSON, then falls back to the outermost brace pair.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if idx := strings.Index(raw, "```json"); idx >= 0 {
		rest := raw[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	if idx := strings.Index(raw, "```"); idx >= 0 {
		rest := raw[idx+3:]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
