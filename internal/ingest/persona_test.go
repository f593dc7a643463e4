package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeGenerator struct {
	reply string
	err   error
	// captured inputs
	system string
	user   string
}

func (f *fakeGenerator) GenerateText(_ context.Context, systemPrompt, userPrompt string) (string, error) {
	f.system = systemPrompt
	f.user = userPrompt
	return f.reply, f.err
}

func TestSynthesizeParsesStrictJSON(t *testing.T) {
	gen := &fakeGenerator{reply: `{"role_name": "The Narrator", "system_prompt": "Speak as the book."}`}
	s := NewSynthesizer(gen, 0)

	persona, err := s.Synthesize(context.Background(), "sample text")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if persona.RoleName != "The Narrator" {
		t.Fatalf("role name = %q", persona.RoleName)
	}
	if persona.SystemPrompt != "Speak as the book." {
		t.Fatalf("system prompt = %q", persona.SystemPrompt)
	}
}

func TestSynthesizeUnwrapsFencedJSON(t *testing.T) {
	gen := &fakeGenerator{reply: "Here you go:\n```json\n{\"role_name\": \"Guide\", \"system_prompt\": \"Answer from the text.\"}\n```\nEnjoy."}
	s := NewSynthesizer(gen, 0)

	persona, err := s.Synthesize(context.Background(), "sample")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if persona.RoleName != "Guide" {
		t.Fatalf("role name = %q", persona.RoleName)
	}
}

func TestSynthesizeFallsBackOnModelError(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("upstream 503")}
	s := NewSynthesizer(gen, 0)

	persona, err := s.Synthesize(context.Background(), "sample")
	if err == nil {
		t.Fatalf("expected error describing the fallback cause")
	}
	want := DefaultPersona()
	if persona.RoleName != want.RoleName || persona.SystemPrompt != want.SystemPrompt {
		t.Fatalf("expected default persona, got %+v", persona)
	}
}

func TestSynthesizeFallsBackOnUnparseableReply(t *testing.T) {
	gen := &fakeGenerator{reply: "I would rather write prose than JSON."}
	s := NewSynthesizer(gen, 0)

	persona, err := s.Synthesize(context.Background(), "sample")
	if err == nil {
		t.Fatalf("expected parse error")
	}
	if persona.RoleName != DefaultPersona().RoleName {
		t.Fatalf("expected default persona, got %+v", persona)
	}
}

func TestSynthesizeFallsBackOnMissingFields(t *testing.T) {
	gen := &fakeGenerator{reply: `{"role_name": "", "system_prompt": "x"}`}
	s := NewSynthesizer(gen, 0)

	persona, err := s.Synthesize(context.Background(), "sample")
	if err == nil {
		t.Fatalf("expected error for empty role_name")
	}
	if persona.RoleName != DefaultPersona().RoleName {
		t.Fatalf("expected default persona, got %+v", persona)
	}
}

func TestSynthesizeTruncatesSample(t *testing.T) {
	gen := &fakeGenerator{reply: `{"role_name": "A", "system_prompt": "B"}`}
	s := NewSynthesizer(gen, 100)

	long := strings.Repeat("é", 500)
	if _, err := s.Synthesize(context.Background(), long); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if got := len([]rune(gen.user)); got != 100 {
		t.Fatalf("expected sample truncated to 100 runes, got %d", got)
	}
}

func TestExtractJSONFindsOutermostBraces(t *testing.T) {
	raw := "noise {\"role_name\": \"R\", \"system_prompt\": \"S\"} trailing"
	got := extractJSON(raw)
	if !strings.HasPrefix(got, "{") || !strings.HasSuffix(got, "}") {
		t.Fatalf("extractJSON = %q", got)
	}
}
