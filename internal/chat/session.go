package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"morphingbook/internal/ingest"
	"morphingbook/pkg/ai"
	"morphingbook/pkg/domain"
	"morphingbook/pkg/index"
	"morphingbook/pkg/store"
)

var (
	// ErrBookNotFound means the book id does not exist.
	ErrBookNotFound = errors.New("book not found")
	// ErrBookNotReady means the book exists but has not finished processing,
	// or its processing failed.
	ErrBookNotReady = errors.New("book is not ready")
)

const defaultTopK = 5

// Config wires the chat service's collaborators.
type Config struct {
	Store     store.Store
	Index     index.VectorIndex
	Generator ai.StreamGenerator
	TopK      int
	Logger    *slog.Logger
}

// Service answers questions about a ready book in its persona's voice,
// grounding each answer in chunks retrieved under the book's fingerprint.
type Service struct {
	store     store.Store
	index     index.VectorIndex
	generator ai.StreamGenerator
	topK      int
	logger    *slog.Logger
}

// NewService validates collaborators and builds the service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Index == nil {
		return nil, fmt.Errorf("vector index required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator required")
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     cfg.Store,
		index:     cfg.Index,
		generator: cfg.Generator,
		topK:      topK,
		logger:    logger,
	}, nil
}

// Stream answers one question about a book, delivering the model's output
// incrementally through onDelta. Validation and retrieval errors are
// returned before onDelta is ever called, so the caller can still send a
// normal error response; once streaming has begun any error comes back
// after partial output has been delivered.
//
// The user and assistant turns are appended to the chat log after the
// answer completes. History persistence is best effort: a failed save is
// logged and does not fail the exchange.
func (s *Service) Stream(ctx context.Context, bookID, userID, question string, onDelta func(string) error) error {
	book, found, err := s.store.GetBook(bookID)
	if err != nil {
		return fmt.Errorf("load book: %w", err)
	}
	if !found {
		return ErrBookNotFound
	}
	if book.Status != domain.StatusReady || book.FileHash == "" {
		return fmt.Errorf("%w: status %s", ErrBookNotReady, book.Status)
	}

	persona, found, err := s.store.GetPersonaByBook(bookID)
	if err != nil {
		return fmt.Errorf("load persona: %w", err)
	}
	if !found {
		persona = ingest.DefaultPersona()
	}

	chunks, err := s.index.Search(ctx, question, book.FileHash, s.topK)
	if err != nil {
		return fmt.Errorf("retrieve context: %w", err)
	}

	answer, err := s.generator.StreamText(ctx, buildSystemPrompt(persona), buildUserPrompt(question, chunks), onDelta)
	if err != nil {
		return fmt.Errorf("generate answer: %w", err)
	}

	s.saveTurn(bookID, userID, question, answer)
	return nil
}

// Messages returns up to limit of a book's chat turns, oldest first.
func (s *Service) Messages(bookID string, limit int) ([]domain.ChatMessage, error) {
	return s.store.ListMessages(bookID, limit)
}

func (s *Service) saveTurn(bookID, userID, question, answer string) {
	if err := s.store.AppendMessage(domain.ChatMessage{
		BookID:  bookID,
		UserID:  userID,
		Role:    "user",
		Content: question,
	}); err != nil {
		s.logger.Error("save user message", "bookId", bookID, "err", err)
		return
	}
	if err := s.store.AppendMessage(domain.ChatMessage{
		BookID:  bookID,
		UserID:  userID,
		Role:    "assistant",
		Content: answer,
	}); err != nil {
		s.logger.Error("save assistant message", "bookId", bookID, "err", err)
	}
}

// buildSystemPrompt renders the persona as the system message, carrying the
// role name alongside its behavioral instructions.
func buildSystemPrompt(persona domain.Persona) string {
	if strings.TrimSpace(persona.RoleName) == "" {
		return persona.SystemPrompt
	}
	return "Role: " + persona.RoleName + "\nInstructions: " + persona.SystemPrompt
}

// buildUserPrompt places the retrieved context block ahead of the literal
// question. The persona itself travels separately as the system message.
// Chunks keep the order retrieval returned them in and are joined with blank
// lines; a chunk's heading hierarchy is shown as provenance when present.
func buildUserPrompt(question string, chunks []domain.Chunk) string {
	if len(chunks) == 0 {
		return question
	}
	parts := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if len(chunk.HeaderPath) > 0 {
			parts = append(parts, "["+strings.Join(chunk.HeaderPath, " > ")+"]\n"+chunk.Text)
		} else {
			parts = append(parts, chunk.Text)
		}
	}
	var b strings.Builder
	b.WriteString("Answer using the following excerpts from the book. If they do not contain the answer, say so instead of inventing one.\n\n")
	b.WriteString(strings.Join(parts, "\n\n"))
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	return b.String()
}
