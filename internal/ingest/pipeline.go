package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"morphingbook/pkg/domain"
	"morphingbook/pkg/index"
	"morphingbook/pkg/queue"
	"morphingbook/pkg/storage"
	"morphingbook/pkg/store"
)

// Locker bounds ingestion to one in-flight run per book.
type Locker interface {
	AcquireBookLock(ctx context.Context, bookID string) (bool, error)
	ReleaseBookLock(ctx context.Context, bookID string) error
}

// Config wires the pipeline's collaborators.
type Config struct {
	Store    store.Store
	Blobs    storage.BlobStore
	Index    index.VectorIndex
	Parser   Parser
	Personas *Synthesizer
	Locker   Locker
	Logger   *slog.Logger
}

// Pipeline runs one processing request through download, parse, chunk,
// fingerprint, index, and persona synthesis, ending in exactly one terminal
// book state per run.
type Pipeline struct {
	store    store.Store
	blobs    storage.BlobStore
	index    index.VectorIndex
	parser   Parser
	personas *Synthesizer
	locker   Locker
	logger   *slog.Logger
}

// NewPipeline validates collaborators and builds the pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("blob store required")
	}
	if cfg.Index == nil {
		return nil, fmt.Errorf("vector index required")
	}
	if cfg.Parser == nil {
		return nil, fmt.Errorf("parser required")
	}
	if cfg.Personas == nil {
		return nil, fmt.Errorf("persona synthesizer required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    cfg.Store,
		blobs:    cfg.Blobs,
		index:    cfg.Index,
		parser:   cfg.Parser,
		personas: cfg.Personas,
		locker:   cfg.Locker,
		logger:   logger,
	}, nil
}

// Handle adapts Process to the queue's handler signature, guarded by the
// per-book lock. A job for a book whose run is already in flight is dropped.
func (p *Pipeline) Handle(ctx context.Context, job queue.Job) error {
	if p.locker != nil {
		acquired, err := p.locker.AcquireBookLock(ctx, job.BookID)
		if err != nil {
			return fmt.Errorf("acquire book lock: %w", err)
		}
		if !acquired {
			p.logger.Warn("ingest already in flight, dropping job",
				"jobId", job.ID, "bookId", job.BookID)
			return nil
		}
		defer func() {
			_ = p.locker.ReleaseBookLock(ctx, job.BookID)
		}()
	}
	return p.Process(ctx, job.BookID, job.Bucket, job.Path)
}

// Process runs the full ingestion sequence for one book. On any failure the
// book is marked failed with the underlying message and the error is
// returned so the queue can count the attempt.
func (p *Pipeline) Process(ctx context.Context, bookID, bucket, path string) error {
	if err := p.run(ctx, bookID, bucket, path); err != nil {
		p.logger.Error("ingest failed", "bookId", bookID, "err", err)
		if failErr := p.store.SetFailed(bookID, err.Error()); failErr != nil {
			p.logger.Error("mark book failed", "bookId", bookID, "err", failErr)
		}
		return err
	}
	return nil
}

func (p *Pipeline) run(ctx context.Context, bookID, bucket, path string) error {
	raw, err := p.blobs.Download(ctx, bucket, path)
	if err != nil {
		return fmt.Errorf("download artifact: %w", err)
	}

	scratch, err := os.CreateTemp("", "morphingbook-*"+filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("create scratch file: %w", err)
	}
	defer os.Remove(scratch.Name())
	if _, err := scratch.Write(raw); err != nil {
		scratch.Close()
		return fmt.Errorf("write scratch file: %w", err)
	}
	if err := scratch.Close(); err != nil {
		return fmt.Errorf("close scratch file: %w", err)
	}

	markdown, err := p.parser.Parse(ctx, scratch.Name())
	if err != nil {
		return fmt.Errorf("parse document: %w", err)
	}

	chunks := ChunkMarkdown(markdown)
	if len(chunks) == 0 {
		return fmt.Errorf("no content extracted")
	}

	fileHash := Fingerprint(raw)
	for i := range chunks {
		chunks[i].FileHash = fileHash
	}

	existing, err := p.index.CountByFingerprint(ctx, fileHash)
	if err != nil {
		return fmt.Errorf("check fingerprint: %w", err)
	}
	if existing > 0 {
		p.logger.Info("content already indexed, reusing chunk set",
			"bookId", bookID, "fingerprint", fileHash, "chunks", existing)
	} else if err := p.index.Upsert(ctx, chunks); err != nil {
		return fmt.Errorf("index chunks: %w", err)
	}

	persona, personaErr := p.personas.Synthesize(ctx, markdown)
	if personaErr != nil {
		p.logger.Warn("persona synthesis fell back to default",
			"bookId", bookID, "err", personaErr)
	}
	persona.BookID = bookID
	if err := p.store.SavePersona(persona); err != nil {
		return fmt.Errorf("save persona: %w", err)
	}

	if err := p.store.SetReady(bookID, fileHash); err != nil {
		return fmt.Errorf("mark book ready: %w", err)
	}
	p.logger.Info("book processed", "bookId", bookID,
		"fingerprint", fileHash, "chunks", len(chunks), "status", domain.StatusReady)
	return nil
}
