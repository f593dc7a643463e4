package index

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"morphingbook/pkg/ai"
	"morphingbook/pkg/domain"
)

// DocumentModel is one indexed chunk row. Rows are keyed by fingerprint,
// not by book ID: every book with the same content shares them.
type DocumentModel struct {
	ID         string           `gorm:"primaryKey"`
	FileHash   string           `gorm:"not null;index"`
	Content    string           `gorm:"type:text;not null"`
	HeaderPath datatypes.JSON   `gorm:"type:jsonb"`
	Position   int              `gorm:"not null"`
	Embedding  *pgvector.Vector `gorm:"type:vector(768)"`
	CreatedAt  time.Time        `gorm:"not null"`
}

// Options tune embedding throughput and the canonical vector dimension.
type Options struct {
	EmbeddingDim int
	BatchSize    int
	Concurrency  int
}

// PgvectorIndex implements VectorIndex on Postgres with the pgvector
// extension, sharing the relational store's connection.
type PgvectorIndex struct {
	db          *gorm.DB
	embedder    ai.Embedder
	dim         int
	batchSize   int
	concurrency int
}

// NewPgvectorIndex migrates the document table and returns the index.
func NewPgvectorIndex(db *gorm.DB, embedder ai.Embedder, opts Options) (*PgvectorIndex, error) {
	if db == nil {
		return nil, fmt.Errorf("db required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder required")
	}
	dim := opts.EmbeddingDim
	if dim <= 0 {
		dim = 768
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := db.AutoMigrate(&DocumentModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate documents: %w", err)
	}
	if err := db.Exec(fmt.Sprintf(`
		DO $$
		BEGIN
		IF EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name = 'document_models' AND column_name = 'embedding'
		) THEN
			ALTER TABLE document_models ALTER COLUMN embedding TYPE vector(%d);
		END IF;
		END $$;
	`, dim)).Error; err != nil {
		return nil, fmt.Errorf("alter embedding type: %w", err)
	}
	return &PgvectorIndex{
		db:          db,
		embedder:    embedder,
		dim:         dim,
		batchSize:   batchSize,
		concurrency: concurrency,
	}, nil
}

// Upsert embeds chunks in bounded-concurrency batches and writes them with
// their position preserved so adjacent context can be rejoined later.
func (x *PgvectorIndex) Upsert(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	models := make([]DocumentModel, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.concurrency)
	for start := 0; start < len(chunks); start += x.batchSize {
		end := start + x.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		start, end := start, end
		g.Go(func() error {
			return x.embedBatch(gctx, chunks[start:end], models[start:end], start)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return x.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&models, 200).Error
}

func (x *PgvectorIndex) embedBatch(ctx context.Context, chunks []domain.Chunk, out []DocumentModel, offset int) error {
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}
	var embeddings [][]float32
	if batcher, ok := x.embedder.(ai.BatchEmbedder); ok && len(texts) > 1 {
		result, err := batcher.EmbedTexts(ctx, texts, "RETRIEVAL_DOCUMENT")
		if err != nil {
			return err
		}
		embeddings = result
	} else {
		embeddings = make([][]float32, len(texts))
		for i, text := range texts {
			embedding, err := x.embedder.EmbedText(ctx, text, "RETRIEVAL_DOCUMENT")
			if err != nil {
				return err
			}
			embeddings[i] = embedding
		}
	}
	if len(embeddings) != len(chunks) {
		return fmt.Errorf("embedding count mismatch: got %d, want %d", len(embeddings), len(chunks))
	}
	for i, embedding := range embeddings {
		if x.dim > 0 && len(embedding) != x.dim {
			return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), x.dim)
		}
		headerPath, _ := json.Marshal(chunks[i].HeaderPath)
		vec := pgvector.NewVector(embedding)
		out[i] = DocumentModel{
			ID:         uuid.NewString(),
			FileHash:   chunks[i].FileHash,
			Content:    chunks[i].Text,
			HeaderPath: headerPath,
			Position:   offset + i,
			Embedding:  &vec,
			CreatedAt:  time.Now().UTC(),
		}
	}
	return nil
}

// Search embeds the query and returns the nearest chunks by cosine distance,
// filtered by exact fingerprint equality.
func (x *PgvectorIndex) Search(ctx context.Context, query, fileHash string, k int) ([]domain.Chunk, error) {
	if k <= 0 {
		return []domain.Chunk{}, nil
	}
	if fileHash == "" {
		return nil, fmt.Errorf("fingerprint required for retrieval")
	}
	embedding, err := x.embedder.EmbedText(ctx, query, "RETRIEVAL_QUERY")
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	vec := pgvector.NewVector(embedding)
	var models []DocumentModel
	if err := x.db.WithContext(ctx).Model(&DocumentModel{}).
		Where("file_hash = ? AND embedding IS NOT NULL", fileHash).
		Order(clause.Expr{SQL: "embedding <=> ?", Vars: []any{vec}}).
		Limit(k).
		Find(&models).Error; err != nil {
		return nil, err
	}
	chunks := make([]domain.Chunk, 0, len(models))
	for _, m := range models {
		chunks = append(chunks, chunkFromModel(m))
	}
	return chunks, nil
}

// CountByFingerprint reports how many chunks exist for a fingerprint.
func (x *PgvectorIndex) CountByFingerprint(ctx context.Context, fileHash string) (int, error) {
	var count int64
	if err := x.db.WithContext(ctx).Model(&DocumentModel{}).
		Where("file_hash = ?", fileHash).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// DeleteByFingerprint removes every chunk for a fingerprint.
func (x *PgvectorIndex) DeleteByFingerprint(ctx context.Context, fileHash string) error {
	return x.db.WithContext(ctx).Delete(&DocumentModel{}, "file_hash = ?", fileHash).Error
}

func chunkFromModel(m DocumentModel) domain.Chunk {
	var headerPath []string
	if len(m.HeaderPath) > 0 {
		_ = json.Unmarshal(m.HeaderPath, &headerPath)
	}
	return domain.Chunk{
		Text:       m.Content,
		HeaderPath: headerPath,
		FileHash:   m.FileHash,
	}
}
