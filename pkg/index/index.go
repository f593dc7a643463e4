package index

import (
	"context"

	"morphingbook/pkg/domain"
)

// VectorIndex stores and retrieves chunks keyed by content fingerprint.
// Search must only ever return chunks whose FileHash equals the requested
// fingerprint; ranking within that scope is the implementation's concern.
type VectorIndex interface {
	// Upsert embeds and stores chunks. All chunks carry their FileHash.
	Upsert(ctx context.Context, chunks []domain.Chunk) error
	// Search returns up to k chunks for the fingerprint, most relevant first.
	Search(ctx context.Context, query, fileHash string, k int) ([]domain.Chunk, error)
	// CountByFingerprint reports how many chunks exist for a fingerprint.
	CountByFingerprint(ctx context.Context, fileHash string) (int, error)
	// DeleteByFingerprint removes every chunk for a fingerprint.
	DeleteByFingerprint(ctx context.Context, fileHash string) error
}
