package repository

import (
	"context"

	"github.com/ErlanBelekov/media-harvester/internal/domain"
)

type SourceDocumentRepository interface {
	// GetByIDs resolves references in one batch read. Unknown ids are
	// simply missing from the result.
	GetByIDs(ctx context.Context, ids []string) ([]*domain.SourceDocumentReference, error)
	FindByURL(ctx context.Context, url string) (*domain.SourceDocumentReference, error)
	Upsert(ctx context.Context, ref *domain.SourceDocumentReference) error
	Update(ctx context.Context, ref *domain.SourceDocumentReference, wc WriteConcern) error
}
