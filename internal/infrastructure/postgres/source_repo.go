package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"github.com/ErlanBelekov/media-harvester/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sourceColumns = `id, collection_id, provider_id, record_id, url_source_type, url,
	active, last_stats_id, redirect_path, created_at, updated_at`

type SourceDocumentRepository struct {
	pool *pgxpool.Pool
}

func NewSourceDocumentRepository(pool *pgxpool.Pool) *SourceDocumentRepository {
	return &SourceDocumentRepository{pool: pool}
}

func (r *SourceDocumentRepository) GetByIDs(ctx context.Context, ids []string) ([]*domain.SourceDocumentReference, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+sourceColumns+` FROM source_document_references WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("read source references: %w", err)
	}
	defer rows.Close()

	var refs []*domain.SourceDocumentReference
	for rows.Next() {
		ref, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read source references: %w", err)
	}
	return refs, nil
}

// FindByURL returns the most recently updated reference for url.
func (r *SourceDocumentRepository) FindByURL(ctx context.Context, url string) (*domain.SourceDocumentReference, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+sourceColumns+`
		FROM source_document_references
		WHERE url = $1
		ORDER BY updated_at DESC
		LIMIT 1`, url)
	return scanSource(row)
}

// Upsert stores ref. An existing reference keeps its processing history.
func (r *SourceDocumentRepository) Upsert(ctx context.Context, ref *domain.SourceDocumentReference) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO source_document_references (
			id, collection_id, provider_id, record_id, url_source_type, url,
			active, last_stats_id, redirect_path, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE
		SET url_source_type = EXCLUDED.url_source_type,
		    active          = EXCLUDED.active,
		    updated_at      = NOW()`,
		ref.ID, ref.Owner.CollectionID, ref.Owner.ProviderID, ref.Owner.RecordID, ref.URLSourceType, ref.URL,
		ref.Active, ref.LastStatsID, redirectsOrEmpty(ref.RedirectPath), ref.CreatedAt, ref.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert source reference: %w", err)
	}
	return nil
}

func (r *SourceDocumentRepository) Update(ctx context.Context, ref *domain.SourceDocumentReference, wc repository.WriteConcern) error {
	return write(ctx, r.pool, wc, func(q querier) error {
		tag, err := q.Exec(ctx, `
			UPDATE source_document_references
			SET    active = $2, last_stats_id = $3, redirect_path = $4, updated_at = $5
			WHERE  id = $1`,
			ref.ID, ref.Active, ref.LastStatsID, redirectsOrEmpty(ref.RedirectPath), ref.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update source reference: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrSourceNotFound
		}
		return nil
	})
}

func redirectsOrEmpty(path []string) []string {
	if path == nil {
		return []string{}
	}
	return path
}

func scanSource(row rowScanner) (*domain.SourceDocumentReference, error) {
	var ref domain.SourceDocumentReference
	err := row.Scan(
		&ref.ID, &ref.Owner.CollectionID, &ref.Owner.ProviderID, &ref.Owner.RecordID, &ref.URLSourceType, &ref.URL,
		&ref.Active, &ref.LastStatsID, &ref.RedirectPath, &ref.CreatedAt, &ref.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSourceNotFound
		}
		return nil, fmt.Errorf("scan source reference: %w", err)
	}
	return &ref, nil
}
