package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"github.com/ErlanBelekov/media-harvester/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StatisticsRepository stores one row per completed task attempt.
type StatisticsRepository struct {
	pool *pgxpool.Pool
}

func NewStatisticsRepository(pool *pgxpool.Pool) *StatisticsRepository {
	return &StatisticsRepository{pool: pool}
}

func (r *StatisticsRepository) GetByID(ctx context.Context, id string) (*domain.ProcessingStatistics, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, created_at, updated_at, active, task_type, retrieve_state,
		       collection_id, provider_id, record_id, url_source_type, reference_id, job_id,
		       http_response_code, content_type, content_size_bytes,
		       connect_duration_ms, retrieval_duration_ms, checking_duration_ms,
		       source_ip, http_response_headers, log, sub_task_states
		FROM processing_statistics
		WHERE id = $1`, id)

	var (
		s                              domain.ProcessingStatistics
		connectMS, retrieveMS, checkMS int64
	)
	err := row.Scan(
		&s.ID, &s.CreatedAt, &s.UpdatedAt, &s.Active, &s.TaskType, &s.RetrieveState,
		&s.Owner.CollectionID, &s.Owner.ProviderID, &s.Owner.RecordID, &s.URLSourceType, &s.ReferenceID, &s.JobID,
		&s.HTTPResponseCode, &s.ContentType, &s.ContentSizeBytes,
		&connectMS, &retrieveMS, &checkMS,
		&s.SourceIP, &s.HTTPResponseHeaders, &s.Log, &s.SubTaskStates,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrStatisticsNotFound
		}
		return nil, fmt.Errorf("scan statistics: %w", err)
	}
	s.ConnectDuration = time.Duration(connectMS) * time.Millisecond
	s.RetrievalDuration = time.Duration(retrieveMS) * time.Millisecond
	s.CheckingDuration = time.Duration(checkMS) * time.Millisecond
	return &s, nil
}

func (r *StatisticsRepository) CreateOrUpdate(ctx context.Context, s *domain.ProcessingStatistics, wc repository.WriteConcern) error {
	headers := s.HTTPResponseHeaders
	if headers == nil {
		headers = http.Header{}
	}
	subStates := s.SubTaskStates
	if subStates == nil {
		subStates = map[domain.SubTaskType]domain.SubTaskState{}
	}

	return write(ctx, r.pool, wc, func(q querier) error {
		_, err := q.Exec(ctx, `
			INSERT INTO processing_statistics (
				id, created_at, updated_at, active, task_type, retrieve_state,
				collection_id, provider_id, record_id, url_source_type, reference_id, job_id,
				http_response_code, content_type, content_size_bytes,
				connect_duration_ms, retrieval_duration_ms, checking_duration_ms,
				source_ip, http_response_headers, log, sub_task_states
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			          $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
			ON CONFLICT (id) DO UPDATE
			SET updated_at            = EXCLUDED.updated_at,
			    active                = EXCLUDED.active,
			    retrieve_state        = EXCLUDED.retrieve_state,
			    http_response_code    = EXCLUDED.http_response_code,
			    content_type          = EXCLUDED.content_type,
			    content_size_bytes    = EXCLUDED.content_size_bytes,
			    connect_duration_ms   = EXCLUDED.connect_duration_ms,
			    retrieval_duration_ms = EXCLUDED.retrieval_duration_ms,
			    checking_duration_ms  = EXCLUDED.checking_duration_ms,
			    source_ip             = EXCLUDED.source_ip,
			    http_response_headers = EXCLUDED.http_response_headers,
			    log                   = EXCLUDED.log,
			    sub_task_states       = EXCLUDED.sub_task_states`,
			s.ID, s.CreatedAt, s.UpdatedAt, s.Active, s.TaskType, s.RetrieveState,
			s.Owner.CollectionID, s.Owner.ProviderID, s.Owner.RecordID, s.URLSourceType, s.ReferenceID, s.JobID,
			s.HTTPResponseCode, s.ContentType, s.ContentSizeBytes,
			s.ConnectDuration.Milliseconds(), s.RetrievalDuration.Milliseconds(), s.CheckingDuration.Milliseconds(),
			s.SourceIP, headers, s.Log, subStates,
		)
		if err != nil {
			return fmt.Errorf("save statistics: %w", err)
		}
		return nil
	})
}
