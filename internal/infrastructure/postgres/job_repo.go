package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"github.com/ErlanBelekov/media-harvester/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, priority, collection_id, provider_id, record_id, tasks,
	state, ip_address, limits, created_at, updated_at`

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO jobs (
			id, priority, collection_id, provider_id, record_id, tasks,
			state, ip_address, limits, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.Priority, job.Owner.CollectionID, job.Owner.ProviderID, job.Owner.RecordID,
		tasksOrEmpty(job.Tasks), job.State, job.IPAddress, job.Limits, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrDuplicateJob
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (r *JobRepository) ListByState(ctx context.Context, state domain.JobState, page domain.Page) ([]*domain.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE state = $1
		ORDER BY created_at ASC, id ASC
		OFFSET $2
		LIMIT $3`, state, page.Offset, page.Limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (r *JobRepository) Update(ctx context.Context, job *domain.Job, wc repository.WriteConcern) error {
	return write(ctx, r.pool, wc, func(q querier) error {
		tag, err := q.Exec(ctx, `
			UPDATE jobs
			SET    priority = $2, tasks = $3, state = $4, ip_address = $5,
			       limits = $6, updated_at = NOW()
			WHERE  id = $1`,
			job.ID, job.Priority, tasksOrEmpty(job.Tasks), job.State, job.IPAddress, job.Limits)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrJobNotFound
		}
		return nil
	})
}

func (r *JobRepository) UpdateState(ctx context.Context, id string, from, to domain.JobState, wc repository.WriteConcern) (bool, error) {
	var moved bool
	err := write(ctx, r.pool, wc, func(q querier) error {
		tag, err := q.Exec(ctx, `
			UPDATE jobs SET state = $3, updated_at = NOW()
			WHERE id = $1 AND state = $2`, id, from, to)
		if err != nil {
			return fmt.Errorf("update job state: %w", err)
		}
		moved = tag.RowsAffected() == 1
		return nil
	})
	return moved, err
}

func tasksOrEmpty(tasks []domain.JobTask) []domain.JobTask {
	if tasks == nil {
		return []domain.JobTask{}
	}
	return tasks
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.Priority, &j.Owner.CollectionID, &j.Owner.ProviderID, &j.Owner.RecordID, &j.Tasks,
		&j.State, &j.IPAddress, &j.Limits, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}
