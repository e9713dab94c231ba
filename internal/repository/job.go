package repository

import (
	"context"

	"github.com/ErlanBelekov/media-harvester/internal/domain"
)

// WriteConcern is the acknowledgement strength a caller asks of a write.
// The scheduler tolerates the weak mode: timeouts and reconciliation
// correct anything a lost write leaves behind.
type WriteConcern int

const (
	WriteAcknowledged WriteConcern = iota
	WriteUnacknowledged
)

// ParseWriteConcern maps a config value to a WriteConcern.
func ParseWriteConcern(s string) WriteConcern {
	if s == "unacknowledged" {
		return WriteUnacknowledged
	}
	return WriteAcknowledged
}

// Loader, dispatcher and monitor depend on these interfaces, never on the
// postgres implementation, so tests can pass in-memory fakes.
type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id string) (*domain.Job, error)

	// ListByState returns one page of jobs in state, oldest first.
	ListByState(ctx context.Context, state domain.JobState, page domain.Page) ([]*domain.Job, error)

	// Update overwrites the stored job.
	Update(ctx context.Context, job *domain.Job, wc WriteConcern) error

	// UpdateState is a conditional write: it moves the job to `to` only if it
	// is still in `from`. Returns false when the stored state differed.
	UpdateState(ctx context.Context, id string, from, to domain.JobState, wc WriteConcern) (bool, error)
}
