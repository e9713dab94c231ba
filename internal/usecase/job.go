package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"github.com/ErlanBelekov/media-harvester/internal/jobbuilder"
	"github.com/ErlanBelekov/media-harvester/internal/repository"
)

// ErrJobChanged is returned when a job moved to another state between the
// read and the conditional write of a client request.
var ErrJobChanged = errors.New("job changed concurrently")

// TaskStates reports the in-memory task states of a job.
type TaskStates interface {
	GetTaskStatesPerJob(ctx context.Context, jobID string) ([]domain.TaskState, error)
}

type JobUsecase struct {
	jobs    repository.JobRepository
	sources repository.SourceDocumentRepository
	builder *jobbuilder.Builder
	tasks   TaskStates
}

func NewJobUsecase(
	jobs repository.JobRepository,
	sources repository.SourceDocumentRepository,
	builder *jobbuilder.Builder,
	tasks TaskStates,
) *JobUsecase {
	return &JobUsecase{jobs: jobs, sources: sources, builder: builder, tasks: tasks}
}

type CreateJobsInput struct {
	Record  jobbuilder.Record
	Options jobbuilder.Options
}

// CreateJobs builds one READY job per media URL of the record and stores
// the jobs with their source references.
func (u *JobUsecase) CreateJobs(ctx context.Context, input CreateJobsInput) ([]*domain.Job, error) {
	tuples, err := u.builder.Build(ctx, input.Record, input.Options)
	if err != nil {
		return nil, fmt.Errorf("build jobs: %w", err)
	}

	jobs := make([]*domain.Job, 0, len(tuples))
	for _, t := range tuples {
		if err := u.sources.Upsert(ctx, t.Reference); err != nil {
			return nil, fmt.Errorf("store source reference: %w", err)
		}
		if err := u.jobs.Create(ctx, t.Job); err != nil {
			return nil, fmt.Errorf("create job: %w", err)
		}
		jobs = append(jobs, t.Job)
	}
	return jobs, nil
}

type JobStatus struct {
	Job *domain.Job
	// Tasks counts the job's in-memory tasks per state; empty when the
	// master does not hold the job.
	Tasks map[domain.TaskState]int
}

func (u *JobUsecase) GetByID(ctx context.Context, id string) (*JobStatus, error) {
	job, err := u.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	status := &JobStatus{Job: job, Tasks: map[domain.TaskState]int{}}
	if u.tasks == nil {
		return status, nil
	}
	states, err := u.tasks.GetTaskStatesPerJob(ctx, id)
	if err != nil {
		// durable state alone is still a useful answer
		return status, nil
	}
	for _, s := range states {
		status.Tasks[s]++
	}
	return status, nil
}

// Pause asks the loader to stop dispatching the job's tasks.
func (u *JobUsecase) Pause(ctx context.Context, id string) (*domain.Job, error) {
	return u.request(ctx, id, domain.JobPause)
}

// Resume asks the loader to dispatch a paused job again.
func (u *JobUsecase) Resume(ctx context.Context, id string) (*domain.Job, error) {
	return u.request(ctx, id, domain.JobResume)
}

func (u *JobUsecase) request(ctx context.Context, id string, next domain.JobState) (*domain.Job, error) {
	job, err := u.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if job.State == next {
		return job, nil
	}
	updated, err := job.WithState(next)
	if err != nil {
		return nil, fmt.Errorf("%s -> %s: %w", job.State, next, err)
	}
	ok, err := u.jobs.UpdateState(ctx, id, job.State, next, repository.WriteAcknowledged)
	if err != nil {
		return nil, fmt.Errorf("update job state: %w", err)
	}
	if !ok {
		return nil, ErrJobChanged
	}
	return updated, nil
}
