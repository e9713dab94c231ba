package usecase_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"github.com/ErlanBelekov/media-harvester/internal/jobbuilder"
	"github.com/ErlanBelekov/media-harvester/internal/repository"
	"github.com/ErlanBelekov/media-harvester/internal/usecase"
)

type mockJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job

	updateStateFn func(id string, from, to domain.JobState) (bool, error)
}

func newMockJobRepo(jobs ...*domain.Job) *mockJobRepo {
	m := &mockJobRepo{jobs: map[string]*domain.Job{}}
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}
	return m
}

func (m *mockJobRepo) Create(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return domain.ErrDuplicateJob
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *mockJobRepo) GetByID(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *mockJobRepo) ListByState(context.Context, domain.JobState, domain.Page) ([]*domain.Job, error) {
	return nil, nil
}

func (m *mockJobRepo) Update(context.Context, *domain.Job, repository.WriteConcern) error {
	return nil
}

func (m *mockJobRepo) UpdateState(_ context.Context, id string, from, to domain.JobState, _ repository.WriteConcern) (bool, error) {
	if m.updateStateFn != nil {
		return m.updateStateFn(id, from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.State != from {
		return false, nil
	}
	j.State = to
	return true, nil
}

type mockSources struct {
	upserted []*domain.SourceDocumentReference
}

func (m *mockSources) GetByIDs(context.Context, []string) ([]*domain.SourceDocumentReference, error) {
	return nil, nil
}

func (m *mockSources) FindByURL(context.Context, string) (*domain.SourceDocumentReference, error) {
	return nil, domain.ErrSourceNotFound
}

func (m *mockSources) Upsert(_ context.Context, ref *domain.SourceDocumentReference) error {
	m.upserted = append(m.upserted, ref)
	return nil
}

func (m *mockSources) Update(context.Context, *domain.SourceDocumentReference, repository.WriteConcern) error {
	return nil
}

type fixedResolver string

func (f fixedResolver) Resolve(context.Context, string) (string, error) { return string(f), nil }

type taskStatesFunc func(ctx context.Context, jobID string) ([]domain.TaskState, error)

func (f taskStatesFunc) GetTaskStatesPerJob(ctx context.Context, jobID string) ([]domain.TaskState, error) {
	return f(ctx, jobID)
}

func TestCreateJobs(t *testing.T) {
	jobs, sources := newMockJobRepo(), &mockSources{}
	uc := usecase.NewJobUsecase(jobs, sources, jobbuilder.New(fixedResolver("10.0.0.1")), nil)

	created, err := uc.CreateJobs(context.Background(), usecase.CreateJobsInput{
		Record: jobbuilder.Record{
			Owner:     domain.Owner{CollectionID: "c", ProviderID: "p", RecordID: "r"},
			IsShownBy: "http://example.org/a.jpg",
			HasView:   []string{"http://example.org/b.jpg"},
		},
	})
	if err != nil {
		t.Fatalf("CreateJobs: %v", err)
	}
	if len(created) != 2 || len(sources.upserted) != 2 || len(jobs.jobs) != 2 {
		t.Fatalf("created %d jobs, %d references, stored %d jobs", len(created), len(sources.upserted), len(jobs.jobs))
	}
	for _, j := range created {
		if j.State != domain.JobReady || j.IPAddress != "10.0.0.1" {
			t.Fatalf("job = %+v", j)
		}
	}
}

func TestGetByID_CountsTaskStates(t *testing.T) {
	jobs := newMockJobRepo(&domain.Job{ID: "j1", State: domain.JobRunning})
	states := taskStatesFunc(func(context.Context, string) ([]domain.TaskState, error) {
		return []domain.TaskState{domain.TaskDone, domain.TaskProcessing, domain.TaskDone}, nil
	})
	uc := usecase.NewJobUsecase(jobs, &mockSources{}, nil, states)

	status, err := uc.GetByID(context.Background(), "j1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if status.Tasks[domain.TaskDone] != 2 || status.Tasks[domain.TaskProcessing] != 1 {
		t.Fatalf("task counts = %v", status.Tasks)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	uc := usecase.NewJobUsecase(newMockJobRepo(), &mockSources{}, nil, nil)
	if _, err := uc.GetByID(context.Background(), "missing"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func TestPauseResume(t *testing.T) {
	jobs := newMockJobRepo(&domain.Job{ID: "j1", State: domain.JobRunning})
	uc := usecase.NewJobUsecase(jobs, &mockSources{}, nil, nil)
	ctx := context.Background()

	job, err := uc.Pause(ctx, "j1")
	if err != nil || job.State != domain.JobPause {
		t.Fatalf("Pause = %v, %v", job, err)
	}
	if _, err := uc.Pause(ctx, "j1"); err != nil {
		t.Fatalf("repeated Pause = %v, want no-op", err)
	}

	jobs.jobs["j1"].State = domain.JobPaused
	job, err = uc.Resume(ctx, "j1")
	if err != nil || job.State != domain.JobResume {
		t.Fatalf("Resume = %v, %v", job, err)
	}
}

func TestPause_FinishedJob(t *testing.T) {
	jobs := newMockJobRepo(&domain.Job{ID: "j1", State: domain.JobFinished})
	uc := usecase.NewJobUsecase(jobs, &mockSources{}, nil, nil)

	if _, err := uc.Pause(context.Background(), "j1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestPause_ConcurrentChange(t *testing.T) {
	jobs := newMockJobRepo(&domain.Job{ID: "j1", State: domain.JobRunning})
	jobs.updateStateFn = func(string, domain.JobState, domain.JobState) (bool, error) { return false, nil }
	uc := usecase.NewJobUsecase(jobs, &mockSources{}, nil, nil)

	if _, err := uc.Pause(context.Background(), "j1"); !errors.Is(err, usecase.ErrJobChanged) {
		t.Fatalf("err = %v, want ErrJobChanged", err)
	}
}
