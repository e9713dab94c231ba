package scheduler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ErlanBelekov/media-harvester/internal/accountant"
	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"github.com/ErlanBelekov/media-harvester/internal/repository"
	"github.com/ErlanBelekov/media-harvester/internal/scheduler"
	"github.com/ErlanBelekov/media-harvester/internal/searchindex"
)

var (
	discard      = slog.New(slog.NewTextHandler(io.Discard, nil))
	errStoreDown = errors.New("store unavailable")
)

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job

	// the next n calls fail with errStoreDown
	failGets         int
	failStateUpdates int
}

func newMemJobs(jobs ...*domain.Job) *memJobs {
	m := &memJobs{jobs: make(map[string]*domain.Job)}
	for _, j := range jobs {
		cp := *j
		m.jobs[j.ID] = &cp
	}
	return m
}

func (m *memJobs) Create(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return domain.ErrDuplicateJob
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memJobs) GetByID(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGets > 0 {
		m.failGets--
		return nil, errStoreDown
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memJobs) ListByState(_ context.Context, state domain.JobState, page domain.Page) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Job
	for _, j := range m.jobs {
		if j.State == state {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if page.Offset >= len(out) {
		return nil, nil
	}
	out = out[page.Offset:]
	if page.Limit > 0 && len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out, nil
}

func (m *memJobs) Update(_ context.Context, job *domain.Job, _ repository.WriteConcern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memJobs) UpdateState(_ context.Context, id string, from, to domain.JobState, _ repository.WriteConcern) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failStateUpdates > 0 {
		m.failStateUpdates--
		return false, errStoreDown
	}
	j, ok := m.jobs[id]
	if !ok || j.State != from {
		return false, nil
	}
	j.State = to
	return true, nil
}

func (m *memJobs) state(id string) domain.JobState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id].State
}

func (m *memJobs) failNext(gets, stateUpdates int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failGets = gets
	m.failStateUpdates = stateUpdates
}

func (m *memJobs) setState(id string, s domain.JobState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].State = s
}

type memSources struct {
	mu   sync.Mutex
	refs map[string]*domain.SourceDocumentReference
}

func newMemSources(refs ...*domain.SourceDocumentReference) *memSources {
	m := &memSources{refs: make(map[string]*domain.SourceDocumentReference)}
	for _, r := range refs {
		cp := *r
		m.refs[r.ID] = &cp
	}
	return m
}

func (m *memSources) GetByIDs(_ context.Context, ids []string) ([]*domain.SourceDocumentReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.SourceDocumentReference
	for _, id := range ids {
		if r, ok := m.refs[id]; ok {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memSources) FindByURL(_ context.Context, url string) (*domain.SourceDocumentReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.refs {
		if r.URL == url {
			cp := *r
			return &cp, nil
		}
	}
	return nil, domain.ErrSourceNotFound
}

func (m *memSources) Upsert(_ context.Context, ref *domain.SourceDocumentReference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ref
	m.refs[ref.ID] = &cp
	return nil
}

func (m *memSources) Update(ctx context.Context, ref *domain.SourceDocumentReference, _ repository.WriteConcern) error {
	return m.Upsert(ctx, ref)
}

func (m *memSources) get(id string) *domain.SourceDocumentReference {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.refs[id]
	return &cp
}

type memStats struct {
	mu    sync.Mutex
	stats map[string]*domain.ProcessingStatistics
}

func newMemStats(stats ...*domain.ProcessingStatistics) *memStats {
	m := &memStats{stats: make(map[string]*domain.ProcessingStatistics)}
	for _, s := range stats {
		m.stats[s.ID] = s
	}
	return m
}

func (m *memStats) GetByID(_ context.Context, id string) (*domain.ProcessingStatistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[id]
	if !ok {
		return nil, domain.ErrStatisticsNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStats) CreateOrUpdate(_ context.Context, s *domain.ProcessingStatistics, _ repository.WriteConcern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.stats[s.ID] = &cp
	return nil
}

func (m *memStats) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stats)
}

type countingRefiller struct {
	mu    sync.Mutex
	calls int
}

func (r *countingRefiller) Trigger() {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
}

func (r *countingRefiller) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordingNotifier struct {
	finished []string
}

func (n *recordingNotifier) JobFinished(_ context.Context, job *domain.Job) error {
	n.finished = append(n.finished, job.ID)
	return nil
}

type recordingIndex struct {
	updates []searchindex.Update
}

func (r *recordingIndex) Enqueue(u searchindex.Update) {
	r.updates = append(r.updates, u)
}

func startAccountant(t *testing.T, opts ...accountant.Option) *accountant.Accountant {
	t.Helper()
	a := accountant.New(discard, time.Second, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a
}

// fixture builds a job on ip with one UNCONDITIONAL_DOWNLOAD task per
// reference, and the references themselves.
func fixture(jobID, ip string, refs int, state domain.JobState) (*domain.Job, []*domain.SourceDocumentReference) {
	owner := domain.Owner{CollectionID: "c1", ProviderID: "p1", RecordID: "rec-" + jobID}
	job := &domain.Job{
		ID:        jobID,
		Owner:     owner,
		State:     state,
		IPAddress: ip,
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	var out []*domain.SourceDocumentReference
	for i := range refs {
		url := "http://" + ip + "/" + jobID + "/" + string(rune('a'+i))
		ref := &domain.SourceDocumentReference{
			ID:            domain.SourceDocumentReferenceID(owner, url),
			Owner:         owner,
			URLSourceType: domain.URLSourceIsShownBy,
			URL:           url,
			Active:        true,
		}
		out = append(out, ref)
		job.Tasks = append(job.Tasks, domain.JobTask{
			Type:                      domain.TaskUnconditionalDownload,
			SourceDocumentReferenceID: ref.ID,
			SubTasks:                  []domain.SubTask{{Type: domain.SubTaskMetaExtraction}},
		})
	}
	return job, out
}

func loaderConfig() scheduler.LoaderConfig {
	return scheduler.LoaderConfig{
		Schedule:         "@every 1m",
		JobsPerIP:        2,
		MaxTasksInMemory: 1000,
		DefaultLimits: domain.Limits{
			ConnectionTimeout: 30 * time.Second,
			MaxRedirects:      10,
			TimeLimit:         10 * time.Minute,
			MinBytesPerSecond: 1000,
		},
	}
}
