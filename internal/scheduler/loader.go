package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ErlanBelekov/media-harvester/internal/accountant"
	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"github.com/ErlanBelekov/media-harvester/internal/metrics"
	"github.com/ErlanBelekov/media-harvester/internal/repository"
	"github.com/robfig/cron/v3"
)

// errRequeued marks an admission that failed with the job still in READY.
var errRequeued = errors.New("job returned to READY")

type LoaderConfig struct {
	Schedule         string // robfig/cron expression, "@every 10s" style allowed
	JobsPerIP        int    // page size of every durable scan
	MaxTasksInMemory int
	WriteConcern     repository.WriteConcern
	DefaultLimits    domain.Limits
}

// Loader reconciles durable job state with the accountant.
type Loader struct {
	jobs     repository.JobRepository
	sources  repository.SourceDocumentRepository
	stats    repository.StatisticsRepository
	acct     *accountant.Accountant
	cfg      LoaderConfig
	schedule cron.Schedule
	trigger  chan struct{}
	logger   *slog.Logger
}

func NewLoader(
	jobs repository.JobRepository,
	sources repository.SourceDocumentRepository,
	stats repository.StatisticsRepository,
	acct *accountant.Accountant,
	cfg LoaderConfig,
	logger *slog.Logger,
) (*Loader, error) {
	sched, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("loader schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.JobsPerIP <= 0 {
		cfg.JobsPerIP = 100
	}
	return &Loader{
		jobs:     jobs,
		sources:  sources,
		stats:    stats,
		acct:     acct,
		cfg:      cfg,
		schedule: sched,
		trigger:  make(chan struct{}, 1),
		logger:   logger.With("component", "loader"),
	}, nil
}

// Trigger asks for an extra cycle as soon as possible. Calls while one is
// already pending are coalesced.
func (l *Loader) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// Start resets jobs orphaned by a previous master, then runs a cycle on
// every schedule tick and every Trigger until ctx is done.
func (l *Loader) Start(ctx context.Context) {
	l.logger.Info("loader started", "schedule", l.cfg.Schedule, "jobs_per_page", l.cfg.JobsPerIP)

	l.CheckForAbandonedJobs(ctx, false)
	l.RunOnce(ctx)

	for {
		next := l.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			l.logger.Info("loader shut down")
			return
		case <-timer.C:
		case <-l.trigger:
			timer.Stop()
		}
		l.RunOnce(ctx)
	}
}

// RunOnce executes every pass once.
func (l *Loader) RunOnce(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.LoaderCycleDuration.Observe(time.Since(start).Seconds()) }()

	l.CheckForPausedJobs(ctx)
	l.CheckForResumedJobs(ctx)
	l.CheckForAbandonedJobs(ctx, true)
	l.CheckForNewJobs(ctx)
}

// scan walks every job in state page by page. visit reports whether the job
// left state; jobs that stayed are stepped over so the scan terminates.
func (l *Loader) scan(ctx context.Context, state domain.JobState, visit func(*domain.Job) bool) int {
	moved, offset := 0, 0
	for ctx.Err() == nil {
		jobs, err := l.jobs.ListByState(ctx, state, domain.Page{Offset: offset, Limit: l.cfg.JobsPerIP})
		if err != nil {
			l.logger.Error("list jobs", "state", state, "error", err)
			return moved
		}
		if len(jobs) == 0 {
			return moved
		}
		for _, job := range jobs {
			if visit(job) {
				moved++
			} else {
				offset++
			}
		}
	}
	return moved
}

// CheckForPausedJobs moves PAUSE jobs to PAUSED and stops dispatching their tasks.
func (l *Loader) CheckForPausedJobs(ctx context.Context) {
	n := l.scan(ctx, domain.JobPause, func(job *domain.Job) bool {
		ok, err := l.jobs.UpdateState(ctx, job.ID, domain.JobPause, domain.JobPaused, l.cfg.WriteConcern)
		if err != nil {
			l.logger.Error("mark job paused", "job_id", job.ID, "error", err)
			return false
		}
		if !ok {
			return false
		}
		if err := l.acct.PauseTasks(ctx, job.ID); err != nil {
			l.logger.Warn("pause tasks", "job_id", job.ID, "error", err)
		}
		return true
	})
	l.count("paused", n)
}

// CheckForResumedJobs moves RESUME jobs to RUNNING, materialising them when
// the accountant does not hold them yet.
func (l *Loader) CheckForResumedJobs(ctx context.Context) {
	n := l.scan(ctx, domain.JobResume, func(job *domain.Job) bool {
		ok, err := l.jobs.UpdateState(ctx, job.ID, domain.JobResume, domain.JobRunning, l.cfg.WriteConcern)
		if err != nil {
			l.logger.Error("mark job running", "job_id", job.ID, "error", err)
			return false
		}
		if !ok {
			return false
		}

		loaded, err := l.acct.IsJobLoaded(ctx, job.ID)
		if err != nil {
			// left RUNNING but unloaded; the abandoned pass returns it to READY
			l.logger.Warn("is job loaded", "job_id", job.ID, "error", err)
			return true
		}
		if loaded {
			if err := l.acct.ResumeTasks(ctx, job.ID); err != nil {
				l.logger.Warn("resume tasks", "job_id", job.ID, "error", err)
			}
			return true
		}
		if _, err := l.Materialize(ctx, job); err != nil {
			l.logger.Error("materialize resumed job", "job_id", job.ID, "error", err)
		}
		return true
	})
	l.count("resumed", n)
}

// CheckForAbandonedJobs returns RUNNING and LOADED jobs to READY. With
// skipLoaded, jobs this master currently holds are left alone, which makes
// the pass safe to run while the master is serving.
func (l *Loader) CheckForAbandonedJobs(ctx context.Context, skipLoaded bool) {
	total := 0
	for _, state := range []domain.JobState{domain.JobRunning, domain.JobLoaded} {
		total += l.scan(ctx, state, func(job *domain.Job) bool {
			if skipLoaded {
				loaded, err := l.acct.IsJobLoaded(ctx, job.ID)
				if err != nil || loaded {
					return false
				}
			}
			ok, err := l.jobs.UpdateState(ctx, job.ID, state, domain.JobReady, l.cfg.WriteConcern)
			if err != nil {
				l.logger.Error("reset abandoned job", "job_id", job.ID, "error", err)
				return false
			}
			return ok
		})
	}
	if total > 0 {
		l.logger.Info("reset abandoned jobs", "count", total)
	}
	l.count("abandoned", total)
}

// CheckForNewJobs admits READY jobs while the accountant stays under
// MaxTasksInMemory.
func (l *Loader) CheckForNewJobs(ctx context.Context) {
	st, err := l.acct.Stats(ctx)
	if err != nil {
		l.logger.Warn("accountant stats", "error", err)
		return
	}
	inMemory := st.Tasks()

	admitted, offset := 0, 0
	for ctx.Err() == nil {
		jobs, err := l.jobs.ListByState(ctx, domain.JobReady, domain.Page{Offset: offset, Limit: l.cfg.JobsPerIP})
		if err != nil {
			l.logger.Error("list ready jobs", "error", err)
			break
		}
		if len(jobs) == 0 {
			break
		}
		for _, job := range jobs {
			// an oversized job is still admitted into an empty accountant
			if l.cfg.MaxTasksInMemory > 0 && inMemory > 0 && inMemory+len(job.Tasks) > l.cfg.MaxTasksInMemory {
				l.count("new", admitted)
				return
			}
			n, err := l.admit(ctx, job)
			if err != nil {
				l.logger.Error("admit job", "job_id", job.ID, "error", err)
				if errors.Is(err, errRequeued) {
					offset++
				}
				continue
			}
			inMemory += n
			admitted++
		}
	}
	l.count("new", admitted)
}

func (l *Loader) admit(ctx context.Context, job *domain.Job) (int, error) {
	ok, err := l.jobs.UpdateState(ctx, job.ID, domain.JobReady, domain.JobLoaded, l.cfg.WriteConcern)
	if err != nil {
		return 0, fmt.Errorf("%w: mark loaded: %w", errRequeued, err)
	}
	if !ok {
		return 0, errors.New("job left READY concurrently")
	}

	n, err := l.Materialize(ctx, job)
	if err != nil {
		if _, rerr := l.jobs.UpdateState(ctx, job.ID, domain.JobLoaded, domain.JobReady, l.cfg.WriteConcern); rerr != nil {
			l.logger.Error("revert loaded job", "job_id", job.ID, "error", rerr)
		}
		return 0, fmt.Errorf("%w: %w", errRequeued, err)
	}

	if n == 0 {
		l.logger.Warn("job has no resolvable tasks, finishing it", "job_id", job.ID)
		_, err = l.jobs.UpdateState(ctx, job.ID, domain.JobLoaded, domain.JobFinished, l.cfg.WriteConcern)
		if rerr := l.acct.RemoveJob(ctx, job.ID, job.IPAddress); rerr != nil {
			l.logger.Warn("remove empty job", "job_id", job.ID, "error", rerr)
		}
		return 0, err
	}

	if _, err := l.jobs.UpdateState(ctx, job.ID, domain.JobLoaded, domain.JobRunning, l.cfg.WriteConcern); err != nil {
		return n, fmt.Errorf("mark running: %w", err)
	}
	return n, nil
}

// Materialize builds one dispatchable task per resolvable job task and
// registers them with the accountant. It is safe to repeat: tasks the host
// bucket already holds are not registered again. Returns the task count.
func (l *Loader) Materialize(ctx context.Context, job *domain.Job) (int, error) {
	refIDs := make([]string, 0, len(job.Tasks))
	for _, t := range job.Tasks {
		refIDs = append(refIDs, t.SourceDocumentReferenceID)
	}
	refs, err := l.sources.GetByIDs(ctx, refIDs)
	if err != nil {
		return 0, fmt.Errorf("read source references: %w", err)
	}
	byID := make(map[string]*domain.SourceDocumentReference, len(refs))
	for _, ref := range refs {
		byID[ref.ID] = ref
	}

	existing, err := l.acct.GetTasksFromIP(ctx, job.IPAddress)
	if err != nil {
		return 0, fmt.Errorf("tasks from ip: %w", err)
	}
	present := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		present[id] = struct{}{}
	}

	limits := job.Limits.WithDefaults(l.cfg.DefaultLimits)
	var ids, fresh []string
	for _, jt := range job.Tasks {
		ref, ok := byID[jt.SourceDocumentReferenceID]
		if !ok {
			l.logger.Warn("source reference not found, task skipped", "job_id", job.ID, "reference_id", jt.SourceDocumentReferenceID)
			continue
		}
		id := domain.RetrieveURLID(job.ID, ref.ID)
		ids = append(ids, id)
		if _, ok := present[id]; ok {
			continue
		}

		task := domain.RetrieveURL{
			ID:          id,
			URL:         ref.URL,
			Limits:      limits,
			TaskType:    jt.Type,
			JobID:       job.ID,
			ReferenceID: ref.ID,
			Owner:       job.Owner,
			SubTasks:    jt.SubTasks,
			IPAddress:   job.IPAddress,
		}
		if jt.Type == domain.TaskConditionalDownload {
			task.Headers = l.previousHeaders(ctx, ref)
		}
		if _, err := l.acct.AddTask(ctx, id, task, domain.TaskReady); err != nil {
			return 0, fmt.Errorf("add task: %w", err)
		}
		fresh = append(fresh, id)
	}

	// job list before host bucket: a task is only dispatchable once its
	// job knows about it, so the completion check never sees a partial list
	if err := l.acct.AddTasksToJob(ctx, job.ID, ids); err != nil {
		return 0, fmt.Errorf("add tasks to job: %w", err)
	}
	if len(fresh) > 0 {
		if err := l.acct.AddTasksToIP(ctx, job.IPAddress, fresh); err != nil {
			return 0, fmt.Errorf("add tasks to ip: %w", err)
		}
	}

	l.logger.Debug("job materialized", "job_id", job.ID, "ip", job.IPAddress, "tasks", len(ids), "new", len(fresh))
	return len(ids), nil
}

// previousHeaders returns the response headers of the reference's last
// retrieval, or nil when there is none.
func (l *Loader) previousHeaders(ctx context.Context, ref *domain.SourceDocumentReference) http.Header {
	if ref.LastStatsID == "" {
		return nil
	}
	stats, err := l.stats.GetByID(ctx, ref.LastStatsID)
	if err != nil {
		if !errors.Is(err, domain.ErrStatisticsNotFound) {
			l.logger.Warn("read last statistics", "reference_id", ref.ID, "error", err)
		}
		return nil
	}
	return stats.HTTPResponseHeaders
}

func (l *Loader) count(pass string, n int) {
	if n > 0 {
		metrics.LoaderJobsTotal.WithLabelValues(pass).Add(float64(n))
	}
}
