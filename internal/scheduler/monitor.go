package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ErlanBelekov/media-harvester/internal/accountant"
	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"github.com/ErlanBelekov/media-harvester/internal/metrics"
	"github.com/ErlanBelekov/media-harvester/internal/repository"
	"github.com/ErlanBelekov/media-harvester/internal/searchindex"
	"github.com/google/uuid"
)

// Notifier is told about every job that finished.
type Notifier interface {
	JobFinished(ctx context.Context, job *domain.Job) error
}

// IndexMirror receives the record flags of a finished job.
type IndexMirror interface {
	Enqueue(u searchindex.Update)
}

type MonitorConfig struct {
	ResponseTimeout time.Duration
	CheckInterval   time.Duration
	WriteConcern    repository.WriteConcern
}

// Monitor records completion reports and returns lost tasks to READY.
type Monitor struct {
	jobs     repository.JobRepository
	sources  repository.SourceDocumentRepository
	stats    repository.StatisticsRepository
	acct     *accountant.Accountant
	notifier Notifier
	index    IndexMirror
	cfg      MonitorConfig
	now      func() time.Time
	logger   *slog.Logger
}

func NewMonitor(
	jobs repository.JobRepository,
	sources repository.SourceDocumentRepository,
	stats repository.StatisticsRepository,
	acct *accountant.Accountant,
	notifier Notifier,
	index IndexMirror,
	cfg MonitorConfig,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		jobs:     jobs,
		sources:  sources,
		stats:    stats,
		acct:     acct,
		notifier: notifier,
		index:    index,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With("component", "monitor"),
	}
}

func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.logger.Info("monitor started", "interval", m.cfg.CheckInterval, "response_timeout", m.cfg.ResponseTimeout)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor shut down")
			return
		case <-ticker.C:
			m.CheckForTaskTimeout(ctx)
			m.CheckForCompletedJobs(ctx)
			m.publishStats(ctx)
		}
	}
}

// CheckForTaskTimeout returns tasks PROCESSING for longer than the response
// timeout to READY so ordinary dispatch picks them up again.
func (m *Monitor) CheckForTaskTimeout(ctx context.Context) {
	reset, err := m.acct.ResetTimedOut(ctx, m.now().Add(-m.cfg.ResponseTimeout))
	if err != nil {
		m.askFailed("reset timed out", err)
		return
	}
	if len(reset) > 0 {
		metrics.TasksTimedOutTotal.Add(float64(len(reset)))
		m.logger.Warn("reset timed out tasks", "count", len(reset))
	}
}

// CheckForCompletedJobs finishes loaded jobs whose tasks are all DONE. A
// job gets here when its FINISHED write failed on the last report.
func (m *Monitor) CheckForCompletedJobs(ctx context.Context) {
	ids, err := m.acct.CompletedJobs(ctx)
	if err != nil {
		m.askFailed("completed jobs", err)
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		m.finishIfComplete(ctx, id)
	}
}

func (m *Monitor) publishStats(ctx context.Context) {
	st, err := m.acct.Stats(ctx)
	if err != nil {
		m.askFailed("stats", err)
		return
	}
	metrics.AccountantTasks.WithLabelValues(string(domain.TaskReady)).Set(float64(st.Ready))
	metrics.AccountantTasks.WithLabelValues(string(domain.TaskProcessing)).Set(float64(st.Processing))
	metrics.AccountantTasks.WithLabelValues(string(domain.TaskDone)).Set(float64(st.Done))
}

// HandleDone records a worker's report. An error means nothing was marked
// DONE and the worker should send the report again.
func (m *Monitor) HandleDone(ctx context.Context, report *domain.DoneReport) error {
	metrics.TasksDoneTotal.WithLabelValues(string(report.State)).Inc()

	jobID, refID := report.JobID, report.ReferenceID
	task, known, err := m.acct.GetTask(ctx, report.TaskID)
	if err != nil {
		m.askFailed("get task", err)
	}
	if known {
		jobID, refID = task.JobID, task.ReferenceID
	} else if m.jobFinished(ctx, jobID) {
		m.logger.Debug("report for finished job ignored", "task_id", report.TaskID, "job_id", jobID)
		return nil
	}

	ref, err := m.resolveReference(ctx, refID, report.URL)
	if err != nil {
		return err
	}

	if ref != nil {
		stats := m.statistics(report, ref, jobID)
		if err := m.stats.CreateOrUpdate(ctx, stats, m.cfg.WriteConcern); err != nil {
			return fmt.Errorf("save statistics: %w", err)
		}

		ref.LastStatsID = stats.ID
		if len(report.RedirectPath) > 0 {
			ref.RedirectPath = report.RedirectPath
		}
		ref.UpdatedAt = m.now()
		if err := m.sources.Update(ctx, ref, m.cfg.WriteConcern); err != nil {
			// statistics are saved; a stale pointer only costs a full download next time
			m.logger.Error("update source reference", "reference_id", ref.ID, "error", err)
		}
	} else {
		m.logger.Warn("no source reference for report", "task_id", report.TaskID, "url", report.URL)
	}

	if _, err := m.acct.MarkDone(ctx, report.TaskID); err != nil {
		// the timeout sweep will hand the task out again
		m.askFailed("mark done", err)
		return nil
	}

	m.finishIfComplete(ctx, jobID)
	return nil
}

func (m *Monitor) resolveReference(ctx context.Context, refID, url string) (*domain.SourceDocumentReference, error) {
	if refID != "" {
		refs, err := m.sources.GetByIDs(ctx, []string{refID})
		if err != nil {
			return nil, fmt.Errorf("read source reference: %w", err)
		}
		if len(refs) > 0 {
			return refs[0], nil
		}
	}
	if url == "" {
		return nil, nil
	}
	ref, err := m.sources.FindByURL(ctx, url)
	if errors.Is(err, domain.ErrSourceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find source reference: %w", err)
	}
	return ref, nil
}

func (m *Monitor) statistics(r *domain.DoneReport, ref *domain.SourceDocumentReference, jobID string) *domain.ProcessingStatistics {
	now := m.now()
	log := r.Log
	if r.Error != "" {
		log = strings.TrimSpace(log + "\n" + r.Error)
	}
	return &domain.ProcessingStatistics{
		ID:                  uuid.NewString(),
		CreatedAt:           now,
		UpdatedAt:           now,
		Active:              true,
		TaskType:            r.TaskType,
		RetrieveState:       r.State,
		Owner:               ref.Owner,
		URLSourceType:       ref.URLSourceType,
		ReferenceID:         ref.ID,
		JobID:               jobID,
		HTTPResponseCode:    r.HTTPResponseCode,
		ContentType:         r.ContentType,
		ContentSizeBytes:    r.ContentSizeBytes,
		ConnectDuration:     r.ConnectDuration,
		RetrievalDuration:   r.RetrievalDuration,
		CheckingDuration:    r.CheckingDuration,
		SourceIP:            r.SourceIP,
		HTTPResponseHeaders: r.Headers,
		Log:                 log,
		SubTaskStates:       r.SubTaskStates,
	}
}

// finishIfComplete finishes the job once every one of its tasks is DONE.
func (m *Monitor) finishIfComplete(ctx context.Context, jobID string) {
	if jobID == "" {
		return
	}
	states, err := m.acct.GetTaskStatesPerJob(ctx, jobID)
	if err != nil {
		m.askFailed("task states per job", err)
		return
	}
	if len(states) == 0 {
		return
	}
	for _, s := range states {
		if s != domain.TaskDone {
			return
		}
	}

	job, err := m.jobs.GetByID(ctx, jobID)
	if err != nil {
		m.logger.Error("load finished job", "job_id", jobID, "error", err)
		return
	}
	if job.State == domain.JobFinished {
		// finished earlier but still loaded
		if err := m.acct.RemoveJob(ctx, jobID, job.IPAddress); err != nil {
			m.askFailed("remove job", err)
		}
		return
	}
	next, err := job.WithState(domain.JobFinished)
	if err != nil {
		return
	}
	ok, err := m.jobs.UpdateState(ctx, jobID, job.State, next.State, m.cfg.WriteConcern)
	if err != nil {
		m.logger.Error("mark job finished", "job_id", jobID, "error", err)
		return
	}
	if !ok {
		// another report finished it first
		return
	}

	if err := m.acct.RemoveJob(ctx, jobID, job.IPAddress); err != nil {
		m.askFailed("remove job", err)
	}
	metrics.JobsFinishedTotal.Inc()
	m.logger.Info("job finished", "job_id", jobID, "tasks", len(states))

	m.mirror(ctx, next)
	if m.notifier != nil {
		if err := m.notifier.JobFinished(ctx, next); err != nil {
			m.logger.Warn("notify job finished", "job_id", jobID, "error", err)
		}
	}
}

func (m *Monitor) jobFinished(ctx context.Context, jobID string) bool {
	if jobID == "" {
		return false
	}
	job, err := m.jobs.GetByID(ctx, jobID)
	return err == nil && job.State == domain.JobFinished
}

// mirror derives the record flags from the last statistics of every
// reference the job touched.
func (m *Monitor) mirror(ctx context.Context, job *domain.Job) {
	if m.index == nil || job.Owner.RecordID == "" {
		return
	}
	refIDs := make([]string, 0, len(job.Tasks))
	for _, t := range job.Tasks {
		refIDs = append(refIDs, t.SourceDocumentReferenceID)
	}
	refs, err := m.sources.GetByIDs(ctx, refIDs)
	if err != nil {
		m.logger.Warn("read references for search index", "job_id", job.ID, "error", err)
		return
	}

	u := searchindex.Update{RecordID: job.Owner.RecordID}
	for _, ref := range refs {
		if ref.LastStatsID == "" {
			continue
		}
		st, err := m.stats.GetByID(ctx, ref.LastStatsID)
		if err != nil {
			continue
		}
		applyFlags(&u, st)
	}
	m.index.Enqueue(u)
}

func applyFlags(u *searchindex.Update, st *domain.ProcessingStatistics) {
	if st.RetrieveState != domain.RetrieveCompleted || st.HTTPResponseCode >= 400 {
		return
	}
	if st.TaskType != domain.TaskCheckLink {
		u.HasMedia = true
	}
	ct := strings.ToLower(st.ContentType)
	if strings.HasPrefix(ct, "application/pdf") || strings.HasPrefix(ct, "text/plain") {
		u.IsFullText = true
	}
	if st.SubTaskStates[domain.SubTaskGenerateThumbnail] == domain.SubTaskSuccess {
		u.HasThumbnails = true
	}
}

func (m *Monitor) askFailed(op string, err error) {
	if errors.Is(err, accountant.ErrAskTimeout) {
		metrics.AskTimeoutsTotal.WithLabelValues("monitor").Inc()
	}
	m.logger.Warn("accountant query failed", "op", op, "error", err)
}
