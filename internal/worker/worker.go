// Package worker pulls tasks from the master, downloads and processes them,
// and reports every outcome back.
package worker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"github.com/ErlanBelekov/media-harvester/internal/downloader"
	hlog "github.com/ErlanBelekov/media-harvester/internal/log"
	"github.com/ErlanBelekov/media-harvester/internal/metrics"
	"github.com/ErlanBelekov/media-harvester/internal/processing"
	"github.com/ErlanBelekov/media-harvester/internal/requestid"
	"github.com/ErlanBelekov/media-harvester/internal/retry"
)

// Master is the worker's view of the master node.
type Master interface {
	RequestTasks(ctx context.Context, maxTasks int) ([]domain.RetrieveURL, error)
	ReportDone(ctx context.Context, report *domain.DoneReport) error
}

type Config struct {
	Slots                      int
	PollInterval               time.Duration
	MinDistanceBetweenRequests time.Duration
	Report                     retry.Policy
}

type Worker struct {
	id         string
	master     Master
	downloader *downloader.Downloader
	pipeline   *processing.Pipeline
	hosts      *hostLimiter
	cfg        Config
	logger     *slog.Logger
	sem        chan struct{}
	wg         sync.WaitGroup
}

func New(
	id string,
	master Master,
	dl *downloader.Downloader,
	pipeline *processing.Pipeline,
	cfg Config,
	logger *slog.Logger,
) *Worker {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.Report.IsRetryable == nil {
		cfg.Report.IsRetryable = Retryable
	}
	return &Worker{
		id:         id,
		master:     master,
		downloader: dl,
		pipeline:   pipeline,
		hosts:      newHostLimiter(cfg.MinDistanceBetweenRequests),
		cfg:        cfg,
		logger:     logger.With("component", "worker"),
		sem:        make(chan struct{}, cfg.Slots),
	}
}

// Start polls for work every PollInterval until ctx is done, then waits for
// in-flight tasks to wind down.
func (w *Worker) Start(ctx context.Context) {
	metrics.WorkerStartTime.SetToCurrentTime()
	ctx = hlog.WithWorkerID(ctx, w.id)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.InfoContext(ctx, "worker started", "slots", w.cfg.Slots)

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			metrics.WorkerShutdownsTotal.Inc()
			w.logger.InfoContext(ctx, "worker shut down")
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	available := cap(w.sem) - len(w.sem)
	if available == 0 {
		return
	}

	tasks, err := w.master.RequestTasks(ctx, available)
	if err != nil {
		w.logger.ErrorContext(ctx, "request tasks", "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	w.logger.DebugContext(ctx, "received tasks", "count", len(tasks), "slots_used", len(w.sem)+len(tasks), "slots_total", cap(w.sem))

	for _, task := range tasks {
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			// the master's timeout sweep hands undelivered tasks out again
			return
		}
		w.wg.Add(1)
		go func(t domain.RetrieveURL) {
			metrics.TasksInFlight.Inc()
			defer metrics.TasksInFlight.Dec()
			defer func() { <-w.sem }()
			defer w.wg.Done()
			w.run(ctx, t)
		}(task)
	}
}

// run retrieves and processes one task and reports the outcome.
func (w *Worker) run(ctx context.Context, task domain.RetrieveURL) {
	logger := w.logger.With("task_id", task.ID, "job_id", task.JobID)

	if err := w.hosts.Wait(ctx, task); err != nil {
		return
	}

	startedAt := time.Now()
	resp := w.downloader.Execute(ctx, task)
	if ctx.Err() != nil {
		// interrupted by shutdown, not a result worth recording
		logger.InfoContext(ctx, "task abandoned on shutdown")
		return
	}

	states, procLog := w.pipeline.Run(ctx, task, resp)
	report := w.buildReport(task, resp, states, procLog, startedAt)

	ctx = requestid.WithRequestID(ctx, requestid.New())
	err := retry.Do(ctx, w.cfg.Report, func(ctx context.Context) error {
		return w.master.ReportDone(ctx, report)
	})
	if err != nil {
		metrics.ReportsTotal.WithLabelValues("failed").Inc()
		logger.ErrorContext(ctx, "report done", "error", err)
		return
	}
	metrics.ReportsTotal.WithLabelValues("sent").Inc()
	logger.DebugContext(ctx, "task reported", "state", report.State, "code", report.HTTPResponseCode)
}

func (w *Worker) buildReport(
	task domain.RetrieveURL,
	resp *downloader.Response,
	states map[domain.SubTaskType]domain.SubTaskState,
	procLog []string,
	startedAt time.Time,
) *domain.DoneReport {
	contentType := resp.ContentType
	if len(resp.Content) > 0 {
		contentType = processing.Sniff(resp.Content, resp.ContentType)
	}

	report := &domain.DoneReport{
		TaskID:            task.ID,
		JobID:             task.JobID,
		ReferenceID:       task.ReferenceID,
		URL:               task.URL,
		TaskType:          task.TaskType,
		WorkerID:          w.id,
		State:             resp.State,
		Unchanged:         resp.Unchanged,
		HTTPResponseCode:  resp.HTTPResponseCode,
		ContentType:       contentType,
		ContentSizeBytes:  resp.ContentSizeBytes,
		Headers:           resp.Headers,
		RedirectPath:      resp.RedirectPath,
		SourceIP:          resp.SourceIP,
		ConnectDuration:   resp.ConnectDuration,
		RetrievalDuration: resp.RetrievalDuration,
		CheckingDuration:  resp.CheckingDuration,
		SubTaskStates:     states,
		Log:               strings.Join(append(resp.Log, procLog...), "\n"),
		StartedAt:         startedAt,
		FinishedAt:        time.Now(),
	}
	if resp.Err != nil {
		report.Error = resp.Err.Error()
	}
	return report
}
