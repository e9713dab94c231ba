package scheduler_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/ErlanBelekov/media-harvester/internal/accountant"
	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"github.com/ErlanBelekov/media-harvester/internal/scheduler"
)

type monitorFixture struct {
	acct     *accountant.Accountant
	jobs     *memJobs
	sources  *memSources
	stats    *memStats
	notifier *recordingNotifier
	index    *recordingIndex
	monitor  *scheduler.Monitor
	dispatch *scheduler.Dispatcher
	refs     []*domain.SourceDocumentReference
}

func newMonitorFixture(t *testing.T, tasks int, opts ...accountant.Option) *monitorFixture {
	t.Helper()
	f := &monitorFixture{
		acct:     startAccountant(t, opts...),
		stats:    newMemStats(),
		notifier: &recordingNotifier{},
		index:    &recordingIndex{},
	}
	job, refs := fixture("j1", "10.0.0.1", tasks, domain.JobReady)
	f.refs = refs
	f.jobs = newMemJobs(job)
	f.sources = newMemSources(refs...)

	loader := newLoader(t, f.acct, f.jobs, f.sources, f.stats)
	loader.RunOnce(context.Background())

	f.monitor = scheduler.NewMonitor(f.jobs, f.sources, f.stats, f.acct, f.notifier, f.index, scheduler.MonitorConfig{
		ResponseTimeout: time.Minute,
		CheckInterval:   time.Second,
	}, discard)
	f.dispatch = scheduler.NewDispatcher(f.acct, &countingRefiller{}, dispatcherConfig(), discard)
	return f
}

func report(task domain.RetrieveURL) *domain.DoneReport {
	return &domain.DoneReport{
		TaskID:           task.ID,
		JobID:            task.JobID,
		ReferenceID:      task.ReferenceID,
		URL:              task.URL,
		TaskType:         task.TaskType,
		State:            domain.RetrieveCompleted,
		HTTPResponseCode: 200,
		ContentType:      "image/jpeg",
		ContentSizeBytes: 1024,
		Headers:          http.Header{"Content-Length": {"1024"}},
		RedirectPath:     []string{task.URL + "?moved"},
		SubTaskStates:    map[domain.SubTaskType]domain.SubTaskState{domain.SubTaskGenerateThumbnail: domain.SubTaskSuccess},
	}
}

func TestHandleDone_FinishesJobWhenAllTasksDone(t *testing.T) {
	f := newMonitorFixture(t, 2)
	ctx := context.Background()

	batch := f.dispatch.RequestTasks(ctx, "w1", 10)
	if len(batch) != 2 {
		t.Fatalf("batch = %d, want 2", len(batch))
	}

	if err := f.monitor.HandleDone(ctx, report(batch[0])); err != nil {
		t.Fatalf("HandleDone: %v", err)
	}
	if s := f.jobs.state("j1"); s != domain.JobRunning {
		t.Fatalf("state after one of two = %s, want RUNNING", s)
	}
	if len(f.notifier.finished) != 0 {
		t.Fatal("job must not be reported finished early")
	}

	if err := f.monitor.HandleDone(ctx, report(batch[1])); err != nil {
		t.Fatalf("HandleDone: %v", err)
	}
	if s := f.jobs.state("j1"); s != domain.JobFinished {
		t.Fatalf("state = %s, want FINISHED", s)
	}
	if loaded, _ := f.acct.IsJobLoaded(ctx, "j1"); loaded {
		t.Fatal("finished job must be released from the accountant")
	}
	if len(f.notifier.finished) != 1 || f.notifier.finished[0] != "j1" {
		t.Fatalf("notified = %v, want [j1]", f.notifier.finished)
	}
	if len(f.index.updates) != 1 {
		t.Fatalf("index updates = %d, want 1", len(f.index.updates))
	}
	u := f.index.updates[0]
	if u.RecordID != "rec-j1" || !u.HasMedia || !u.HasThumbnails || u.IsFullText {
		t.Fatalf("index update = %+v", u)
	}
}

func TestHandleDone_PersistsStatisticsAndReference(t *testing.T) {
	f := newMonitorFixture(t, 1)
	ctx := context.Background()

	batch := f.dispatch.RequestTasks(ctx, "w1", 10)
	if err := f.monitor.HandleDone(ctx, report(batch[0])); err != nil {
		t.Fatalf("HandleDone: %v", err)
	}

	if f.stats.count() != 1 {
		t.Fatalf("statistics saved = %d, want 1", f.stats.count())
	}
	ref := f.sources.get(f.refs[0].ID)
	if ref.LastStatsID == "" {
		t.Fatal("reference must point at the new statistics")
	}
	st, err := f.stats.GetByID(ctx, ref.LastStatsID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if st.ReferenceID != ref.ID || st.RetrieveState != domain.RetrieveCompleted || st.JobID != "j1" {
		t.Fatalf("statistics = %+v", st)
	}
	if len(ref.RedirectPath) != 1 {
		t.Fatalf("redirect path = %v, want the reported chain", ref.RedirectPath)
	}
}

func TestHandleDone_UnknownTaskFallsBackToURL(t *testing.T) {
	f := newMonitorFixture(t, 1)
	ctx := context.Background()

	r := &domain.DoneReport{
		TaskID: "gone",
		URL:    f.refs[0].URL,
		State:  domain.RetrieveError,
	}
	if err := f.monitor.HandleDone(ctx, r); err != nil {
		t.Fatalf("HandleDone: %v", err)
	}
	if ref := f.sources.get(f.refs[0].ID); ref.LastStatsID == "" {
		t.Fatal("statistics should be attached through the URL lookup")
	}
}

func TestCheckForTaskTimeout_ResetsLostTasks(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := func() time.Time { return now }
	f := newMonitorFixture(t, 1, accountant.WithClock(clk))
	ctx := context.Background()

	if got := f.dispatch.RequestTasks(ctx, "w1", 10); len(got) != 1 {
		t.Fatalf("batch = %d, want 1", len(got))
	}

	// monitor uses the wall clock; the claim is stamped an hour in the past
	f.monitor.CheckForTaskTimeout(ctx)

	got := f.dispatch.RequestTasks(ctx, "w2", 10)
	if len(got) != 1 {
		t.Fatalf("redispatched %d tasks, want 1", len(got))
	}

	f.monitor.CheckForTaskTimeout(ctx)
	st, _ := f.acct.Stats(ctx)
	if st.Ready != 1 {
		t.Fatalf("ready = %d, want 1 after second sweep", st.Ready)
	}
}

func TestCheckForCompletedJobs_RecoversFailedFinish(t *testing.T) {
	tests := []struct {
		name               string
		gets, stateUpdates int
	}{
		{"state write fails", 0, 1},
		{"job read fails", 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMonitorFixture(t, 1)
			ctx := context.Background()

			batch := f.dispatch.RequestTasks(ctx, "w1", 10)
			if len(batch) != 1 {
				t.Fatalf("batch = %d, want 1", len(batch))
			}

			f.jobs.failNext(tt.gets, tt.stateUpdates)
			if err := f.monitor.HandleDone(ctx, report(batch[0])); err != nil {
				t.Fatalf("HandleDone: %v", err)
			}
			if s := f.jobs.state("j1"); s == domain.JobFinished {
				t.Fatal("finish write was expected to fail")
			}
			if loaded, _ := f.acct.IsJobLoaded(ctx, "j1"); !loaded {
				t.Fatal("job must stay loaded until it is finished")
			}

			f.monitor.CheckForTaskTimeout(ctx)
			f.monitor.CheckForCompletedJobs(ctx)

			if s := f.jobs.state("j1"); s != domain.JobFinished {
				t.Fatalf("state = %s, want FINISHED after the completion sweep", s)
			}
			if loaded, _ := f.acct.IsJobLoaded(ctx, "j1"); loaded {
				t.Fatal("finished job must be released from the accountant")
			}
			if len(f.notifier.finished) != 1 {
				t.Fatalf("notified = %v, want one notice", f.notifier.finished)
			}
		})
	}
}

func TestCheckForCompletedJobs_IgnoresUnfinishedJobs(t *testing.T) {
	f := newMonitorFixture(t, 2)
	ctx := context.Background()

	batch := f.dispatch.RequestTasks(ctx, "w1", 10)
	if err := f.monitor.HandleDone(ctx, report(batch[0])); err != nil {
		t.Fatalf("HandleDone: %v", err)
	}

	f.monitor.CheckForCompletedJobs(ctx)
	if s := f.jobs.state("j1"); s != domain.JobRunning {
		t.Fatalf("state = %s, want RUNNING with one task outstanding", s)
	}
	if len(f.notifier.finished) != 0 {
		t.Fatalf("notified = %v, want none", f.notifier.finished)
	}
}

func TestHandleDone_LateReportAfterFinishIsNoop(t *testing.T) {
	f := newMonitorFixture(t, 1)
	ctx := context.Background()

	batch := f.dispatch.RequestTasks(ctx, "w1", 10)
	if err := f.monitor.HandleDone(ctx, report(batch[0])); err != nil {
		t.Fatalf("HandleDone: %v", err)
	}
	if s := f.jobs.state("j1"); s != domain.JobFinished {
		t.Fatalf("state = %s, want FINISHED", s)
	}
	lastStats := f.sources.get(f.refs[0].ID).LastStatsID

	if err := f.monitor.HandleDone(ctx, report(batch[0])); err != nil {
		t.Fatalf("duplicate HandleDone: %v", err)
	}

	if f.stats.count() != 1 {
		t.Fatalf("statistics saved = %d, want the duplicate ignored", f.stats.count())
	}
	if got := f.sources.get(f.refs[0].ID).LastStatsID; got != lastStats {
		t.Fatalf("reference moved to %q, want %q", got, lastStats)
	}
	if s := f.jobs.state("j1"); s != domain.JobFinished {
		t.Fatalf("state = %s, want FINISHED", s)
	}
	if len(f.notifier.finished) != 1 || len(f.index.updates) != 1 {
		t.Fatalf("notified = %v index updates = %d, want one of each", f.notifier.finished, len(f.index.updates))
	}
}
