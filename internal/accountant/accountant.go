// Package accountant is the master's single in-memory authority over which
// dispatchable tasks exist, which host each belongs to and how many are in
// flight per host.
//
// All state is owned by one goroutine (Run). Every exported method is an
// "ask": it ships a closure to that goroutine and waits for the answer for
// at most the configured ask timeout. Callers treat ErrAskTimeout as "no
// answer" and degrade.
package accountant

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ErlanBelekov/media-harvester/internal/domain"
)

// DefaultAskTimeout bounds every query against the accountant.
const DefaultAskTimeout = 10 * time.Second

var (
	ErrAskTimeout = errors.New("accountant: ask timed out")
	ErrStopped    = errors.New("accountant: stopped")
)

// ClaimResult tells the dispatcher why a claim did or did not hand out a task.
type ClaimResult int

const (
	Claimed ClaimResult = iota
	NotReady
	LimitReached
)

type Accountant struct {
	cmds       chan func(*index)
	askTimeout time.Duration
	logger     *slog.Logger
	now        func() time.Time
	stopped    chan struct{}
}

type Option func(*Accountant)

// WithClock overrides the clock used to stamp PROCESSING tasks.
func WithClock(now func() time.Time) Option {
	return func(a *Accountant) { a.now = now }
}

func New(logger *slog.Logger, askTimeout time.Duration, opts ...Option) *Accountant {
	if askTimeout <= 0 {
		askTimeout = DefaultAskTimeout
	}
	a := &Accountant{
		cmds:       make(chan func(*index)),
		askTimeout: askTimeout,
		logger:     logger.With("component", "accountant"),
		now:        time.Now,
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run owns the index until ctx is cancelled. It must be started exactly once.
func (a *Accountant) Run(ctx context.Context) {
	defer close(a.stopped)
	idx := newIndex()

	a.logger.Info("accountant started", "ask_timeout", a.askTimeout)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("accountant shut down")
			return
		case cmd := <-a.cmds:
			cmd(idx)
		}
	}
}

// ask runs fn on the owning goroutine and returns its result.
func ask[T any](ctx context.Context, a *Accountant, fn func(*index) T) (T, error) {
	var zero T

	ctx, cancel := context.WithTimeout(ctx, a.askTimeout)
	defer cancel()

	reply := make(chan T, 1)
	cmd := func(idx *index) { reply <- fn(idx) }

	select {
	case a.cmds <- cmd:
	case <-a.stopped:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ErrAskTimeout
	}

	select {
	case v := <-reply:
		return v, nil
	case <-a.stopped:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ErrAskTimeout
	}
}

// AddTask registers a dispatchable task. An id that is already known keeps
// its current entry; the return value reports whether it was added.
func (a *Accountant) AddTask(ctx context.Context, id string, task domain.RetrieveURL, state domain.TaskState) (bool, error) {
	return ask(ctx, a, func(idx *index) bool {
		return idx.addTask(id, task, state, a.now())
	})
}

// AddTasksToJob merges ids into the job's task list, preserving order.
func (a *Accountant) AddTasksToJob(ctx context.Context, jobID string, ids []string) error {
	_, err := ask(ctx, a, func(idx *index) struct{} {
		idx.addTasksToJob(jobID, ids)
		return struct{}{}
	})
	return err
}

// AddTasksToIP merges ids into the host bucket. An id that sits in another
// bucket is moved, so every task is in exactly one bucket.
func (a *Accountant) AddTasksToIP(ctx context.Context, ip string, ids []string) error {
	_, err := ask(ctx, a, func(idx *index) struct{} {
		idx.addTasksToIP(ip, ids)
		return struct{}{}
	})
	return err
}

func (a *Accountant) GetTasksFromIP(ctx context.Context, ip string) ([]string, error) {
	return ask(ctx, a, func(idx *index) []string {
		return idx.tasksFromIP(ip)
	})
}

func (a *Accountant) GetTask(ctx context.Context, id string) (domain.RetrieveURL, bool, error) {
	type result struct {
		task domain.RetrieveURL
		ok   bool
	}
	r, err := ask(ctx, a, func(idx *index) result {
		e, ok := idx.tasks[id]
		if !ok {
			return result{}
		}
		return result{task: copyRetrieveURL(e.task), ok: true}
	})
	return r.task, r.ok, err
}

// GetTaskStatesPerJob returns the states of the job's tasks in job order.
func (a *Accountant) GetTaskStatesPerJob(ctx context.Context, jobID string) ([]domain.TaskState, error) {
	return ask(ctx, a, func(idx *index) []domain.TaskState {
		return idx.taskStatesPerJob(jobID)
	})
}

// CompletedJobs returns the loaded jobs whose every task is DONE.
func (a *Accountant) CompletedJobs(ctx context.Context) ([]string, error) {
	return ask(ctx, a, func(idx *index) []string {
		return idx.completedJobs()
	})
}

func (a *Accountant) IsJobLoaded(ctx context.Context, jobID string) (bool, error) {
	return ask(ctx, a, func(idx *index) bool {
		_, ok := idx.jobs[jobID]
		return ok
	})
}

// GetRetrieveURL marks the task PROCESSING and returns it, but only when the
// task is READY and ip still has a free slot under the applicable limit.
func (a *Accountant) GetRetrieveURL(ctx context.Context, id, ip string, isException bool, defaultLimit, exceptionLimit int) (domain.RetrieveURL, bool, error) {
	task, res, err := a.Claim(ctx, id, ip, isException, defaultLimit, exceptionLimit)
	return task, res == Claimed, err
}

// Claim is GetRetrieveURL that also reports why nothing was handed out.
func (a *Accountant) Claim(ctx context.Context, id, ip string, isException bool, defaultLimit, exceptionLimit int) (domain.RetrieveURL, ClaimResult, error) {
	limit := defaultLimit
	if isException {
		limit = exceptionLimit
	}
	type result struct {
		task domain.RetrieveURL
		res  ClaimResult
	}
	r, err := ask(ctx, a, func(idx *index) result {
		task, res := idx.claim(id, ip, limit, a.now())
		return result{task: task, res: res}
	})
	if err != nil {
		return domain.RetrieveURL{}, NotReady, err
	}
	return r.task, r.res, nil
}

// CheckIPsWithJobs returns the percentage (0-100) of candidate hosts that
// have at least one dispatchable READY task.
func (a *Accountant) CheckIPsWithJobs(ctx context.Context, candidateIPs []string) (float64, error) {
	return ask(ctx, a, func(idx *index) float64 {
		return idx.percentageWithReadyTasks(candidateIPs)
	})
}

// IPs returns every host that currently has a bucket.
func (a *Accountant) IPs(ctx context.Context) ([]string, error) {
	return ask(ctx, a, func(idx *index) []string {
		ips := make([]string, 0, len(idx.ips))
		for ip := range idx.ips {
			ips = append(ips, ip)
		}
		return ips
	})
}

// PauseTasks excludes the job's tasks from dispatch without discarding them.
// Tasks already PROCESSING finish normally.
func (a *Accountant) PauseTasks(ctx context.Context, jobID string) error {
	_, err := ask(ctx, a, func(idx *index) struct{} {
		if _, ok := idx.jobs[jobID]; ok {
			idx.paused[jobID] = struct{}{}
		}
		return struct{}{}
	})
	return err
}

func (a *Accountant) ResumeTasks(ctx context.Context, jobID string) error {
	_, err := ask(ctx, a, func(idx *index) struct{} {
		delete(idx.paused, jobID)
		return struct{}{}
	})
	return err
}

// MarkDone moves a task to DONE. It returns false for unknown tasks and for
// tasks that are already DONE.
func (a *Accountant) MarkDone(ctx context.Context, id string) (bool, error) {
	return ask(ctx, a, func(idx *index) bool {
		return idx.transition(id, domain.TaskDone, a.now()) == nil
	})
}

// ResetTimedOut moves every task PROCESSING since before cutoff back to
// READY and returns their ids.
func (a *Accountant) ResetTimedOut(ctx context.Context, cutoff time.Time) ([]string, error) {
	return ask(ctx, a, func(idx *index) []string {
		return idx.resetTimedOut(cutoff, a.now())
	})
}

// RemoveJob drops all bookkeeping for a finished job, freeing its host slots.
func (a *Accountant) RemoveJob(ctx context.Context, jobID, ip string) error {
	_, err := ask(ctx, a, func(idx *index) struct{} {
		idx.removeJob(jobID, ip)
		return struct{}{}
	})
	return err
}

// Stats is a point-in-time summary used for metrics and the loader's memory bound.
type Stats struct {
	Jobs       int
	Hosts      int
	Ready      int
	Processing int
	Done       int
}

func (s Stats) Tasks() int { return s.Ready + s.Processing + s.Done }

func (a *Accountant) Stats(ctx context.Context) (Stats, error) {
	return ask(ctx, a, func(idx *index) Stats {
		st := Stats{Jobs: len(idx.jobs), Hosts: len(idx.ips)}
		for _, e := range idx.tasks {
			switch e.state {
			case domain.TaskReady:
				st.Ready++
			case domain.TaskProcessing:
				st.Processing++
			case domain.TaskDone:
				st.Done++
			}
		}
		return st
	})
}
