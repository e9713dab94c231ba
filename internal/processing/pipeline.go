// Package processing runs a task's subtasks over downloaded content.
package processing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"github.com/ErlanBelekov/media-harvester/internal/downloader"
)

// Processor executes one subtask type.
type Processor interface {
	Process(ctx context.Context, task domain.RetrieveURL, sub domain.SubTask, content []byte) Result
}

type Result struct {
	State domain.SubTaskState
	Log   string
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc func(ctx context.Context, task domain.RetrieveURL, sub domain.SubTask, content []byte) Result

func (f ProcessorFunc) Process(ctx context.Context, task domain.RetrieveURL, sub domain.SubTask, content []byte) Result {
	return f(ctx, task, sub, content)
}

type Pipeline struct {
	processors map[domain.SubTaskType]Processor
	logger     *slog.Logger
}

type Option func(*Pipeline)

// WithProcessor registers p for subtasks of type t, replacing any previous one.
func WithProcessor(t domain.SubTaskType, p Processor) Option {
	return func(pl *Pipeline) {
		pl.processors[t] = p
	}
}

// NewPipeline returns a pipeline with META_EXTRACTION registered. Subtask
// types without a processor are reported NEVER_EXECUTED.
func NewPipeline(logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		processors: map[domain.SubTaskType]Processor{
			domain.SubTaskMetaExtraction: MetaExtractor{},
		},
		logger: logger.With("component", "pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the task's subtasks in order. Nothing runs unless the
// download completed with fresh content.
func (p *Pipeline) Run(ctx context.Context, task domain.RetrieveURL, resp *downloader.Response) (map[domain.SubTaskType]domain.SubTaskState, []string) {
	states := make(map[domain.SubTaskType]domain.SubTaskState, len(task.SubTasks))
	for _, sub := range task.SubTasks {
		states[sub.Type] = domain.SubTaskNeverExecuted
	}

	switch {
	case resp.State != domain.RetrieveCompleted:
		return states, nil
	case resp.Unchanged, task.TaskType == domain.TaskCheckLink:
		return states, nil
	case len(resp.Content) == 0:
		return states, []string{"no content to process"}
	}

	var log []string
	for _, sub := range task.SubTasks {
		if ctx.Err() != nil {
			break
		}
		proc, ok := p.processors[sub.Type]
		if !ok {
			continue
		}
		res := p.run(ctx, proc, task, sub, resp.Content)
		states[sub.Type] = worse(states[sub.Type], res.State)
		if res.Log != "" {
			log = append(log, fmt.Sprintf("%s: %s", sub.Type, res.Log))
		}
	}
	return states, log
}

func (p *Pipeline) run(ctx context.Context, proc Processor, task domain.RetrieveURL, sub domain.SubTask, content []byte) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("processor panicked", "task_id", task.ID, "subtask", sub.Type, "panic", r)
			res = Result{State: domain.SubTaskError, Log: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return proc.Process(ctx, task, sub, content)
}

var severity = map[domain.SubTaskState]int{
	domain.SubTaskNeverExecuted: 0,
	domain.SubTaskSuccess:       1,
	domain.SubTaskFailed:        2,
	domain.SubTaskError:         3,
}

// worse keeps the more severe outcome when a type appears more than once,
// e.g. one GENERATE_THUMBNAIL per size.
func worse(a, b domain.SubTaskState) domain.SubTaskState {
	if severity[b] > severity[a] {
		return b
	}
	return a
}
