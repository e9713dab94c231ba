package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"

	"github.com/ErlanBelekov/media-harvester/internal/accountant"
	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"github.com/ErlanBelekov/media-harvester/internal/metrics"
)

type DispatcherConfig struct {
	TaskBatchSize                        int
	DefaultMaxConcurrentConnections      int
	IPExceptions                         []string
	IPExceptionsMaxConcurrentConnections int
	IgnoredIPs                           []string
	MinTasksPerIPPercentage              float64 // 0-100
}

// Refiller is told when too few hosts have work left.
type Refiller interface {
	Trigger()
}

// Dispatcher hands batches of READY tasks to workers.
type Dispatcher struct {
	acct       *accountant.Accountant
	refill     Refiller
	cfg        DispatcherConfig
	exceptions map[string]struct{}
	ignored    map[string]struct{}
	shuffle    func(n int, swap func(i, j int))
	logger     *slog.Logger
}

func NewDispatcher(acct *accountant.Accountant, refill Refiller, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		acct:       acct,
		refill:     refill,
		cfg:        cfg,
		exceptions: toSet(cfg.IPExceptions),
		ignored:    toSet(cfg.IgnoredIPs),
		shuffle:    rand.Shuffle,
		logger:     logger.With("component", "dispatcher"),
	}
}

// RequestTasks claims up to min(TaskBatchSize, maxTasks) tasks for workerID. It
// never fails: an unresponsive accountant yields a short or empty batch.
func (d *Dispatcher) RequestTasks(ctx context.Context, workerID string, maxTasks int) []domain.RetrieveURL {
	limit := d.cfg.TaskBatchSize
	if maxTasks > 0 && maxTasks < limit {
		limit = maxTasks
	}

	ips, err := d.acct.IPs(ctx)
	if err != nil {
		d.askFailed("list hosts", err)
		return nil
	}

	pct, err := d.acct.CheckIPsWithJobs(ctx, ips)
	if err != nil {
		d.askFailed("check hosts with jobs", err)
		pct = 100 // unknown, do not force a refill
	}

	batch := d.selectBatch(ctx, ips, limit)

	if pct < d.cfg.MinTasksPerIPPercentage {
		d.logger.Debug("few hosts with work, triggering loader", "percentage", pct, "min", d.cfg.MinTasksPerIPPercentage)
		d.refill.Trigger()
	}

	metrics.TasksDispatchedTotal.Add(float64(len(batch)))
	if len(batch) > 0 {
		d.logger.Info("dispatched tasks", "worker_id", workerID, "count", len(batch), "hosts", len(ips))
	}
	return batch
}

func (d *Dispatcher) selectBatch(ctx context.Context, ips []string, limit int) []domain.RetrieveURL {
	d.shuffle(len(ips), func(i, j int) { ips[i], ips[j] = ips[j], ips[i] })

	batch := make([]domain.RetrieveURL, 0, limit)
	for _, ip := range ips {
		if len(batch) >= limit {
			break
		}
		if _, skip := d.ignored[ip]; skip {
			continue
		}

		ids, err := d.acct.GetTasksFromIP(ctx, ip)
		if err != nil {
			d.askFailed("tasks from ip", err)
			continue
		}
		_, isException := d.exceptions[ip]

	host:
		for _, id := range ids {
			if len(batch) >= limit {
				break
			}
			task, res, err := d.acct.Claim(ctx, id, ip, isException,
				d.cfg.DefaultMaxConcurrentConnections, d.cfg.IPExceptionsMaxConcurrentConnections)
			if err != nil {
				d.askFailed("claim", err)
				break
			}
			switch res {
			case accountant.Claimed:
				batch = append(batch, task)
			case accountant.LimitReached:
				metrics.ClaimsRejectedTotal.WithLabelValues("limit_reached").Inc()
				break host
			case accountant.NotReady:
			}
		}
	}
	return batch
}

func (d *Dispatcher) askFailed(op string, err error) {
	if errors.Is(err, accountant.ErrAskTimeout) {
		metrics.AskTimeoutsTotal.WithLabelValues("dispatcher").Inc()
	}
	d.logger.Warn("accountant query failed", "op", op, "error", err)
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
