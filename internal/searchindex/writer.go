// Package searchindex mirrors per-record media flags into the search index.
package searchindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ErlanBelekov/media-harvester/internal/metrics"
	"github.com/ErlanBelekov/media-harvester/internal/retry"
	es "github.com/elastic/go-elasticsearch/v8"
)

const (
	// BatchSize is the most record updates sent in one bulk request.
	BatchSize = 100
	queueSize = 10 * BatchSize
)

// Update carries the flags derived for one record.
type Update struct {
	RecordID      string
	HasMedia      bool
	IsFullText    bool
	HasThumbnails bool
}

type Writer struct {
	client        *es.Client
	index         string
	flushInterval time.Duration
	policy        retry.Policy
	queue         chan Update
	logger        *slog.Logger
}

type Option func(*Writer)

func WithRetryPolicy(p retry.Policy) Option {
	return func(w *Writer) { w.policy = p }
}

func NewWriter(client *es.Client, index string, flushInterval time.Duration, logger *slog.Logger, opts ...Option) *Writer {
	w := &Writer{
		client:        client,
		index:         index,
		flushInterval: flushInterval,
		policy:        retry.Policy{MaxAttempts: 5, Backoff: retry.Linear(10 * time.Second)},
		queue:         make(chan Update, queueSize),
		logger:        logger.With("component", "searchindex"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Enqueue schedules u for the next flush. It never blocks; when the queue
// is full the update is dropped and counted.
func (w *Writer) Enqueue(u Update) {
	select {
	case w.queue <- u:
	default:
		metrics.SearchIndexUpdatesTotal.WithLabelValues("dropped").Inc()
		w.logger.Warn("search index queue full, update dropped", "record_id", u.RecordID)
	}
}

// Start flushes queued updates every flush interval, or as soon as a full
// batch is waiting. Pending updates are flushed once more on shutdown.
func (w *Writer) Start(ctx context.Context) {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	w.logger.Info("search index writer started", "index", w.index, "flush_interval", w.flushInterval)

	pending := make([]Update, 0, BatchSize)
	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		if err := w.Commit(ctx, pending); err != nil {
			w.logger.Error("commit search index updates", "count", len(pending), "error", err)
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			for len(w.queue) > 0 {
				pending = append(pending, <-w.queue)
			}
			flush(shutdownCtx)
			cancel()
			w.logger.Info("search index writer shut down")
			return
		case u := <-w.queue:
			pending = append(pending, u)
			if len(pending) >= BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// Commit writes updates in bulk requests of at most BatchSize, retrying
// each request under the writer's policy.
func (w *Writer) Commit(ctx context.Context, updates []Update) error {
	for start := 0; start < len(updates); start += BatchSize {
		batch := updates[start:min(start+BatchSize, len(updates))]
		body, err := w.encode(batch)
		if err != nil {
			return err
		}

		err = retry.Do(ctx, w.policy, func(ctx context.Context) error {
			return w.bulk(ctx, body)
		})
		if err != nil {
			metrics.SearchIndexUpdatesTotal.WithLabelValues("failed").Add(float64(len(batch)))
			return fmt.Errorf("bulk update %d records: %w", len(batch), err)
		}
		metrics.SearchIndexUpdatesTotal.WithLabelValues("ok").Add(float64(len(batch)))
	}
	return nil
}

func (w *Writer) encode(batch []Update) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, u := range batch {
		meta := map[string]any{
			"update": map[string]any{"_index": w.index, "_id": u.RecordID},
		}
		doc := map[string]any{
			"doc": map[string]any{
				"has_media":      u.HasMedia,
				"is_fulltext":    u.IsFullText,
				"has_thumbnails": u.HasThumbnails,
			},
		}
		if err := enc.Encode(meta); err != nil {
			return nil, fmt.Errorf("encode meta: %w", err)
		}
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("encode doc: %w", err)
		}
	}
	return buf.Bytes(), nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
	} `json:"items"`
}

func (w *Writer) bulk(ctx context.Context, body []byte) error {
	res, err := w.client.Bulk(
		bytes.NewReader(body),
		w.client.Bulk.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("bulk update error: %s", res.String())
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if !parsed.Errors {
		return nil
	}

	failed := 0
	for _, item := range parsed.Items {
		for _, result := range item {
			switch {
			case result.Status == 404:
				// record not indexed yet, nothing to flag
				w.logger.Debug("record missing from search index", "record_id", result.ID)
			case result.Status >= 300:
				failed++
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("bulk update: %d items failed", failed)
	}
	return nil
}
