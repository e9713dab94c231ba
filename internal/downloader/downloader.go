// Package downloader retrieves one URL under a task's limits and reports a
// terminal state instead of an error.
package downloader

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync"
	"time"

	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"github.com/ErlanBelekov/media-harvester/internal/metrics"
)

const (
	DefaultRateWindow = 5 * time.Second
	readBufferSize    = 32 << 10
)

var (
	errTimeLimit = errors.New("time limit exceeded")
	errRateLimit = errors.New("transfer rate below floor")
)

// Response is the outcome of one retrieval.
type Response struct {
	State     domain.RetrieveState
	Unchanged bool // conditional download skipped, content length matched

	HTTPResponseCode int
	ContentType      string
	ContentSizeBytes int64
	Headers          http.Header
	Content          []byte // nil for CHECK_LINK and unchanged content
	RedirectPath     []string
	SourceIP         string

	ConnectDuration   time.Duration
	CheckingDuration  time.Duration
	RetrievalDuration time.Duration

	Log []string
	Err error
}

func (r *Response) logf(format string, args ...any) {
	r.Log = append(r.Log, fmt.Sprintf(format, args...))
}

type Downloader struct {
	logger     *slog.Logger
	rateWindow time.Duration
}

type Option func(*Downloader)

// WithRateWindow sets how long a transfer may run before the byte-rate floor
// applies, and how often a stalled transfer is checked.
func WithRateWindow(d time.Duration) Option {
	return func(dl *Downloader) {
		if d > 0 {
			dl.rateWindow = d
		}
	}
}

func New(logger *slog.Logger, opts ...Option) *Downloader {
	d := &Downloader{
		logger:     logger.With("component", "downloader"),
		rateWindow: DefaultRateWindow,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute runs task to completion. Nothing is retried.
func (d *Downloader) Execute(ctx context.Context, task domain.RetrieveURL) *Response {
	limits := task.Limits
	start := time.Now()
	res := &Response{}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   limits.ConnectionTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // media hosts routinely serve broken chains
		TLSHandshakeTimeout: limits.ConnectionTimeout,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if allowed := max(limits.MaxRedirects, 0); len(via) > allowed {
				return fmt.Errorf("stopped after %d redirects", allowed)
			}
			res.RedirectPath = append(res.RedirectPath, req.URL.String())
			return nil
		},
	}

	if limits.TimeLimit > 0 {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithDeadlineCause(ctx, start.Add(limits.TimeLimit), errTimeLimit)
		defer cancelDeadline()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var connStart time.Time
	trace := &httptrace.ClientTrace{
		ConnectStart: func(_, _ string) {
			if connStart.IsZero() {
				connStart = time.Now()
			}
		},
		GotConn: func(info httptrace.GotConnInfo) {
			if !connStart.IsZero() && res.ConnectDuration == 0 {
				res.ConnectDuration = time.Since(connStart)
			}
			if addr, ok := info.Conn.RemoteAddr().(*net.TCPAddr); ok {
				res.SourceIP = addr.IP.String()
			}
		},
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, task.URL, nil)
	if err != nil {
		return d.fail(ctx, res, start, fmt.Errorf("build request: %w", err))
	}

	resp, err := client.Do(req)
	if err != nil {
		return d.fail(ctx, res, start, fmt.Errorf("do request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	res.CheckingDuration = time.Since(start)
	res.HTTPResponseCode = resp.StatusCode
	res.Headers = resp.Header.Clone()
	res.ContentType = resp.Header.Get("Content-Type")

	if limits.ConnectionTimeout > 0 && res.CheckingDuration > limits.ConnectionTimeout {
		res.logf("response headers after %s, connection timeout is %s", res.CheckingDuration, limits.ConnectionTimeout)
		return d.finish(res, start, domain.RetrieveFinishedTimeLimit)
	}
	if resp.StatusCode >= 400 {
		res.logf("http status %d", resp.StatusCode)
		return d.finish(res, start, domain.RetrieveError)
	}
	if task.TaskType == domain.TaskConditionalDownload && sameContentLength(task.Headers, resp.Header) {
		res.Unchanged = true
		res.logf("content length unchanged (%s bytes), download skipped", headerValue(resp.Header, "Content-Length"))
		return d.finish(res, start, domain.RetrieveCompleted)
	}

	return d.readBody(ctx, cancel, task, resp.Body, res, start)
}

func (d *Downloader) readBody(
	ctx context.Context,
	cancel context.CancelCauseFunc,
	task domain.RetrieveURL,
	body io.Reader,
	res *Response,
	start time.Time,
) *Response {
	limits := task.Limits
	keep := task.TaskType != domain.TaskCheckLink

	counter := NewCounter()
	counter.Start()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	if limits.MinBytesPerSecond > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.watchRate(ctx, counter, float64(limits.MinBytesPerSecond), cancel, stop)
		}()
	}
	defer func() {
		close(stop)
		wg.Wait()
	}()

	var content []byte
	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			counter.IncrementCount(int64(n))
			metrics.DownloadBytesTotal.Add(float64(n))
			res.ContentSizeBytes = counter.Count()
			res.RetrievalDuration = time.Since(start)

			if limits.TimeLimit > 0 && res.RetrievalDuration > limits.TimeLimit {
				res.logf("time limit %s exceeded after %d bytes", limits.TimeLimit, res.ContentSizeBytes)
				return d.finish(res, start, domain.RetrieveFinishedTimeLimit)
			}
			if belowFloor(counter, d.rateWindow, float64(limits.MinBytesPerSecond)) {
				res.logf("rate %.0f B/s below floor %d B/s", counter.CountsPerSecond(), limits.MinBytesPerSecond)
				return d.finish(res, start, domain.RetrieveFinishedRateLimit)
			}
			if keep {
				content = append(content, buf[:n]...)
			}
		}
		if errors.Is(err, io.EOF) {
			res.Content = content
			return d.finish(res, start, domain.RetrieveCompleted)
		}
		if err != nil {
			return d.fail(ctx, res, start, fmt.Errorf("read body: %w", err))
		}
	}
}

// watchRate aborts the transfer when the rate floor is violated even though
// no chunk arrives to trigger the in-loop check.
func (d *Downloader) watchRate(ctx context.Context, counter *Counter, floor float64, cancel context.CancelCauseFunc, stop <-chan struct{}) {
	ticker := time.NewTicker(d.rateWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if belowFloor(counter, d.rateWindow, floor) {
				cancel(errRateLimit)
				return
			}
		}
	}
}

func belowFloor(counter *Counter, window time.Duration, floor float64) bool {
	if floor <= 0 {
		return false
	}
	return counter.Elapsed() >= window && counter.CountsPerSecond() < floor
}

// fail maps a transport error to a terminal state. Aborts caused by the
// downloader's own limits keep their limit state.
func (d *Downloader) fail(ctx context.Context, res *Response, start time.Time, err error) *Response {
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errTimeLimit):
		res.logf("%v", errTimeLimit)
		return d.finish(res, start, domain.RetrieveFinishedTimeLimit)
	case errors.Is(cause, errRateLimit):
		res.logf("%v", errRateLimit)
		return d.finish(res, start, domain.RetrieveFinishedRateLimit)
	}
	res.Err = err
	res.logf("%v", err)
	return d.finish(res, start, domain.RetrieveError)
}

func (d *Downloader) finish(res *Response, start time.Time, state domain.RetrieveState) *Response {
	res.State = state
	res.RetrievalDuration = time.Since(start)
	metrics.DownloadDuration.WithLabelValues(string(state)).Observe(res.RetrievalDuration.Seconds())
	if state != domain.RetrieveCompleted {
		d.logger.Debug("retrieval ended early", "state", state, "log", strings.Join(res.Log, "; "))
	}
	return res
}

func sameContentLength(previous, current http.Header) bool {
	before := headerValue(previous, "Content-Length")
	return before != "" && before == headerValue(current, "Content-Length")
}

// headerValue looks a key up case-insensitively; stored headers are not
// always in canonical form.
func headerValue(h http.Header, key string) string {
	if v := h.Get(key); v != "" {
		return v
	}
	for k, vs := range h {
		if strings.EqualFold(k, key) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}
