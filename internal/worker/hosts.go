package worker

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"golang.org/x/time/rate"
)

// hostLimiter keeps a minimum distance between requests to the same host.
type hostLimiter struct {
	every time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newHostLimiter(every time.Duration) *hostLimiter {
	return &hostLimiter{every: every, limiters: make(map[string]*rate.Limiter)}
}

func (h *hostLimiter) Wait(ctx context.Context, task domain.RetrieveURL) error {
	if h.every <= 0 {
		return nil
	}
	return h.limiter(hostKey(task)).Wait(ctx)
}

func (h *hostLimiter) limiter(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(h.every), 1)
		h.limiters[host] = l
	}
	return l
}

func hostKey(task domain.RetrieveURL) string {
	if task.IPAddress != "" {
		return task.IPAddress
	}
	if u, err := url.Parse(task.URL); err == nil {
		return u.Hostname()
	}
	return task.URL
}
