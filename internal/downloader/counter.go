package downloader

import (
	"sync/atomic"
	"time"
)

// Counter measures bytes per second since Start. It is safe for one writer
// and any number of readers.
type Counter struct {
	start atomic.Int64 // unix nanos, 0 until Start
	count atomic.Int64
	now   func() time.Time
}

func NewCounter() *Counter {
	return &Counter{now: time.Now}
}

func (c *Counter) Start() {
	c.count.Store(0)
	c.start.Store(c.now().UnixNano())
}

func (c *Counter) IncrementCount(n int64) {
	c.count.Add(n)
}

func (c *Counter) Count() int64 {
	return c.count.Load()
}

func (c *Counter) Elapsed() time.Duration {
	start := c.start.Load()
	if start == 0 {
		return 0
	}
	return c.now().Sub(time.Unix(0, start))
}

// CountsPerSecond is 0 until any time has passed.
func (c *Counter) CountsPerSecond() float64 {
	elapsed := c.Elapsed().Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(c.count.Load()) / elapsed
}
