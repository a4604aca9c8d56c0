// Package collector gathers session results and summarizes them.
package collector

import (
	"sync"
	"time"

	"backfill/internal/core"
	"backfill/internal/session"
)

// Collector is the append-only result sink shared by batch workers.
type Collector struct {
	results   []session.Result
	ch        chan session.Result
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	total     int
	clock     core.Clock
	startTime time.Time
	endTime   time.Time
}

// NewCollector creates a Collector expecting total results and starts its
// collection goroutine.
func NewCollector(total int, clock core.Clock) *Collector {
	if clock == nil {
		clock = core.RealClock{}
	}
	c := &Collector{
		results:   make([]session.Result, 0, total),
		ch:        make(chan session.Result, 256),
		done:      make(chan struct{}),
		total:     total,
		clock:     clock,
		startTime: clock.Now(),
	}
	go c.collect()
	return c
}

func (c *Collector) collect() {
	for r := range c.ch {
		c.mu.Lock()
		c.results = append(c.results, r)
		c.mu.Unlock()
	}
	close(c.done)
}

// Report hands a result to the collector. It blocks rather than drop a
// result when the buffer is full. Safe for concurrent use; must not be
// called after Close.
func (c *Collector) Report(r session.Result) {
	c.ch <- r
}

// Close stops accepting results and waits until every reported result is stored.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		close(c.ch)
		<-c.done
		c.mu.Lock()
		c.endTime = c.clock.Now()
		c.mu.Unlock()
	})
}

// Results returns a copy of the results stored so far, in arrival order.
func (c *Collector) Results() []session.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]session.Result, len(c.results))
	copy(out, c.results)
	return out
}

// Count returns how many results are stored.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

// Duration returns the time from creation to Close, or to now while open.
func (c *Collector) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.endTime.IsZero() {
		return c.endTime.Sub(c.startTime)
	}
	return c.clock.Since(c.startTime)
}

// Outcome summarizes the results stored so far.
func (c *Collector) Outcome() *Outcome {
	return ComputeOutcome(c.Results(), c.total, c.Duration())
}
