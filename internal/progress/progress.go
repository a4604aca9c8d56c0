// Package progress renders a live batch status line on a terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"backfill/internal/collector"
)

// Source yields the current state of a batch. *batch.Handle satisfies it.
type Source interface {
	Snapshot() *collector.Outcome
}

type Progress struct {
	startTime time.Time
	source    Source
	interval  time.Duration
	ticker    *time.Ticker
	stopCh    chan struct{}
	stopped   atomic.Bool
	quiet     bool
	output    io.Writer
	mu        sync.Mutex
}

func NewProgress(src Source, quiet bool) *Progress {
	return &Progress{
		source:   src,
		quiet:    quiet,
		interval: time.Second,
		output:   os.Stderr,
	}
}

func (p *Progress) SetOutput(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output = w
}

func (p *Progress) Start() {
	if p.quiet {
		return
	}
	p.startTime = time.Now()
	p.stopCh = make(chan struct{})
	p.ticker = time.NewTicker(p.interval)
	go p.run()
}

func (p *Progress) run() {
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.ticker.C:
			p.printProgress()
		}
	}
}

func (p *Progress) printProgress() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.output, "\033[K"+Line(p.source.Snapshot(), time.Since(p.startTime))+"\r")
}

// Line formats one status line for o after elapsed time.
func Line(o *collector.Outcome, elapsed time.Duration) string {
	elapsed = elapsed.Round(time.Second)
	mins := int(elapsed.Minutes())
	secs := int(elapsed.Seconds()) % 60
	return fmt.Sprintf("[%02d:%02d] Sessions: %d/%d | completed %d | partial %d | failed %d",
		mins, secs, o.Done, o.Total, o.Completed, o.Partial, o.Failed)
}

func (p *Progress) Stop() {
	if p.quiet || p.stopped.Swap(true) {
		return
	}
	if p.ticker != nil {
		p.ticker.Stop()
	}
	if p.stopCh != nil {
		close(p.stopCh)
	}
	p.mu.Lock()
	fmt.Fprintf(p.output, "\033[K")
	p.mu.Unlock()
}

// Printf writes a message line without garbling the status line.
func (p *Progress) Printf(format string, args ...any) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	fmt.Fprintf(p.output, "\033[K"+format+"\n", args...)
	p.mu.Unlock()
}
