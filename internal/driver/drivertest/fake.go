// Package drivertest provides a scriptable in-memory driver for tests.
package drivertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"backfill/internal/driver"
	"backfill/internal/workflow"
)

// Element is the handle returned by Fake.Find.
type Element struct {
	Selector string
	Index    int
}

func (e Element) String() string { return fmt.Sprintf("%s#%d", e.Selector, e.Index) }

// Fake is a driver whose page is described by match counts.
type Fake struct {
	// Matches maps Selector.String() to the number of elements it finds.
	// Missing keys find nothing.
	Matches map[string]int
	// Fail maps a call key, as recorded in Calls, to the error it returns.
	Fail map[string]error
	// PanicOn makes the matching call key panic.
	PanicOn string
	// Latency is spent on every call, aborting early when ctx is done.
	Latency time.Duration
	// CloseErr is returned by Close.
	CloseErr error

	mu     sync.Mutex
	calls  []string
	closed bool
}

// New returns a fake where each given selector matches exactly one element.
func New(selectors ...workflow.Selector) *Fake {
	f := &Fake{Matches: map[string]int{}, Fail: map[string]error{}}
	for _, s := range selectors {
		f.Matches[s.String()] = 1
	}
	return f
}

func (f *Fake) call(ctx context.Context, key string) error {
	f.mu.Lock()
	f.calls = append(f.calls, key)
	closed := f.closed
	failErr := f.Fail[key]
	panicky := f.PanicOn != "" && f.PanicOn == key
	f.mu.Unlock()

	if panicky {
		panic("drivertest: panic on " + key)
	}
	if closed && key != "close" {
		return driver.Wrap(key, fmt.Errorf("driver closed"))
	}
	if f.Latency > 0 {
		t := time.NewTimer(f.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return failErr
}

func (f *Fake) Navigate(ctx context.Context, url string) error {
	return f.call(ctx, "navigate "+url)
}

func (f *Fake) Find(ctx context.Context, sel workflow.Selector) ([]driver.Element, error) {
	key := sel.String()
	if err := f.call(ctx, "find "+key); err != nil {
		return nil, err
	}
	f.mu.Lock()
	n := f.Matches[key]
	f.mu.Unlock()
	els := make([]driver.Element, n)
	for i := range els {
		els[i] = Element{Selector: key, Index: i}
	}
	return els, nil
}

func (f *Fake) Click(ctx context.Context, el driver.Element) error {
	return f.call(ctx, "click "+el.String())
}

func (f *Fake) Type(ctx context.Context, el driver.Element, text string) error {
	return f.call(ctx, fmt.Sprintf("type %s %s", el, text))
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.calls = append(f.calls, "close")
	f.closed = true
	f.mu.Unlock()
	return f.CloseErr
}

// Calls returns every call key in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Factory records every driver it builds.
type Factory struct {
	build func(info driver.SessionInfo) (*Fake, error)

	mu      sync.Mutex
	drivers []*Fake
	infos   []driver.SessionInfo
}

// NewFactory wraps build. A nil build produces empty fakes.
func NewFactory(build func(info driver.SessionInfo) (*Fake, error)) *Factory {
	if build == nil {
		build = func(driver.SessionInfo) (*Fake, error) { return New(), nil }
	}
	return &Factory{build: build}
}

// Func adapts the factory to driver.Factory.
func (f *Factory) Func() driver.Factory {
	return func(ctx context.Context, info driver.SessionInfo) (driver.ActionDriver, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := f.build(info)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.infos = append(f.infos, info)
		if err != nil {
			return nil, err
		}
		f.drivers = append(f.drivers, d)
		return d, nil
	}
}

// Drivers returns the fakes built so far.
func (f *Factory) Drivers() []*Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Fake(nil), f.drivers...)
}

// Sessions returns the info of every creation attempt.
func (f *Factory) Sessions() []driver.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]driver.SessionInfo(nil), f.infos...)
}

// Launcher is a driver.Launcher handing out Factories keyed by target URL.
type Launcher struct {
	Build func(targetURL string, info driver.SessionInfo) (*Fake, error)

	mu        sync.Mutex
	factories map[string]*Factory
	closed    bool
}

func (l *Launcher) Factory(targetURL string) driver.Factory {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.factories == nil {
		l.factories = map[string]*Factory{}
	}
	f, ok := l.factories[targetURL]
	if !ok {
		f = NewFactory(func(info driver.SessionInfo) (*Fake, error) {
			if l.Build == nil {
				return New(), nil
			}
			return l.Build(targetURL, info)
		})
		l.factories[targetURL] = f
	}
	return f.Func()
}

// Recorded returns the factory used for targetURL, or nil.
func (l *Launcher) Recorded(targetURL string) *Factory {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.factories[targetURL]
}

func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Closed reports whether Close was called.
func (l *Launcher) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
