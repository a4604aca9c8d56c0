// Package browser implements driver.ActionDriver on headless Chrome through
// the DevTools protocol.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"backfill/internal/driver"
)

// DefaultTimeout bounds a single browser operation when the caller sets no
// earlier deadline.
const DefaultTimeout = 30 * time.Second

// Options configures the Chrome process.
type Options struct {
	Headless bool
	// ExecPath overrides Chrome discovery.
	ExecPath string
	// Timeout bounds each browser operation. Zero uses DefaultTimeout.
	Timeout time.Duration
	// ShiftClock offsets the page clock to each session's scheduled time.
	ShiftClock bool
	// FindWait is how long Find polls for a first match. Zero uses one second.
	FindWait time.Duration
	Logger   *slog.Logger
}

// Launcher owns one Chrome process. Every session gets its own browser
// context inside it, so cookies and storage never leak between visitors.
type Launcher struct {
	opts Options

	allocCtx    context.Context
	cancelAlloc context.CancelFunc
	browserCtx  context.Context
	cancelBrows context.CancelFunc

	closeOnce sync.Once
}

// Launch starts Chrome. A browser that cannot start is reported as
// driver.ErrUnavailable.
func Launch(ctx context.Context, opts Options) (*Launcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.FindWait <= 0 {
		opts.FindWait = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("hide-scrollbars", opts.Headless),
		chromedp.Flag("mute-audio", opts.Headless),
		chromedp.WSURLReadTimeout(opts.Timeout),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	// The browser outlives the launch call; Close tears it down.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	browserCtx, cancelBrows := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			opts.Logger.Debug("chrome: " + fmt.Sprintf(format, args...))
		}))

	// The first Run binds the process to browserCtx, so it must not carry a
	// deadline of its own.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrows()
		cancelAlloc()
		return nil, fmt.Errorf("%w: start chrome: %v", driver.ErrUnavailable, err)
	}

	opts.Logger.Info("browser started", "headless", opts.Headless, "exec_path", opts.ExecPath)
	return &Launcher{
		opts:        opts,
		allocCtx:    allocCtx,
		cancelAlloc: cancelAlloc,
		browserCtx:  browserCtx,
		cancelBrows: cancelBrows,
	}, nil
}

// Factory returns a driver.Factory opening sessions against targetURL.
func (l *Launcher) Factory(targetURL string) driver.Factory {
	return func(ctx context.Context, info driver.SessionInfo) (driver.ActionDriver, error) {
		if err := l.alive(); err != nil {
			return nil, err
		}
		return l.open(ctx, targetURL, info)
	}
}

func (l *Launcher) open(ctx context.Context, targetURL string, info driver.SessionInfo) (*Session, error) {
	tabCtx, cancelTab := chromedp.NewContext(l.browserCtx, chromedp.WithNewBrowserContext())
	s := &Session{
		launcher: l,
		info:     info,
		target:   targetURL,
		tab:      tabCtx,
		cancel:   cancelTab,
	}

	script, err := initScript(info, l.opts.ShiftClock, time.Now())
	if err != nil {
		cancelTab()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		cancelTab()
		return nil, driver.Wrap("open", err)
	}
	// First Run on the tab context creates the target.
	if err := chromedp.Run(tabCtx, addInitScript(script)); err != nil {
		cancelTab()
		if aerr := l.alive(); aerr != nil {
			return nil, driver.Wrap("open", aerr)
		}
		return nil, driver.Wrap("open", err)
	}
	return s, nil
}

// alive reports driver.ErrUnavailable once the Chrome process is gone.
func (l *Launcher) alive() error {
	if err := l.browserCtx.Err(); err != nil {
		return fmt.Errorf("%w: browser exited: %v", driver.ErrUnavailable, err)
	}
	return nil
}

// Close stops Chrome. Open sessions fail with driver.ErrUnavailable afterwards.
func (l *Launcher) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = chromedp.Cancel(l.browserCtx)
		l.cancelBrows()
		l.cancelAlloc()
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Lazy starts Chrome on the first session and reuses it afterwards. A
// failed start is retried by the next session.
type Lazy struct {
	opts Options

	mu       sync.Mutex
	launcher *Launcher
	closed   bool
}

// NewLazy returns a driver.Launcher that defers Launch until needed.
func NewLazy(opts Options) *Lazy {
	return &Lazy{opts: opts}
}

func (z *Lazy) get(ctx context.Context) (*Launcher, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.closed {
		return nil, fmt.Errorf("%w: launcher closed", driver.ErrUnavailable)
	}
	if z.launcher != nil {
		if z.launcher.alive() == nil {
			return z.launcher, nil
		}
		// Release the dead allocator before starting a new Chrome.
		_ = z.launcher.Close()
		z.launcher = nil
	}
	l, err := Launch(ctx, z.opts)
	if err != nil {
		return nil, err
	}
	z.launcher = l
	return l, nil
}

func (z *Lazy) Factory(targetURL string) driver.Factory {
	return func(ctx context.Context, info driver.SessionInfo) (driver.ActionDriver, error) {
		l, err := z.get(ctx)
		if err != nil {
			return nil, err
		}
		return l.Factory(targetURL)(ctx, info)
	}
}

func (z *Lazy) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.closed = true
	if z.launcher == nil {
		return nil
	}
	return z.launcher.Close()
}
