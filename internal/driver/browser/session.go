package browser

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"

	"backfill/internal/driver"
	"backfill/internal/workflow"
)

// matchAttr tags the elements found by the last Find call.
const matchAttr = "data-backfill-match"

var findSeq atomic.Uint64

// Element is a resolved DOM node.
type Element struct {
	node *cdp.Node
}

func (e Element) String() string {
	if e.node == nil {
		return "<nil>"
	}
	return e.node.FullXPath()
}

// Session drives one isolated browser context.
type Session struct {
	launcher *Launcher
	info     driver.SessionInfo
	target   string
	tab      context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool
}

// run executes actions in the session's tab, bounded by ctx and the
// launcher's operation timeout.
func (s *Session) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return driver.Wrap(op, err)
	}
	runCtx, cancel := context.WithTimeout(s.tab, s.launcher.opts.Timeout)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		var cancelDL context.CancelFunc
		runCtx, cancelDL = context.WithDeadline(runCtx, dl)
		defer cancelDL()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if aerr := s.launcher.alive(); aerr != nil {
		return driver.Wrap(op, aerr)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return driver.Wrap(op, ctxErr)
	}
	return driver.Wrap(op, err)
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, "navigate", chromedp.Navigate(url))
}

// Find returns the elements matching sel, polling for up to FindWait until
// at least one appears.
func (s *Session) Find(ctx context.Context, sel workflow.Selector) ([]driver.Element, error) {
	token := fmt.Sprintf("f%d", findSeq.Add(1))
	expr, err := findExpression(sel, token)
	if err != nil {
		return nil, driver.Wrap("find", err)
	}

	deadline := time.Now().Add(s.launcher.opts.FindWait)
	var count int
	for {
		err := s.run(ctx, "find", chromedp.Evaluate(expr, &count))
		// A navigation in flight destroys the execution context; retry
		// until the deadline.
		if err != nil && (time.Now().After(deadline) || ctx.Err() != nil || errors.Is(err, driver.ErrUnavailable)) {
			return nil, err
		}
		if err == nil && (count > 0 || time.Now().After(deadline)) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, driver.Wrap("find", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
	if count == 0 {
		return nil, nil
	}

	var nodes []*cdp.Node
	query := fmt.Sprintf(`[%s=%q]`, matchAttr, token)
	if err := s.run(ctx, "find", chromedp.Nodes(query, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
		return nil, err
	}
	els := make([]driver.Element, len(nodes))
	for i, n := range nodes {
		els[i] = Element{node: n}
	}
	return els, nil
}

func (s *Session) Click(ctx context.Context, el driver.Element) error {
	n, err := nodeOf(el)
	if err != nil {
		return driver.Wrap("click", err)
	}
	ids := []cdp.NodeID{n.NodeID}
	return s.run(ctx, "click",
		chromedp.ScrollIntoView(ids, chromedp.ByNodeID),
		chromedp.Click(ids, chromedp.ByNodeID))
}

func (s *Session) Type(ctx context.Context, el driver.Element, text string) error {
	n, err := nodeOf(el)
	if err != nil {
		return driver.Wrap("type", err)
	}
	ids := []cdp.NodeID{n.NodeID}
	return s.run(ctx, "type",
		chromedp.Focus(ids, chromedp.ByNodeID),
		chromedp.SendKeys(ids, text, chromedp.ByNodeID))
}

// Close disposes the browser context. It is safe to call more than once.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := chromedp.Cancel(s.tab)
	s.cancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func nodeOf(el driver.Element) (*cdp.Node, error) {
	e, ok := el.(Element)
	if !ok || e.node == nil {
		return nil, fmt.Errorf("element %v was not resolved by this driver", el)
	}
	return e.node, nil
}
