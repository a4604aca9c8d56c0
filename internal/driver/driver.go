// Package driver defines the browser automation capability sessions run
// against. Implementations live in sub-packages.
package driver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"backfill/internal/workflow"
)

var (
	// ErrNotFound reports that a selector matched nothing.
	ErrNotFound = errors.New("element not found")
	// ErrUnavailable reports that the automation runtime itself is gone or
	// cannot start. It escalates a session failure to the whole batch.
	ErrUnavailable = errors.New("automation runtime unavailable")
)

// Error is a failed driver operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("driver %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap annotates err with the operation that produced it. Nil stays nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// Element is an opaque handle to a resolved page element.
type Element interface {
	String() string
}

// ActionDriver drives one isolated browser context.
type ActionDriver interface {
	Navigate(ctx context.Context, url string) error
	// Find returns every element matching a single selector strategy.
	Find(ctx context.Context, sel workflow.Selector) ([]Element, error)
	Click(ctx context.Context, el Element) error
	Type(ctx context.Context, el Element, text string) error
	Close() error
}

// SessionInfo describes the session a driver is created for.
type SessionInfo struct {
	SessionID   string
	PathID      string
	AccountID   string
	ScheduledAt time.Time
	Attributes  workflow.Attributes
}

// Factory creates a fresh driver for one session.
type Factory func(ctx context.Context, info SessionInfo) (ActionDriver, error)

// Launcher owns an automation runtime and hands out per-target factories.
type Launcher interface {
	Factory(targetURL string) Factory
	Close() error
}

// ResolveURL joins a navigate value onto the target base URL. Absolute
// values are returned unchanged.
func ResolveURL(base, value string) (string, error) {
	if value == "" {
		return base, nil
	}
	u, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", value, err)
	}
	if u.IsAbs() {
		return value, nil
	}
	if base == "" {
		return "", fmt.Errorf("relative url %q needs a target base url", value)
	}
	if _, err := url.Parse(base); err != nil {
		return "", fmt.Errorf("parse base url %q: %w", base, err)
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(value, "/"), nil
}
