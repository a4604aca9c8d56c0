package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"backfill/internal/driver"
	"backfill/internal/workflow"
)

//go:embed find.js
var findJS string

//go:embed init.js
var initJS string

// visitor is exposed to the page as window.__backfill.
type visitor struct {
	SessionID   string              `json:"session_id"`
	PathID      string              `json:"path_id"`
	AccountID   string              `json:"account_id,omitempty"`
	ScheduledAt time.Time           `json:"scheduled_at"`
	Attributes  workflow.Attributes `json:"attributes,omitempty"`
}

type initConfig struct {
	Visitor visitor `json:"visitor"`
	// OffsetMS is null when the clock is not shifted.
	OffsetMS *int64 `json:"offset_ms"`
}

// initScript builds the script evaluated before any page script. With shift
// set, the page's Date runs offset so that now reads as the scheduled time.
func initScript(info driver.SessionInfo, shift bool, now time.Time) (string, error) {
	cfg := initConfig{Visitor: visitor{
		SessionID:   info.SessionID,
		PathID:      info.PathID,
		AccountID:   info.AccountID,
		ScheduledAt: info.ScheduledAt.UTC(),
		Attributes:  info.Attributes,
	}}
	if shift && !info.ScheduledAt.IsZero() {
		off := info.ScheduledAt.Sub(now).Milliseconds()
		cfg.OffsetMS = &off
	}
	arg, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode init script config: %w", err)
	}
	return fmt.Sprintf("%s(%s);", initJS, arg), nil
}

// findExpression builds the expression that tags every element matching sel
// with token and evaluates to the match count.
func findExpression(sel workflow.Selector, token string) (string, error) {
	args, err := json.Marshal([]string{string(sel.By), sel.Name, sel.Value, token})
	if err != nil {
		return "", err
	}
	// Spread the argument array into the call.
	return fmt.Sprintf("%s(...%s)", findJS, args), nil
}

func addInitScript(src string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(src).Do(ctx)
		return err
	})
}
