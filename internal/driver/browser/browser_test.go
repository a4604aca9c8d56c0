package browser

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backfill/internal/driver"
	"backfill/internal/session"
	"backfill/internal/testsite"
	"backfill/internal/workflow"
)

func TestInitScript(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	info := driver.SessionInfo{
		SessionID:   "s-1",
		PathID:      "buy",
		AccountID:   "acme",
		ScheduledAt: now.Add(-48 * time.Hour),
	}

	script, err := initScript(info, true, now)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(script, initJS))

	cfg := decodeInitConfig(t, script)
	require.NotNil(t, cfg.OffsetMS)
	assert.Equal(t, (-48 * time.Hour).Milliseconds(), *cfg.OffsetMS)
	assert.Equal(t, "s-1", cfg.Visitor.SessionID)
	assert.Equal(t, "buy", cfg.Visitor.PathID)
	assert.Equal(t, "acme", cfg.Visitor.AccountID)
}

func TestInitScript_NoShift(t *testing.T) {
	info := driver.SessionInfo{SessionID: "s-1", ScheduledAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}

	script, err := initScript(info, false, time.Now())
	require.NoError(t, err)

	cfg := decodeInitConfig(t, script)
	assert.Nil(t, cfg.OffsetMS)
	assert.Contains(t, script, `"offset_ms":null`)
}

func decodeInitConfig(t *testing.T, script string) initConfig {
	t.Helper()
	arg := strings.TrimSuffix(strings.TrimPrefix(script, initJS+"("), ");")
	var cfg initConfig
	require.NoError(t, json.Unmarshal([]byte(arg), &cfg), arg)
	return cfg
}

func TestFindExpression(t *testing.T) {
	sel := workflow.Selector{By: workflow.ByAttribute, Name: "data-testid", Value: `say "hi"`}

	expr, err := findExpression(sel, "f7")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(expr, findJS))
	assert.True(t, strings.HasSuffix(expr, `(...["attribute","data-testid","say \"hi\"","f7"])`), expr)
}

func TestElementString(t *testing.T) {
	assert.Equal(t, "<nil>", Element{}.String())
}

func TestNodeOf_ForeignElement(t *testing.T) {
	_, err := nodeOf(fakeElement{})
	assert.Error(t, err)
}

type fakeElement struct{}

func (fakeElement) String() string { return "fake" }

func TestLaunch_BadExecPath(t *testing.T) {
	_, err := Launch(context.Background(), Options{
		Headless: true,
		ExecPath: "/nonexistent/chrome",
		Timeout:  2 * time.Second,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, driver.ErrUnavailable))
}

// launch starts a real browser or skips the test.
func launch(t *testing.T) *Launcher {
	t.Helper()
	if testing.Short() {
		t.Skip("browser test skipped in short mode")
	}
	l, err := Launch(context.Background(), Options{
		Headless:   true,
		ShiftClock: true,
		Timeout:    20 * time.Second,
		FindWait:   2 * time.Second,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Skipf("chrome not available: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestSession_Journey(t *testing.T) {
	l := launch(t)
	site := testsite.NewServer()
	ts := httptest.NewServer(site.Handler())
	defer ts.Close()

	scheduled := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	plan := session.Plan{
		ID:          "s-journey",
		PathID:      "buy",
		AccountID:   "acme",
		ScheduledAt: scheduled,
		Steps: []workflow.Step{
			{Action: workflow.ActionNavigate, Value: "/shop"},
			{Action: workflow.ActionClick, Selector: []workflow.Selector{
				{By: workflow.ByCSS, Value: "#missing"},
				{By: workflow.ByAttribute, Name: "data-testid", Value: "buy"},
			}},
			{Action: workflow.ActionWaitForSelector, Selector: []workflow.Selector{{By: workflow.ByText, Value: "Checkout"}}},
			{Action: workflow.ActionType, Selector: []workflow.Selector{{By: workflow.ByRole, Value: "textbox", Name: "Email"}}, Value: "${session.id}@example.test"},
			{Action: workflow.ActionClick, Selector: []workflow.Selector{{By: workflow.ByRole, Value: "button", Name: "Place order"}}},
		},
	}

	ctx := context.Background()
	d, err := l.Factory(ts.URL)(ctx, plan.Info())
	require.NoError(t, err)
	defer d.Close()

	exec := session.NewExecutor(ts.URL)
	res := exec.Execute(ctx, plan, d, session.ModeFull)
	require.Nil(t, res.FirstError, "%+v", res.FirstError)
	assert.Equal(t, session.StatusCompleted, res.Status)

	require.Eventually(t, func() bool {
		for _, v := range site.Visits() {
			if v.Event == "submit:checkout" {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)

	for _, v := range site.Visits() {
		assert.Equal(t, "s-journey", v.SessionID)
		assert.Equal(t, "acme", v.AccountID)
		assert.WithinDuration(t, scheduled, v.PageTime, time.Minute, "page clock runs at the scheduled time")
	}
}

func TestSession_FindCounts(t *testing.T) {
	l := launch(t)
	ts := httptest.NewServer(testsite.NewServer().Handler())
	defer ts.Close()

	ctx := context.Background()
	d, err := l.Factory(ts.URL)(ctx, driver.SessionInfo{SessionID: "s-find"})
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.Navigate(ctx, ts.URL+"/catalog"))

	els, err := d.Find(ctx, workflow.Selector{By: workflow.ByRole, Value: "link"})
	require.NoError(t, err)
	assert.Len(t, els, 5, "three nav links and two products")

	els, err = d.Find(ctx, workflow.Selector{By: workflow.ByText, Value: "Red Mug"})
	require.NoError(t, err)
	assert.Len(t, els, 1)

	els, err = d.Find(ctx, workflow.Selector{By: workflow.ByCSS, Value: ".absent"})
	require.NoError(t, err)
	assert.Empty(t, els)
}

func TestSession_ClosedBrowserIsUnavailable(t *testing.T) {
	l := launch(t)
	ts := httptest.NewServer(testsite.NewServer().Handler())
	defer ts.Close()

	require.NoError(t, l.Close())

	_, err := l.Factory(ts.URL)(context.Background(), driver.SessionInfo{SessionID: "s-late"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, driver.ErrUnavailable))
}

func TestLazy_ClosedIsUnavailable(t *testing.T) {
	z := NewLazy(Options{Headless: true})
	require.NoError(t, z.Close())

	_, err := z.Factory("http://localhost")(context.Background(), driver.SessionInfo{SessionID: "s-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, driver.ErrUnavailable))
}

func TestLazy_LaunchFailureIsUnavailable(t *testing.T) {
	z := NewLazy(Options{
		Headless: true,
		ExecPath: "/nonexistent/chrome",
		Timeout:  2 * time.Second,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	defer z.Close()

	_, err := z.Factory("http://localhost")(context.Background(), driver.SessionInfo{SessionID: "s-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, driver.ErrUnavailable))
}
