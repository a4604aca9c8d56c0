// Package testsite serves a small storefront for exercising journeys
// locally. Every page reports a visit to /collect with the page clock and
// the visitor the automation exposes, like an analytics snippet would.
package testsite

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Visit is one event reported by a page.
type Visit struct {
	Page  string `json:"page"`
	Event string `json:"event"`
	// PageTime is the page's Date.now() when the event fired.
	PageTime   time.Time `json:"page_time"`
	SessionID  string    `json:"session_id,omitempty"`
	PathID     string    `json:"path_id,omitempty"`
	AccountID  string    `json:"account_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Server is the storefront.
type Server struct {
	mux *http.ServeMux

	mu     sync.Mutex
	visits []Visit
}

// NewServer creates a storefront with all pages registered.
func NewServer() *Server {
	s := &Server{mux: http.NewServeMux()}
	s.registerHandlers()
	return s
}

// Handler returns the http.Handler for the site.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerHandlers() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /{$}", s.page("home"))
	s.mux.HandleFunc("GET /shop", s.page("shop"))
	s.mux.HandleFunc("GET /catalog", s.page("catalog"))
	s.mux.HandleFunc("GET /checkout", s.page("checkout"))
	s.mux.HandleFunc("GET /thanks", s.page("thanks"))
	s.mux.HandleFunc("GET /delay/{ms}", s.handleDelay)
	s.mux.HandleFunc("POST /collect", s.handleCollect)
	s.mux.HandleFunc("GET /visits", s.handleVisits)
}

// Visits returns every event collected so far, in arrival order.
func (s *Server) Visits() []Visit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Visit(nil), s.visits...)
}

// Reset forgets collected events.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits = nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) page(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := pages.ExecuteTemplate(w, name, nil); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// handleDelay renders the home page after {ms} milliseconds.
func (s *Server) handleDelay(w http.ResponseWriter, r *http.Request) {
	ms, err := strconv.Atoi(r.PathValue("ms"))
	if err != nil || ms < 0 {
		http.Error(w, "invalid delay", http.StatusBadRequest)
		return
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
	case <-r.Context().Done():
		return
	}
	s.page("home")(w, r)
}

type beacon struct {
	Page    string `json:"page"`
	Event   string `json:"event"`
	TS      int64  `json:"ts"`
	Visitor *struct {
		SessionID string `json:"session_id"`
		PathID    string `json:"path_id"`
		AccountID string `json:"account_id"`
	} `json:"visitor"`
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	var b beacon
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&b); err != nil {
		http.Error(w, "invalid beacon", http.StatusBadRequest)
		return
	}
	v := Visit{
		Page:       b.Page,
		Event:      b.Event,
		PageTime:   time.UnixMilli(b.TS).UTC(),
		ReceivedAt: time.Now().UTC(),
	}
	if b.Visitor != nil {
		v.SessionID = b.Visitor.SessionID
		v.PathID = b.Visitor.PathID
		v.AccountID = b.Visitor.AccountID
	}
	s.mu.Lock()
	s.visits = append(s.visits, v)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVisits(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Visits())
}

var pages = template.Must(template.New("site").Parse(`
{{define "head"}}<!doctype html>
<html><head><meta charset="utf-8"><title>{{.}} - Test Shop</title>
<script>
function track(event) {
  fetch("/collect", {method: "POST", keepalive: true, headers: {"Content-Type": "application/json"},
    body: JSON.stringify({page: location.pathname, event: event, ts: Date.now(), visitor: window.__backfill || null})});
}
window.addEventListener("DOMContentLoaded", function () { track("pageview"); });
</script></head><body>
<nav><a href="/">Home</a> <a href="/shop">Shop</a> <a href="/catalog">Catalog</a></nav>{{end}}

{{define "foot"}}</body></html>{{end}}

{{define "home"}}{{template "head" "Home"}}
<h1>Test Shop</h1>
<p>Welcome. Browse the <a href="/catalog">catalog</a> or go straight to the <a href="/shop">shop</a>.</p>
{{template "foot"}}{{end}}

{{define "shop"}}{{template "head" "Shop"}}
<h1>Shop</h1>
<div class="product">
  <h2>Blue Mug</h2>
  <button data-testid="buy" onclick="track('click:buy'); location.href='/checkout'">Buy now</button>
</div>
{{template "foot"}}{{end}}

{{define "catalog"}}{{template "head" "Catalog"}}
<h1>Catalog</h1>
<ul>
  <li><a href="/shop">Blue Mug</a></li>
  <li><a href="/shop">Red Mug</a></li>
</ul>
{{template "foot"}}{{end}}

{{define "checkout"}}{{template "head" "Checkout"}}
<h1>Checkout</h1>
<form action="/thanks" method="get" onsubmit="track('submit:checkout')">
  <label for="email">Email</label>
  <input id="email" name="email" type="email">
  <button type="submit">Place order</button>
</form>
{{template "foot"}}{{end}}

{{define "thanks"}}{{template "head" "Thanks"}}
<h1>Thank you</h1>
{{template "foot"}}{{end}}
`))
