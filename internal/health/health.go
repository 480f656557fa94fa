// Package health serves the liveness and readiness probes.
//
//   - /healthz always answers 200 while the process runs.
//   - /readyz answers 200 only when every [Checker] passes, 503 otherwise.
//
// Both answer with a JSON [Report].
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/glossa/internal/resilience"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 5 * time.Second

const (
	StatusOK   = "ok"
	StatusFail = "fail"
)

// Checker probes one dependency.
type Checker struct {
	// Name keys the result in the [Report], e.g. "postgres" or "stt".
	Name string

	// Check returns nil when the dependency is usable. It must honour ctx.
	Check func(ctx context.Context) error
}

// Result is the outcome of one check.
type Result struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Report is the probe response body.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]Result `json:"checks,omitempty"`
}

// OK reports whether every check passed.
func (r Report) OK() bool { return r.Status == StatusOK }

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
}

// Option configures a [Handler].
type Option func(*Handler)

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// New creates a Handler running checkers on every /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...), timeout: DefaultTimeout}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Report{Status: StatusOK})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		rep := h.Run(r.Context())
		status := http.StatusOK
		if !rep.OK() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, rep)
	})
}

// Run evaluates all checkers concurrently, each under its own timeout.
func (h *Handler) Run(ctx context.Context) Report {
	rep := Report{Status: StatusOK, Checks: make(map[string]Result, len(h.checkers))}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			start := time.Now()
			err := c.Check(cctx)
			res := Result{Status: StatusOK, Latency: time.Since(start).Round(time.Millisecond).String()}
			cancel()
			if err != nil {
				res.Status, res.Error = StatusFail, err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			rep.Checks[c.Name] = res
			if err != nil {
				rep.Status = StatusFail
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

// ProviderGroup is a provider fallback chain as seen by [Providers].
type ProviderGroup interface {
	Available() bool
	Health() []resilience.EntryHealth
}

// Providers fails while every entry of the chain has an open circuit
// breaker, naming each entry with its breaker state.
func Providers(name string, g ProviderGroup) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if g.Available() {
				return nil
			}
			var states []string
			for _, e := range g.Health() {
				states = append(states, fmt.Sprintf("%s %s", e.Name, e.State))
			}
			return fmt.Errorf("no provider available (%s)", strings.Join(states, ", "))
		},
	}
}

// Pinger is implemented by database pools.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks a database connection.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// NonEmpty fails while count reports zero, e.g. before any script loaded.
func NonEmpty(name string, count func() int) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if count() == 0 {
				return errors.New("nothing loaded")
			}
			return nil
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
