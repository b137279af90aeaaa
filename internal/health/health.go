// Package health serves the liveness and readiness probes.
//
// /healthz answers 200 while the process can serve HTTP. /readyz runs every
// [Checker] concurrently and answers with a JSON [Report]:
//
//	{"status":"degraded","checks":{"corpus":"ok","semantic":"degraded: unavailable"}}
//
// A failing required check fails readiness with 503. A failing optional
// check only degrades it: detection keeps running without the semantic
// stage when the embedding model is down. After [Handler.Drain] readiness
// fails with "draining" so load balancers stop routing new streams.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds each check.
const checkTimeout = 5 * time.Second

// Report statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
	StatusDraining = "draining"
)

// Checker probes one dependency.
type Checker struct {
	// Name keys the check in [Report.Checks], e.g. "corpus" or "postgres".
	Name string

	// Check returns nil when healthy. It must honour ctx.
	Check func(ctx context.Context) error

	// Optional checks degrade rather than fail readiness.
	Optional bool
}

// Pinger is implemented by stores that can probe their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck returns a required checker that pings p.
func PingCheck(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// ErrUnavailable is reported by [AvailabilityCheck] when the component is
// down.
var ErrUnavailable = errors.New("unavailable")

// AvailabilityCheck returns an optional checker over a status function such
// as the semantic matcher's Available.
func AvailabilityCheck(name string, available func() bool) Checker {
	return Checker{
		Name:     name,
		Optional: true,
		Check: func(context.Context) error {
			if !available() {
				return ErrUnavailable
			}
			return nil
		},
	}
}

// Report is the /readyz body.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Ready reports whether the status admits traffic.
func (r Report) Ready() bool {
	return r.Status == StatusOK || r.Status == StatusDegraded
}

const reportKey = "readyz"

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	draining atomic.Bool

	// cache holds the last report when CacheFor is set, so frequent probes
	// do not hammer Postgres.
	cache *gocache.Cache
}

// New creates a [Handler] over checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// CacheFor reuses a report for ttl. It must be called before serving.
func (h *Handler) CacheFor(ttl time.Duration) *Handler {
	if ttl > 0 {
		h.cache = gocache.New(ttl, 0)
	}
	return h
}

// Drain makes readiness fail from now on.
func (h *Handler) Drain() { h.draining.Store(true) }

// Evaluate runs the checks, or returns the cached report.
func (h *Handler) Evaluate(ctx context.Context) Report {
	if h.draining.Load() {
		return Report{Status: StatusDraining}
	}
	if h.cache != nil {
		if v, ok := h.cache.Get(reportKey); ok {
			return v.(Report)
		}
	}

	var (
		mu  sync.Mutex
		rep = Report{Status: StatusOK, Checks: make(map[string]string, len(h.checkers))}
		g   errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				rep.Checks[c.Name] = StatusOK
			case c.Optional:
				rep.Checks[c.Name] = StatusDegraded + ": " + err.Error()
				if rep.Status == StatusOK {
					rep.Status = StatusDegraded
				}
			default:
				rep.Checks[c.Name] = StatusFail + ": " + err.Error()
				rep.Status = StatusFail
			}
			return nil
		})
	}
	_ = g.Wait()

	// A probe cut short by its caller says nothing about the dependencies.
	if h.cache != nil && ctx.Err() == nil {
		h.cache.SetDefault(reportKey, rep)
	}
	return rep
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz answers 200 when [Report.Ready], else 503.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if !rep.Ready() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
