package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/health"
)

type body struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) body {
	t.Helper()
	var b body
	if err := json.NewDecoder(rec.Body).Decode(&b); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return b
}

func readyz(t *testing.T, h *health.Handler) (*httptest.ResponseRecorder, body) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	return rec, decode(t, rec)
}

func ok(context.Context) error { return nil }

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealthz(t *testing.T) {
	t.Parallel()

	h := health.New(health.Checker{Name: "corpus", Check: func(context.Context) error {
		return errors.New("never consulted")
	}})
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if b := decode(t, rec); b.Status != "ok" || len(b.Checks) != 0 {
		t.Errorf("body = %+v", b)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []health.Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "all pass",
			checkers: []health.Checker{
				{Name: "corpus", Check: ok},
				health.PingCheck("postgres", pinger{}),
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"corpus": "ok", "postgres": "ok"},
		},
		{
			name: "required fails",
			checkers: []health.Checker{
				{Name: "corpus", Check: ok},
				health.PingCheck("postgres", pinger{err: errors.New("connection refused")}),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"corpus": "ok", "postgres": "fail: connection refused"},
		},
		{
			name: "optional fails",
			checkers: []health.Checker{
				{Name: "corpus", Check: ok},
				health.AvailabilityCheck("semantic", func() bool { return false }),
			},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
			wantChecks: map[string]string{"corpus": "ok", "semantic": "degraded: unavailable"},
		},
		{
			name: "required failure wins over degraded",
			checkers: []health.Checker{
				health.PingCheck("corpus", pinger{err: errors.New("locked")}),
				health.AvailabilityCheck("semantic", func() bool { return false }),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"corpus": "fail: locked", "semantic": "degraded: unavailable"},
		},
		{
			name: "available semantic",
			checkers: []health.Checker{
				health.AvailabilityCheck("semantic", func() bool { return true }),
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"semantic": "ok"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec, b := readyz(t, health.New(tt.checkers...))
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if b.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", b.Status, tt.wantStatus)
			}
			if len(b.Checks) != len(tt.wantChecks) {
				t.Fatalf("checks = %v, want %v", b.Checks, tt.wantChecks)
			}
			for k, v := range tt.wantChecks {
				if b.Checks[k] != v {
					t.Errorf("checks[%q] = %q, want %q", k, b.Checks[k], v)
				}
			}
		})
	}
}

func TestReadyz_RunsChecksConcurrently(t *testing.T) {
	t.Parallel()

	// Each check waits for the other; sequential evaluation would hit the
	// per-check timeout instead.
	a, b := make(chan struct{}), make(chan struct{})
	rendezvous := func(mine, theirs chan struct{}) func(context.Context) error {
		return func(ctx context.Context) error {
			close(mine)
			select {
			case <-theirs:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	h := health.New(
		health.Checker{Name: "a", Check: rendezvous(a, b)},
		health.Checker{Name: "b", Check: rendezvous(b, a)},
	)

	start := time.Now()
	rec, _ := readyz(t, h)
	if rec.Code != http.StatusOK {
		t.Errorf("code = %d, want 200", rec.Code)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("readyz took %v", time.Since(start))
	}
}

func TestReadyz_RequestCancellation(t *testing.T) {
	t.Parallel()

	h := health.New(health.Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", rec.Code)
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	health.New().Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/readyz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /readyz = %d, want 405", rec.Code)
	}
}

func TestReadyz_Drain(t *testing.T) {
	t.Parallel()

	h := health.New(health.Checker{Name: "corpus", Check: ok})
	h.Drain()
	rec, b := readyz(t, h)
	if rec.Code != http.StatusServiceUnavailable || b.Status != health.StatusDraining {
		t.Errorf("draining readyz = %d %+v", rec.Code, b)
	}

	live := httptest.NewRecorder()
	h.Healthz(live, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if live.Code != http.StatusOK {
		t.Errorf("healthz while draining = %d, want 200", live.Code)
	}
}

func TestEvaluate_CacheFor(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	h := health.New(health.Checker{Name: "postgres", Check: func(context.Context) error {
		calls.Add(1)
		return nil
	}}).CacheFor(time.Minute)

	for range 3 {
		if rep := h.Evaluate(context.Background()); !rep.Ready() {
			t.Fatalf("report = %+v", rep)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("check ran %d times, want 1", n)
	}

	// A cancelled probe is not cached.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	uncached := health.New(health.Checker{Name: "slow", Check: func(ctx context.Context) error {
		calls.Add(1)
		return ctx.Err()
	}}).CacheFor(time.Minute)
	if rep := uncached.Evaluate(ctx); rep.Ready() {
		t.Errorf("cancelled probe report = %+v", rep)
	}
	if rep := uncached.Evaluate(context.Background()); !rep.Ready() {
		t.Errorf("fresh probe after cancellation = %+v", rep)
	}
}
