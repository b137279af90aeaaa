package observe

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader carries the trace ID back to the caller.
const CorrelationHeader = "X-Correlation-ID"

// responseRecorder remembers the status a handler answered with.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// Hijack serves WebSocket upgrades, which answer 101 on the raw connection.
func (rr *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rr.status = http.StatusSwitchingProtocols
	return http.NewResponseController(rr.ResponseWriter).Hijack()
}

// Middleware returns an [http.Handler] wrapper that joins or starts a W3C
// trace, answers with [CorrelationHeader], records
// [Metrics.HTTPRequestDuration] and logs each request at debug level.
//
// Requests are labelled by their [http.ServeMux] pattern when one matched,
// so "/v1/sessions/{id}/stream" is one series however many sessions run.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	o := &httpObserver{metrics: m, prop: propagation.TraceContext{}}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			o.serve(next, w, r)
		})
	}
}

type httpObserver struct {
	metrics *Metrics
	prop    propagation.TextMapPropagator
}

func (o *httpObserver) serve(next http.Handler, w http.ResponseWriter, r *http.Request) {
	began := time.Now()

	// 1. Join the caller's trace when it sent one.
	ctx := o.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(semconv.HTTPRequestMethodKey.String(r.Method), semconv.URLPath(r.URL.Path))

	// 2. Hand the trace back before the handler writes anything.
	cid := CorrelationID(ctx)
	out := w.Header()
	if cid != "" {
		out.Set(CorrelationHeader, cid)
	}
	o.prop.Inject(ctx, propagation.HeaderCarrier(out))

	// 3. Upgraded streams return from here only when the stream ends.
	rr := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
	r = r.WithContext(ctx)
	next.ServeHTTP(rr, r)
	elapsed := time.Since(began)

	// 4. The pattern is only known after routing.
	route := r.URL.Path
	if r.Pattern != "" {
		route = r.Pattern
		span.SetName("HTTP " + route)
	}
	span.SetAttributes(semconv.HTTPResponseStatusCode(rr.status))
	o.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("method", r.Method),
		attribute.String("path", route),
	))

	slog.LogAttrs(ctx, slog.LevelDebug, "http request served",
		slog.String("trace_id", cid),
		slog.String("method", r.Method),
		slog.String("route", route),
		slog.String("path", r.URL.Path),
		slog.Int("status", rr.status),
		slog.Duration("elapsed", elapsed),
	)
}
