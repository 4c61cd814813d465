package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// statusWriter records the status and body size of a response.
type statusWriter struct {
	http.ResponseWriter
	status int
	n      int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.n += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// unmatchedRoute labels requests no route claimed, so raw paths never
// become label values.
const unmatchedRoute = "unmatched"

// Middleware records in-flight, count, latency and request/response sizes
// per method and chi route pattern. It must run outside the router so the
// pattern is complete when the handler returns.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// the router fills a context it finds rather than creating its own
		if chi.RouteContext(r.Context()) == nil {
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
		}

		m.inflight.Inc()
		defer m.inflight.Dec()

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		ctx := r.Context()
		route := chi.RouteContext(ctx).RoutePattern()
		if route == "" {
			route = unmatchedRoute
		}
		code := sw.code()

		m.reqTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		if code >= 500 {
			m.errorsTotal.WithLabelValues(r.Method, route).Inc()
		}
		observe(m.reqDur.WithLabelValues(r.Method, route), time.Since(start).Seconds(), traceExemplar(ctx))
		if r.ContentLength > 0 {
			m.reqBytes.WithLabelValues(r.Method, route).Observe(float64(r.ContentLength))
		}
		m.respBytes.WithLabelValues(r.Method, route).Observe(float64(sw.n))
	})
}

func observe(o prometheus.Observer, v float64, ex prometheus.Labels) {
	if eo, ok := o.(prometheus.ExemplarObserver); ok && ex != nil {
		eo.ObserveWithExemplar(v, ex)
		return
	}
	o.Observe(v)
}

// traceExemplar returns the trace id of a sampled span, if any.
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
