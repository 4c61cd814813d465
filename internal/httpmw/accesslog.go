package httpmw

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/buildgate/internal/log"
)

// accessRecorder captures what the access log reports. When the request span
// is recording it also opens a "response.write" child span at the first byte,
// which separates handler time from time spent pushing blobs to the client.
type accessRecorder struct {
	http.ResponseWriter
	ctx   context.Context
	start time.Time

	status  int
	written int64
	blocked time.Duration
	err     error

	span    trace.Span
	started bool
}

func (a *accessRecorder) begin() {
	if a.started {
		return
	}
	a.started = true
	if !trace.SpanFromContext(a.ctx).IsRecording() {
		return
	}
	_, a.span = otel.Tracer("buildgate/httpmw").Start(a.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", time.Since(a.start).Seconds())))
}

func (a *accessRecorder) WriteHeader(code int) {
	a.begin()
	if a.status == 0 {
		a.status = code
	}
	t := time.Now()
	a.ResponseWriter.WriteHeader(code)
	a.blocked += time.Since(t)
}

func (a *accessRecorder) Write(p []byte) (int, error) {
	a.begin()
	if a.status == 0 {
		a.status = http.StatusOK
	}
	t := time.Now()
	n, err := a.ResponseWriter.Write(p)
	a.blocked += time.Since(t)
	a.written += int64(n)
	if err != nil && a.err == nil {
		a.err = err
	}
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (a *accessRecorder) Unwrap() http.ResponseWriter { return a.ResponseWriter }

func (a *accessRecorder) code() int {
	if a.status == 0 {
		return http.StatusOK
	}
	return a.status
}

func (a *accessRecorder) end() {
	if a.span == nil {
		return
	}
	a.span.SetAttributes(
		attribute.Int("http.response.status_code", a.code()),
		attribute.Int64("http.response.body.size", a.written),
		attribute.Float64("http.server.write.block_seconds", a.blocked.Seconds()),
	)
	if a.err != nil {
		a.span.RecordError(a.err)
		a.span.SetStatus(codes.Error, a.err.Error())
	}
	a.span.End()
}

// probe endpoints stay out of the access log
var quietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
}

// AccessLog emits one "http request" line per request after the handler
// returns, using the logger WithLogger placed in the context.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			rec := &accessRecorder{ResponseWriter: w, ctx: ctx, start: time.Now()}
			next.ServeHTTP(rec, r)
			rec.end()

			if quietPaths[r.URL.Path] {
				return
			}
			log.FromContext(ctx).Info(ctx, "http request",
				"http.response.status_code", rec.code(),
				"http.server.request.duration", time.Since(rec.start).Seconds(),
				"http.response.body.size", rec.written,
				"http.request.body.size", max(r.ContentLength, 0),
				"http.route", routePattern(r),
			)
		})
	}
}
