package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// Response headers that let a client quote the trace of a rejected upload.
const (
	TraceIDHeader       = "X-Trace-Id"
	SpanIDHeader        = "X-Span-Id"
	TraceResponseHeader = "Traceresponse"
)

// TraceResponseHeaders echoes the server span ids. Traceresponse follows the
// W3C trace-context response header format and is only set for sampled
// spans, since unsampled ids cannot be looked up.
func TraceResponseHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
				h := w.Header()
				h.Set(TraceIDHeader, sc.TraceID().String())
				h.Set(SpanIDHeader, sc.SpanID().String())
				if sc.IsSampled() {
					h.Set(TraceResponseHeader, "00-"+sc.TraceID().String()+"-"+sc.SpanID().String()+"-"+sc.TraceFlags().String())
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
