package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	testTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	testSpanID  = "00f067aa0ba902b7"
)

func spanCtx(flags trace.TraceFlags) context.Context {
	tid, _ := trace.TraceIDFromHex(testTraceID)
	sid, _ := trace.SpanIDFromHex(testSpanID)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: flags})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestTraceResponseHeaders(t *testing.T) {
	_, noopSpan := noop.NewTracerProvider().Tracer("test").Start(context.Background(), "op")

	tests := []struct {
		name     string
		ctx      context.Context
		traceID  string
		response string
	}{
		{"sampled", spanCtx(trace.FlagsSampled), testTraceID, "00-" + testTraceID + "-" + testSpanID + "-01"},
		{"unsampled", spanCtx(0), testTraceID, ""},
		{"no span", context.Background(), "", ""},
		{"noop span", trace.ContextWithSpan(context.Background(), noopSpan), "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/reviews/x/tree", http.NoBody).WithContext(tc.ctx)
			TraceResponseHeaders()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})).ServeHTTP(rec, req)

			if got := rec.Header().Get(TraceIDHeader); got != tc.traceID {
				t.Errorf("%s = %q, want %q", TraceIDHeader, got, tc.traceID)
			}
			if tc.traceID != "" && rec.Header().Get(SpanIDHeader) != testSpanID {
				t.Errorf("%s = %q", SpanIDHeader, rec.Header().Get(SpanIDHeader))
			}
			if got := rec.Header().Get(TraceResponseHeader); got != tc.response {
				t.Errorf("%s = %q, want %q", TraceResponseHeader, got, tc.response)
			}
			if rec.Code != http.StatusNoContent {
				t.Errorf("status = %d, handler response not passed through", rec.Code)
			}
		})
	}
}

// headers must be set before the handler writes, or they are lost
func TestTraceResponseHeaders_SetBeforeWrite(t *testing.T) {
	var seen string
	h := TraceResponseHeaders()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = w.Header().Get(TraceIDHeader)
		_, _ = w.Write([]byte("ok"))
	}))
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody).WithContext(spanCtx(trace.FlagsSampled))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != testTraceID {
		t.Fatalf("header inside handler = %q", seen)
	}
}
