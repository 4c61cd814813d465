package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandlers(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantCode int
		wantBody string
	}{
		{"healthz ok", HealthzHandler(Fixed(true, "")), http.StatusOK, "ok\n"},
		{"healthz nil probe", HealthzHandler(nil), http.StatusOK, "ok\n"},
		{"healthz failing", HealthzHandler(Fixed(false, "ssm: throttled")), http.StatusServiceUnavailable, "ssm: throttled\n"},
		{"readyz ok", ReadyzHandler(Fixed(true, "")), http.StatusOK, "ready\n"},
		{"readyz nil probe", ReadyzHandler(nil), http.StatusOK, "ready\n"},
		{"readyz failing", ReadyzHandler(Fixed(false, "build_store: bucket unreachable")), http.StatusServiceUnavailable, "build_store: bucket unreachable\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tc.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantCode)
			}
			if rec.Body.String() != tc.wantBody {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tc.wantBody)
			}
			if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
				t.Fatalf("Cache-Control = %q, want no-store", cc)
			}
		})
	}
}

func TestHandler_EvaluatesPerRequest(t *testing.T) {
	var down bool
	h := ReadyzHandler(CheckFunc(func(context.Context) error {
		if down {
			return errors.New("review sessions full")
		}
		return nil
	}))

	for _, tc := range []struct {
		down bool
		want int
	}{
		{false, http.StatusOK},
		{true, http.StatusServiceUnavailable},
		{false, http.StatusOK},
	} {
		down = tc.down
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody))
		if rec.Code != tc.want {
			t.Fatalf("down=%v: status = %d, want %d", tc.down, rec.Code, tc.want)
		}
	}
}

func TestHandler_PassesRequestContext(t *testing.T) {
	type key struct{}
	var got any
	h := HealthzHandler(CheckFunc(func(ctx context.Context) error {
		got = ctx.Value(key{})
		return nil
	}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	req = req.WithContext(context.WithValue(req.Context(), key{}, "v"))
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got != "v" {
		t.Fatalf("probe saw %v, want request context value", got)
	}
}
