package httpmw

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func echoBody(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			var mbe *http.MaxBytesError
			if !errors.As(err, &mbe) {
				t.Errorf("read error = %T, want *http.MaxBytesError", err)
			}
			http.Error(w, "too large", http.StatusRequestEntityTooLarge)
			return
		}
		w.Write(b)
	})
}

func TestMaxBody(t *testing.T) {
	const limit = 64
	tests := []struct {
		name        string
		body        string
		unsized     bool
		wantStatus  int
		wantHandled bool
	}{
		{"under limit", "PK\x03\x04", false, http.StatusOK, true},
		{"exactly at limit", strings.Repeat("x", limit), false, http.StatusOK, true},
		{"declared over limit", strings.Repeat("x", limit+1), false, http.StatusRequestEntityTooLarge, false},
		{"unsized over limit", strings.Repeat("x", limit+1), true, http.StatusRequestEntityTooLarge, true},
		{"unsized under limit", "abc", true, http.StatusOK, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handled := false
			inner := echoBody(t)
			h := MaxBody(limit)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handled = true
				inner.ServeHTTP(w, r)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/apps/a/builds/verify", strings.NewReader(tc.body))
			if tc.unsized {
				req.ContentLength = -1
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if handled != tc.wantHandled {
				t.Fatalf("handler ran = %v, want %v", handled, tc.wantHandled)
			}
			if tc.wantStatus == http.StatusOK && rec.Body.String() != tc.body {
				t.Fatalf("body = %q", rec.Body.String())
			}
		})
	}
}

func TestMaxBody_NoBody(t *testing.T) {
	rec := httptest.NewRecorder()
	MaxBody(0)(echoBody(t)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
