package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/keithlinneman/buildgate/internal/appkeys"
	"github.com/keithlinneman/buildgate/internal/archive"
	"github.com/keithlinneman/buildgate/internal/buildapi"
	"github.com/keithlinneman/buildgate/internal/buildstore"
	"github.com/keithlinneman/buildgate/internal/health"
	"github.com/keithlinneman/buildgate/internal/httpserver"
	"github.com/keithlinneman/buildgate/internal/log"
	"github.com/keithlinneman/buildgate/internal/metrics"
	"github.com/keithlinneman/buildgate/internal/review"
)

type staticKeys map[string]string

func (k staticKeys) VerifyKey(_ context.Context, id string) (string, error) {
	v, ok := k[id]
	if !ok {
		return "", appkeys.ErrUnknownApp
	}
	return v, nil
}

type memStore map[string][]byte

func (m memStore) UploadURL(_ context.Context, id string, size int64, ext string) (*buildstore.UploadTarget, error) {
	key := fmt.Sprintf("builds/%s/upload.%s", id, ext)
	return &buildstore.UploadTarget{Method: http.MethodPut, URL: "https://example.invalid/" + key, Key: key, Reference: "s3://builds/" + key}, nil
}

func (m memStore) Fetch(_ context.Context, ref string) (*buildstore.Object, error) {
	data, ok := m[ref]
	if !ok {
		return nil, buildstore.ErrNotFound
	}
	return &buildstore.Object{Reference: ref, Data: data}, nil
}

func zipOf(t *testing.T, kv ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i := 0; i+1 < len(kv); i += 2 {
		w, err := zw.Create(kv[i])
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(kv[i+1]))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// TestIntegration_FullStack wires the build API, metrics middleware and
// probes into httpserver.NewHandler and checks requests end to end.
func TestIntegration_FullStack(t *testing.T) {
	const manifest = `{"app_id":"com.example.app","verify_key":"vk-1"}`
	build := zipOf(t, "loopsync.json", manifest, "src/app.js", "console.log(1)")

	v := archive.NewVerifier("", archive.Limits{})
	reviews := review.NewManager(review.Options{Verifier: v})
	t.Cleanup(func() { reviews.CloseAll(context.Background()) })

	m := metrics.New()
	api := buildapi.New(buildapi.Options{
		Verifier: v,
		Keys:     staticKeys{"com.example.app": "vk-1"},
		Store:    memStore{"s3://builds/builds/com.example.app/v1.zip": build},
		Reviews:  reviews,
		Metrics:  m,
	})

	gate := &health.ShutdownGate{}
	handler := httpserver.NewHandler(httpserver.Options{
		Logger:       log.Nop(),
		UseRecoverMW: true,
		MetricsMW:    m.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    gate.Probe(),
		APIRoutes:    api.RegisterRoutes,
		Version:      "1.0.0",
		ManifestName: v.ManifestName(),
	})

	do := func(method, path string, body []byte) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(method, path, bytes.NewReader(body)))
		return rec
	}

	t.Run("verify", func(t *testing.T) {
		rec := do(http.MethodPost, "/api/apps/com.example.app/builds/verify", build)
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
			t.Fatalf("verify = %d %s", rec.Code, rec.Body.String())
		}
		if rec.Header().Get("X-Build-Manifest") != "loopsync.json" || rec.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Fatalf("headers = %v", rec.Header())
		}
	})

	t.Run("review session", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"app_id": "com.example.app", "reference_url": "s3://builds/builds/com.example.app/v1.zip"})
		rec := do(http.MethodPost, "/api/reviews", body)
		if rec.Code != http.StatusCreated {
			t.Fatalf("open = %d %s", rec.Code, rec.Body.String())
		}
		loc := rec.Header().Get("Location")
		rec = do(http.MethodGet, loc+"/entry?path=src/app.js", nil)
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"kind":"text"`) {
			t.Fatalf("entry = %d %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("probes", func(t *testing.T) {
		if rec := do(http.MethodGet, httpserver.HealthPath, nil); rec.Code != http.StatusOK {
			t.Fatalf("healthz = %d", rec.Code)
		}
		if rec := do(http.MethodGet, httpserver.ReadyPath, nil); rec.Code != http.StatusOK {
			t.Fatalf("readyz = %d", rec.Code)
		}
		gate.Set("draining")
		if rec := do(http.MethodGet, httpserver.ReadyPath, nil); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("readyz while draining = %d", rec.Code)
		}
	})

	t.Run("route labels in metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		out := rec.Body.String()
		for _, want := range []string{
			`route="/api/apps/{appID}/builds/verify"`,
			`build_verifications_total{result="ok"} 2`,
		} {
			if !strings.Contains(out, want) {
				t.Errorf("metrics output missing %s", want)
			}
		}
		if strings.Contains(out, "com.example.app/builds") {
			t.Error("raw request path leaked into metric labels")
		}
	})
}
