package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ServiceHeaders advertises the running build and the manifest file name
// that archives are checked against, so client tooling can detect a
// mismatched contract before uploading.
func ServiceHeaders(version, manifestName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if version != "" {
				w.Header().Set("X-Buildgate-Version", version)
			}
			if manifestName != "" {
				w.Header().Set("X-Build-Manifest", manifestName)
			}
			if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
				span.SetAttributes(
					attribute.String("buildgate.version", version),
					attribute.String("buildgate.manifest", manifestName),
				)
			}
			next.ServeHTTP(w, r)
		})
	}
}
