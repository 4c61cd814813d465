package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/buildgate/internal/health"
	"github.com/keithlinneman/buildgate/internal/httpmw"
	"github.com/keithlinneman/buildgate/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	Health       health.Probe
	Readiness    health.Probe

	// APIRoutes registers the JSON API on the router.
	APIRoutes func(chi.Router)

	// MaxBodyBytes bounds every request body. Defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64

	// Version and ManifestName are echoed in X-Buildgate-Version and
	// X-Build-Manifest response headers.
	Version      string
	ManifestName string
}
