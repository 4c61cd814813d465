package opshttp

import (
	"net/http"

	"github.com/keithlinneman/buildgate/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// Debug mounts extra read-only handlers, keyed by path under /debug/.
	Debug map[string]http.Handler
	// AllowPublic serves the admin endpoints to any source address. By
	// default only loopback, private and link-local peers are served.
	AllowPublic bool
}
