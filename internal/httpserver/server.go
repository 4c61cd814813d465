package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/buildgate/internal/health"
	"github.com/keithlinneman/buildgate/internal/httpmw"
	"github.com/keithlinneman/buildgate/internal/log"
	"github.com/keithlinneman/buildgate/internal/xerrors"
)

const (
	HealthPath = "/healthz"
	ReadyPath  = "/readyz"
)

// DefaultMaxBodyBytes matches the default archive size limit plus room for
// multipart framing some clients add.
const DefaultMaxBodyBytes int64 = 512<<20 + 64<<10

// NewHandler builds an HTTP handler with routes + middleware
// main() owns *http.Server so it can do graceful shutdown
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	r := chi.NewRouter()

	// archives are already compressed, only JSON is worth it
	r.Use(middleware.Compress(5, "application/json"))

	// rename span and tag logger with the chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	r.Use(httpmw.AccessLog())

	r.Use(httpmw.MaxBody(opts.MaxBodyBytes))

	if opts.Health != nil {
		r.Get(HealthPath, health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get(ReadyPath, health.ReadyzHandler(opts.Readiness))
	}

	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}

	var recoverMW func(http.Handler) http.Handler
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(opts.Logger, opts.OnPanic)
	}

	otelMW := otelhttp.NewMiddleware("http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// probes are polled every few seconds
			return r.URL.Path != HealthPath && r.URL.Path != ReadyPath
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// AnnotateHTTPRoute renames the span to the route pattern
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(r *http.Request) bool { return true }),
	)

	return httpmw.Chain(r,
		// outermost so every response carries them, including panics
		httpmw.SecurityHeaders,
		recoverMW,
		httpmw.RequestID("X-Request-Id"),
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		// keyed on the resolved client ip, before any body is read
		opts.RateLimitMW,
		otelMW,
		httpmw.ServiceHeaders(opts.Version, opts.ManifestName),
		httpmw.TraceResponseHeaders(),
		opts.MetricsMW,
		// request-scoped logger sees trace ids and the request id
		httpmw.WithLogger(opts.Logger),
	)
}

// Server timeout defaults. Reads and writes allow for
// archive uploads over slow links.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 5 * time.Minute
	DefaultWriteTimeout      = 5 * time.Minute
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start public HTTP server
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	srv := NewServer(addr, NewHandler(opts))

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen %s", addr)
	}

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 30*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
