package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/buildgate/internal/appkeys"
	"github.com/keithlinneman/buildgate/internal/archive"
	"github.com/keithlinneman/buildgate/internal/buildapi"
	"github.com/keithlinneman/buildgate/internal/buildstore"
	"github.com/keithlinneman/buildgate/internal/cfg"
	"github.com/keithlinneman/buildgate/internal/cryptoutil"
	"github.com/keithlinneman/buildgate/internal/health"
	"github.com/keithlinneman/buildgate/internal/httpmw"
	"github.com/keithlinneman/buildgate/internal/httpserver"
	"github.com/keithlinneman/buildgate/internal/log"
	"github.com/keithlinneman/buildgate/internal/metrics"
	"github.com/keithlinneman/buildgate/internal/opshttp"
	"github.com/keithlinneman/buildgate/internal/otelx"
	"github.com/keithlinneman/buildgate/internal/prof"
	"github.com/keithlinneman/buildgate/internal/ratelimit"
	"github.com/keithlinneman/buildgate/internal/review"
	"github.com/keithlinneman/buildgate/internal/ttlcache"
	v "github.com/keithlinneman/buildgate/internal/version"
)

// drainPeriod is how long readiness fails before listeners shut down.
const drainPeriod = 20 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"trusted_hops", conf.TrustedHops,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"manifest_name", conf.ManifestName,
		"max_archive_bytes", conf.MaxArchiveBytes,
		"max_entries", conf.MaxEntries,
		"max_total_bytes", conf.MaxTotalBytes,
		"max_inflate_ratio", conf.MaxInflateRatio,
		"builds_s3_bucket", conf.BuildsS3Bucket,
		"builds_s3_prefix", conf.BuildsS3Prefix,
		"build_signing_key_arn", conf.BuildSigningKeyARN,
		"app_keys_ssm_prefix", conf.AppKeysSSMPrefix,
		"max_review_sessions", conf.MaxReviewSessions,
		"review_session_ttl", conf.ReviewSessionTTL.String(),
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		// profiling is optional, keep serving
		L.Warn(ctx, "continuing without profiling", "error", err)
	}
	defer stopProf()

	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,

		Environment: conf.Environment,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		L.Error(ctx, err, "failed to load AWS config")
		os.Exit(1)
	}
	s3Client := s3.NewFromConfig(awsCfg)

	keys, err := appkeys.NewResolver(appkeys.Options{
		Client:  ssm.NewFromConfig(awsCfg),
		Prefix:  conf.AppKeysSSMPrefix,
		Cache:   ttlcache.New[string, string](conf.AppKeyCacheSize, conf.AppKeyCacheTTL),
		Logger:  L,
		Metrics: m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create app key resolver")
		os.Exit(1)
	}

	var signatures buildstore.SignatureVerifier
	if conf.BuildSigningKeyARN != "" {
		signatures = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.BuildSigningKeyARN)
	}

	store, err := buildstore.New(buildstore.Options{
		Client:     s3Client,
		Presigner:  s3.NewPresignClient(s3Client),
		Bucket:     conf.BuildsS3Bucket,
		Prefix:     conf.BuildsS3Prefix,
		MaxBytes:   conf.MaxArchiveBytes,
		UploadTTL:  conf.UploadURLTTL,
		Signatures: signatures,
		Logger:     L,
		Metrics:    m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create build store")
		os.Exit(1)
	}

	verifier := archive.NewVerifier(conf.ManifestName, archive.Limits{
		MaxArchiveBytes: conf.MaxArchiveBytes,
		MaxEntries:      conf.MaxEntries,
		MaxEntryBytes:   conf.MaxEntryBytes,
		MaxTotalBytes:   conf.MaxTotalBytes,
		MaxInflateRatio: conf.MaxInflateRatio,
	})

	reviews := review.NewManager(review.Options{
		Verifier:    verifier,
		Logger:      L.With("component", "review"),
		Metrics:     m,
		MaxSessions: conf.MaxReviewSessions,
		IdleTTL:     conf.ReviewSessionTTL,
		BlobBudget:  conf.MaxBlobBytes,
	})
	reaperCtx, stopReaper := reaperContext(ctx)
	defer stopReaper()
	reviewsDone := make(chan struct{})
	go func() {
		defer close(reviewsDone)
		_ = reviews.Run(reaperCtx)
	}()

	api := buildapi.New(buildapi.Options{
		Verifier: verifier,
		Keys:     keys,
		Store:    store,
		Reviews:  reviews,
		Logger:   L,
		Metrics:  m,
	})

	var gate health.ShutdownGate
	readiness := health.All(
		gate.Probe(),
		health.Dependency("build_store", 3*time.Second, store.Ping),
	)

	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(5, 20),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new clients until some are evicted")
		}),
	)

	apiStop, err := httpserver.Start(ctx, httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    api.RegisterRoutes,
		MaxBodyBytes: conf.MaxArchiveBytes + 64<<10,
		Version:      vi.Version,
		ManifestName: conf.ManifestName,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		os.Exit(1)
	}
	defer func() { _ = apiStop(context.Background()) }()

	opsStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		Debug: map[string]http.Handler{
			"reviews": opshttp.JSONHandler(func() any { return reviews.List() }),
		},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd readiness not sent", "error", err)
	}

	<-ctx.Done()
	stop()
	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	gate.Set("draining")
	L.Info(bg, "readiness failing, draining", "period", drainPeriod.String())
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 35*time.Second)
	defer cancel()

	if err := stopServing(shutdownCtx, apiStop, stopReaper, reviewsDone); err != nil {
		L.Error(bg, err, "api shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
}

// reaperContext detaches the session reaper from the signal context. It is
// cancelled by stopServing once the API listener is down.
func reaperContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(context.WithoutCancel(ctx))
}

// stopServing shuts the API listener down, then stops the reaper, which
// closes every review session. Requests admitted during the drain still
// find their sessions.
func stopServing(ctx context.Context, apiStop func(context.Context) error, stopReaper context.CancelFunc, reaperDone <-chan struct{}) error {
	var errs []error
	if err := apiStop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("api http server: %w", err))
	}
	stopReaper()
	select {
	case <-reaperDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("review sessions did not close: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

// notifySystemd sends READY=1 when started as a Type=notify unit.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify: %w", err)
	}
	return nil
}
