package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/keithlinneman/buildgate/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names when reading the environment.
const EnvPrefix = "BUILDGATE_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	EnablePprof bool
	TrustedHops int

	Environment     string
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	ManifestName    string
	MaxArchiveBytes int64
	MaxEntries      int
	MaxEntryBytes   int64
	MaxTotalBytes   int64
	MaxInflateRatio int

	BuildsS3Bucket     string
	BuildsS3Prefix     string
	UploadURLTTL       time.Duration
	BuildSigningKeyARN string

	AppKeysSSMPrefix string
	AppKeyCacheTTL   time.Duration
	AppKeyCacheSize  int

	MaxReviewSessions int
	ReviewSessionTTL  time.Duration
	MaxBlobBytes      int64
}

// Register binds all config fields to fs with their defaults.
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error wrap locations in error logs")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "number of trusted proxies in front of the API (0..4)")

	fs.StringVar(&c.Environment, "environment", "", "deployment environment reported on traces (e.g. prod, staging)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.StringVar(&c.ManifestName, "manifest-name", "loopsync.json", "manifest file expected at the root of every build archive")
	fs.Int64Var(&c.MaxArchiveBytes, "max-archive-bytes", 512<<20, "largest accepted build archive in bytes")
	fs.IntVar(&c.MaxEntries, "max-entries", 50000, "largest accepted number of entries in a build archive")
	fs.Int64Var(&c.MaxEntryBytes, "max-entry-bytes", 256<<20, "largest single inflated entry in bytes")
	fs.Int64Var(&c.MaxTotalBytes, "max-total-bytes", 2<<30, "largest declared inflated size of all entries in bytes")
	fs.IntVar(&c.MaxInflateRatio, "max-inflate-ratio", 100, "largest declared inflated size as a multiple of the archive size")

	fs.StringVar(&c.BuildsS3Bucket, "builds-s3-bucket", "", "s3 bucket that stores uploaded builds")
	fs.StringVar(&c.BuildsS3Prefix, "builds-s3-prefix", "builds", "s3 key prefix for uploaded builds")
	fs.DurationVar(&c.UploadURLTTL, "upload-url-ttl", 15*time.Minute, "lifetime of presigned upload urls")
	fs.StringVar(&c.BuildSigningKeyARN, "build-signing-key-arn", "", "KMS key ARN for build signature verification (empty disables)")

	fs.StringVar(&c.AppKeysSSMPrefix, "app-keys-ssm-prefix", "/buildgate/apps", "ssm path prefix holding <app-id>/verify-key parameters")
	fs.DurationVar(&c.AppKeyCacheTTL, "app-key-cache-ttl", 5*time.Minute, "how long resolved verify keys are cached")
	fs.IntVar(&c.AppKeyCacheSize, "app-key-cache-size", 1024, "max number of cached verify keys")

	fs.IntVar(&c.MaxReviewSessions, "max-review-sessions", 64, "max concurrent review sessions")
	fs.DurationVar(&c.ReviewSessionTTL, "review-session-ttl", 30*time.Minute, "idle time before a review session is closed")
	fs.Int64Var(&c.MaxBlobBytes, "max-blob-bytes", 256<<20, "max bytes of unreleased previews per review session")
}

// FillFromEnv sets every flag not passed on the command line from the
// environment. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		val, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, val)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, val); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, val, err)
			}
		}
	})
}

var manifestNameRE = regexp.MustCompile(`^[A-Za-z0-9._-]+\.json$`)

// Validate checks ranges and formats and reports every invalid field at once.
func Validate(c App) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		add("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort)
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		add("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort)
	}
	if c.AdminPort == c.HTTPPort {
		add("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}
	if c.TrustedHops < 0 || c.TrustedHops > 4 {
		add("TRUSTED_HOPS must be 0..4 (got %d)", c.TrustedHops)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL: %w", err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL: %w", err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		add("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		add("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			add("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			add("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err)
		}
	}
	if c.EnablePyroscope {
		if u, err := url.Parse(c.PyroServer); c.PyroServer == "" || err != nil || u.Scheme == "" || u.Host == "" {
			add("PYRO_SERVER must be a URL when ENABLE_PYROSCOPE=true (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			add("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}

	if !manifestNameRE.MatchString(c.ManifestName) {
		add("MANIFEST_NAME must be a bare .json file name (got %q)", c.ManifestName)
	}
	if c.MaxArchiveBytes < 1 {
		add("MAX_ARCHIVE_BYTES must be positive (got %d)", c.MaxArchiveBytes)
	}
	if c.MaxEntries < 1 {
		add("MAX_ENTRIES must be positive (got %d)", c.MaxEntries)
	}
	if c.MaxEntryBytes < 1 {
		add("MAX_ENTRY_BYTES must be positive (got %d)", c.MaxEntryBytes)
	}
	if c.MaxTotalBytes < c.MaxEntryBytes {
		add("MAX_TOTAL_BYTES must be at least MAX_ENTRY_BYTES (got %d < %d)", c.MaxTotalBytes, c.MaxEntryBytes)
	}
	if c.MaxInflateRatio < 1 || c.MaxInflateRatio > 10000 {
		add("MAX_INFLATE_RATIO must be 1..10000 (got %d)", c.MaxInflateRatio)
	}

	if c.BuildsS3Bucket == "" {
		add("BUILDS_S3_BUCKET is required")
	}
	if c.UploadURLTTL < time.Minute || c.UploadURLTTL > 7*24*time.Hour {
		add("UPLOAD_URL_TTL must be between 1m and 168h (got %s)", c.UploadURLTTL)
	}
	if c.AppKeysSSMPrefix == "" || !strings.HasPrefix(c.AppKeysSSMPrefix, "/") {
		add("APP_KEYS_SSM_PREFIX must be an absolute ssm path (got %q)", c.AppKeysSSMPrefix)
	}
	if c.AppKeyCacheTTL < 0 {
		add("APP_KEY_CACHE_TTL must not be negative (got %s)", c.AppKeyCacheTTL)
	}
	if c.AppKeyCacheSize < 1 {
		add("APP_KEY_CACHE_SIZE must be positive (got %d)", c.AppKeyCacheSize)
	}

	if c.MaxReviewSessions < 1 {
		add("MAX_REVIEW_SESSIONS must be positive (got %d)", c.MaxReviewSessions)
	}
	if c.ReviewSessionTTL < time.Minute {
		add("REVIEW_SESSION_TTL must be at least 1m (got %s)", c.ReviewSessionTTL)
	}
	if c.MaxBlobBytes < 1 {
		add("MAX_BLOB_BYTES must be positive (got %d)", c.MaxBlobBytes)
	}

	return errors.Join(errs...)
}
