// Package appkeys resolves the verify key registered for an application.
// Keys live in SSM Parameter Store as SecureString parameters named
// <prefix>/<app-id>/verify-key and are cached for a fixed TTL.
package appkeys

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/keithlinneman/buildgate/internal/log"
	"github.com/keithlinneman/buildgate/internal/ttlcache"
	"github.com/keithlinneman/buildgate/internal/xerrors"
)

var (
	// ErrUnknownApp is returned when no verify key is registered for the app.
	ErrUnknownApp = errors.New("unknown app")
	// ErrInvalidAppID is returned for ids outside [A-Za-z0-9._-]{1,128}.
	ErrInvalidAppID = errors.New("invalid app id")
)

var appIDRE = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidAppID reports whether id may be used as an app id.
func ValidAppID(id string) bool {
	return appIDRE.MatchString(id) && id != "." && id != ".."
}

// ParamFetcher is the subset of the SSM API the resolver needs.
type ParamFetcher interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	// KeyLookup records one resolution with result hit, miss, unknown or error.
	KeyLookup(result string)
}

type Options struct {
	Client  ParamFetcher
	Prefix  string
	Cache   *ttlcache.Cache[string, string]
	Logger  log.Logger
	Metrics Metrics
}

// Resolver looks up verify keys. Safe for concurrent use.
type Resolver struct {
	client  ParamFetcher
	prefix  string
	cache   *ttlcache.Cache[string, string]
	logger  log.Logger
	metrics Metrics
}

func NewResolver(opts Options) (*Resolver, error) {
	if opts.Client == nil {
		return nil, xerrors.New("appkeys: ssm client is required")
	}
	if !strings.HasPrefix(opts.Prefix, "/") {
		return nil, xerrors.Newf("appkeys: prefix %q must be an absolute parameter path", opts.Prefix)
	}
	if opts.Cache == nil {
		return nil, xerrors.New("appkeys: cache is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Resolver{
		client:  opts.Client,
		prefix:  strings.TrimRight(opts.Prefix, "/"),
		cache:   opts.Cache,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// ParamName returns the SSM parameter holding appID's verify key.
func (r *Resolver) ParamName(appID string) string {
	return fmt.Sprintf("%s/%s/verify-key", r.prefix, appID)
}

// VerifyKey returns the verify key registered for appID.
func (r *Resolver) VerifyKey(ctx context.Context, appID string) (string, error) {
	if !ValidAppID(appID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAppID, appID)
	}
	if key, ok := r.cache.Get(appID); ok {
		r.observe("hit")
		return key, nil
	}

	name := r.ParamName(appID)
	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			r.observe("unknown")
			return "", fmt.Errorf("%w: %s", ErrUnknownApp, appID)
		}
		r.observe("error")
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		r.observe("error")
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	key := strings.TrimSpace(*out.Parameter.Value)
	if key == "" {
		r.observe("unknown")
		return "", fmt.Errorf("%w: %s (empty verify key)", ErrUnknownApp, appID)
	}

	r.cache.Set(appID, key)
	r.observe("miss")
	r.logger.Debug(ctx, "resolved app verify key", "app_id", appID, "param", name)
	return key, nil
}

// Invalidate drops appID's cached key so the next lookup reads SSM.
func (r *Resolver) Invalidate(appID string) {
	r.cache.Invalidate(appID)
}

func (r *Resolver) observe(result string) {
	if r.metrics != nil {
		r.metrics.KeyLookup(result)
	}
}
