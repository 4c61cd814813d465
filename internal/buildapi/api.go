// Package buildapi is the JSON API for verifying build archives, issuing
// upload targets and browsing uploaded builds through review sessions.
//
// Every JSON response is an envelope tagged by "status": "ok" carries
// "data", "error" carries an error object whose "kind" is either an
// archive error kind or one of the kinds declared in errors.go.
package buildapi

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/buildgate/internal/archive"
	"github.com/keithlinneman/buildgate/internal/buildstore"
	"github.com/keithlinneman/buildgate/internal/httpmw"
	"github.com/keithlinneman/buildgate/internal/log"
	"github.com/keithlinneman/buildgate/internal/review"
)

// maxJSONBytes bounds JSON request bodies.
const maxJSONBytes = 64 << 10

// KeyResolver returns the verify key registered for an app.
type KeyResolver interface {
	VerifyKey(ctx context.Context, appID string) (string, error)
}

// BuildStore issues upload targets and fetches uploaded builds.
type BuildStore interface {
	UploadURL(ctx context.Context, appID string, sizeBytes int64, ext string) (*buildstore.UploadTarget, error)
	Fetch(ctx context.Context, ref string) (*buildstore.Object, error)
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	ObserveVerification(result string, seconds float64)
}

// Options configures the API. Verifier, Keys, Store and Reviews are required.
type Options struct {
	Verifier *archive.Verifier
	Keys     KeyResolver
	Store    BuildStore
	Reviews  *review.Manager
	Logger   log.Logger
	Metrics  Metrics
	Now      func() time.Time
}

type API struct {
	opts       Options
	logger     log.Logger
	maxArchive int64
}

func New(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &API{
		opts:       opts,
		logger:     opts.Logger,
		maxArchive: opts.Verifier.Limits().MaxArchiveBytes,
	}
}

// RegisterRoutes attaches the build and review endpoints to r.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/apps/{appID}/builds", func(r chi.Router) {
		r.Use(httpmw.Scope("builds"))
		r.Post("/verify", api.HandleVerify)
		r.Post("/", api.HandleUpload)
	})
	r.Route("/api/reviews", func(r chi.Router) {
		r.Use(httpmw.Scope("reviews"))
		r.Post("/", api.HandleOpenReview)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", api.HandleReviewInfo)
			r.Delete("/", api.HandleCloseReview)
			r.Get("/tree", api.HandleReviewTree)
			r.Put("/archive", api.HandleReplaceArchive)
			r.Get("/entry", api.HandleEntry)
			r.Get("/blobs/{ref}", api.HandleGetBlob)
			r.Delete("/blobs/{ref}", api.HandleReleaseBlob)
		})
	})
}
