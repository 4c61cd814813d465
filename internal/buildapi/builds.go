package buildapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/buildgate/internal/appkeys"
	"github.com/keithlinneman/buildgate/internal/archive"
	"github.com/keithlinneman/buildgate/internal/buildstore"
	"github.com/keithlinneman/buildgate/internal/log"
)

// VerificationResponse describes an archive that passed verification.
type VerificationResponse struct {
	AppID        string         `json:"app_id"`
	ManifestName string         `json:"manifest_name"`
	Format       archive.Format `json:"format"`
	SHA256       string         `json:"sha256"`
	SizeBytes    int64          `json:"size_bytes"`
	Files        int            `json:"files"`
}

// UploadResponse is a verified archive plus where to upload it.
type UploadResponse struct {
	Verification VerificationResponse     `json:"verification"`
	Upload       *buildstore.UploadTarget `json:"upload"`
}

// HandleVerify checks a raw archive body against the app's verify key.
func (api *API) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := api.verifyBody(ctx, w, r)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	defer res.Handle.Close()

	api.writeOK(ctx, w, http.StatusOK, api.verification(res))
}

// HandleUpload verifies a raw archive body and issues an upload target
// sized for it.
func (api *API) HandleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := api.verifyBody(ctx, w, r)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	defer res.Handle.Close()

	vr := api.verification(res)
	target, err := api.opts.Store.UploadURL(ctx, vr.AppID, vr.SizeBytes, string(vr.Format))
	if err = upstream("build store", err, buildstore.ErrInvalidSize); err != nil {
		api.writeError(ctx, w, err)
		return
	}
	log.FromContext(ctx).Info(ctx, "build verified for upload", "app_id", vr.AppID, "key", target.Key, "size_bytes", vr.SizeBytes)
	api.writeOK(ctx, w, http.StatusCreated, UploadResponse{Verification: vr, Upload: target})
}

func (api *API) verifyBody(ctx context.Context, w http.ResponseWriter, r *http.Request) (*archive.Verified, error) {
	appID := chi.URLParam(r, "appID")
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attribute.String("buildgate.app_id", appID))
	}

	key, err := api.verifyKey(ctx, appID)
	if err != nil {
		return nil, err
	}
	data, err := api.readArchive(w, r)
	if err != nil {
		return nil, err
	}

	start := api.opts.Now()
	res, err := api.opts.Verifier.Verify(ctx, data, appID, key)
	api.observeVerification(err, start)
	return res, err
}

func (api *API) verifyKey(ctx context.Context, appID string) (string, error) {
	key, err := api.opts.Keys.VerifyKey(ctx, appID)
	return key, upstream("key store", err, appkeys.ErrUnknownApp, appkeys.ErrInvalidAppID)
}

func (api *API) verification(res *archive.Verified) VerificationResponse {
	return VerificationResponse{
		AppID:        res.Manifest.AppID,
		ManifestName: api.opts.Verifier.ManifestName(),
		Format:       res.Handle.Format(),
		SHA256:       res.Handle.Digest(),
		SizeBytes:    res.Handle.Size(),
		Files:        archive.CountFiles(archive.BuildTree(res.Handle.Entries())),
	}
}

func (api *API) observeVerification(err error, start time.Time) {
	if api.opts.Metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(archive.KindOf(err))
		if result == "" {
			result = "error"
		}
	}
	api.opts.Metrics.ObserveVerification(result, api.opts.Now().Sub(start).Seconds())
}
