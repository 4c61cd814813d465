package buildapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/buildgate/internal/archive"
	"github.com/keithlinneman/buildgate/internal/blobref"
	"github.com/keithlinneman/buildgate/internal/buildstore"
	"github.com/keithlinneman/buildgate/internal/log"
	"github.com/keithlinneman/buildgate/internal/review"
)

type openReviewRequest struct {
	AppID        string `json:"app_id"`
	ReferenceURL string `json:"reference_url"`
}

type replaceArchiveRequest struct {
	ReferenceURL string `json:"reference_url"`
}

// SessionResponse is the state of a review session.
type SessionResponse struct {
	ID         string         `json:"id"`
	AppID      string         `json:"app_id"`
	Generation uint64         `json:"generation"`
	Source     string         `json:"source"`
	SHA256     string         `json:"sha256"`
	Format     archive.Format `json:"format"`
	SizeBytes  int64          `json:"size_bytes"`
	Files      int            `json:"files"`
	LoadedAt   time.Time      `json:"loaded_at"`
	LastAccess time.Time      `json:"last_access"`
	Blobs      blobref.Stats  `json:"blobs"`
}

// TreeResponse is the explorer tree of the session's active archive.
type TreeResponse struct {
	Generation uint64          `json:"generation"`
	Files      int             `json:"files"`
	Nodes      []*archive.Node `json:"nodes"`
}

// EntryResponse is a materialized entry, tagged by kind. Text entries carry
// Text; image and binary entries carry Blob and BlobURL.
type EntryResponse struct {
	Kind       archive.ContentKind `json:"kind"`
	Name       string              `json:"name"`
	Path       string              `json:"path"`
	Generation uint64              `json:"generation"`
	MIME       string              `json:"mime"`
	SizeBytes  int64               `json:"size_bytes"`
	Text       *string             `json:"text,omitempty"`
	Blob       *blobref.Ref        `json:"blob,omitempty"`
	BlobURL    string              `json:"blob_url,omitempty"`
}

type releasedResponse struct {
	ID string `json:"id"`
}

func sessionResponse(info review.Info) SessionResponse {
	return SessionResponse{
		ID:         info.ID,
		AppID:      info.AppID,
		Generation: info.Generation,
		Source:     info.Source,
		SHA256:     info.Digest,
		Format:     info.Format,
		SizeBytes:  info.SizeBytes,
		Files:      info.Files,
		LoadedAt:   info.LoadedAt.UTC(),
		LastAccess: info.LastAccess.UTC(),
		Blobs:      info.Blobs,
	}
}

func (api *API) session(r *http.Request) (*review.Session, error) {
	return api.opts.Reviews.Get(chi.URLParam(r, "id"))
}

func (api *API) fetch(r *http.Request, ref string) (*buildstore.Object, error) {
	if ref == "" {
		return nil, &badRequest{msg: "reference_url is required"}
	}
	obj, err := api.opts.Store.Fetch(r.Context(), ref)
	return obj, upstream("build store", err,
		buildstore.ErrInvalidRef, buildstore.ErrNotFound, buildstore.ErrTooLarge, buildstore.ErrSignature)
}

// HandleOpenReview fetches an uploaded build, verifies it and opens a
// review session around it.
func (api *API) HandleOpenReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req openReviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		api.writeError(ctx, w, err)
		return
	}
	if req.AppID == "" {
		api.writeError(ctx, w, &badRequest{msg: "app_id is required"})
		return
	}

	key, err := api.verifyKey(ctx, req.AppID)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	obj, err := api.fetch(r, req.ReferenceURL)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}

	start := api.opts.Now()
	s, err := api.opts.Reviews.Open(ctx, review.OpenRequest{
		AppID:     req.AppID,
		VerifyKey: key,
		Data:      obj.Data,
		Source:    obj.Reference,
	})
	api.observeVerification(err, start)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	info, err := s.Info()
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	w.Header().Set("Location", "/api/reviews/"+s.ID())
	api.writeOK(ctx, w, http.StatusCreated, sessionResponse(info))
}

func (api *API) HandleReviewInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := api.session(r)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	info, err := s.Info()
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	api.writeOK(ctx, w, http.StatusOK, sessionResponse(info))
}

func (api *API) HandleCloseReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := api.opts.Reviews.Close(ctx, id); err != nil {
		api.writeError(ctx, w, err)
		return
	}
	api.writeOK(ctx, w, http.StatusOK, releasedResponse{ID: id})
}

func (api *API) HandleReviewTree(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := api.session(r)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	forest, gen, err := s.Tree()
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	if forest == nil {
		forest = []*archive.Node{}
	}
	api.writeOK(ctx, w, http.StatusOK, TreeResponse{
		Generation: gen,
		Files:      archive.CountFiles(forest),
		Nodes:      forest,
	})
}

// HandleReplaceArchive loads another uploaded build into the session. On
// failure the session keeps its current archive.
func (api *API) HandleReplaceArchive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := api.session(r)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	var req replaceArchiveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		api.writeError(ctx, w, err)
		return
	}
	obj, err := api.fetch(r, req.ReferenceURL)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}

	start := api.opts.Now()
	err = s.Replace(ctx, obj.Data, obj.Reference)
	api.observeVerification(err, start)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	info, err := s.Info()
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	api.writeOK(ctx, w, http.StatusOK, sessionResponse(info))
}

// HandleEntry materializes the file at ?path= and makes it the session's
// preview. A request overtaken by a newer one answers 409 stale.
func (api *API) HandleEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := r.URL.Query().Get("path")
	if p == "" {
		api.writeError(ctx, w, &badRequest{msg: "path query parameter is required"})
		return
	}
	s, err := api.session(r)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	preview, err := s.Materialize(ctx, p)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}

	resp := EntryResponse{
		Kind:       preview.Kind,
		Name:       preview.Name,
		Path:       preview.Path,
		Generation: preview.Generation,
		MIME:       preview.MIME,
		SizeBytes:  preview.Size,
	}
	if preview.Kind == archive.ContentText {
		text := preview.Text
		resp.Text = &text
	} else if preview.Blob != nil {
		resp.Blob = preview.Blob
		resp.BlobURL = "/api/reviews/" + s.ID() + "/blobs/" + preview.Blob.ID
	}
	api.writeOK(ctx, w, http.StatusOK, resp)
}

// HandleGetBlob serves the raw bytes of a live blob reference.
func (api *API) HandleGetBlob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := api.session(r)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	b, err := s.Blob(chi.URLParam(r, "ref"))
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", b.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(b.Data)))
	w.Header().Set("Content-Disposition", "attachment")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(b.Data); err != nil {
		log.FromContext(ctx).Debug(ctx, "blob write interrupted", "blob_id", b.ID, "error", err.Error())
	}
}

func (api *API) HandleReleaseBlob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := api.session(r)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	id := chi.URLParam(r, "ref")
	if err := s.Release(id); err != nil {
		api.writeError(ctx, w, err)
		return
	}
	api.writeOK(ctx, w, http.StatusOK, releasedResponse{ID: id})
}
