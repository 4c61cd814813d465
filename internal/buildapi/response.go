package buildapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/keithlinneman/buildgate/internal/log"
)

const (
	statusOK    = "ok"
	statusError = "error"
)

type envelope struct {
	Status string     `json:"status"`
	Data   any        `json:"data,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.FromContext(ctx).Warn(ctx, "failed to encode JSON response", "error", err)
	}
}

func (api *API) writeOK(ctx context.Context, w http.ResponseWriter, status int, data any) {
	api.writeJSON(ctx, w, status, envelope{Status: statusOK, Data: data})
}

// writeError classifies err and logs it at a level matching the status.
func (api *API) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, body := classify(err)
	L := log.FromContext(ctx)
	switch {
	case status >= 500:
		L.Error(ctx, err, "request failed", "status_code", status, "kind", body.Kind)
	case status == http.StatusNotFound:
		L.Debug(ctx, "request rejected", "status_code", status, "kind", body.Kind, "error", err.Error())
	default:
		L.Info(ctx, "request rejected", "status_code", status, "kind", body.Kind, "error", err.Error())
	}
	api.writeJSON(ctx, w, status, envelope{Status: statusError, Error: &body})
}

// readArchive reads a raw archive body bounded by the archive size limit.
func (api *API) readArchive(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, api.maxArchive))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &badRequest{msg: "request body must be a zip or tar.gz archive"}
	}
	return data, nil
}

// decodeJSON decodes a single JSON object into dst, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return err
		}
		return &badRequest{msg: "invalid JSON body: " + err.Error()}
	}
	if dec.More() {
		return &badRequest{msg: "invalid JSON body: trailing data"}
	}
	return nil
}
