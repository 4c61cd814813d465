package httpmw

import (
	"context"
	"encoding/hex"
	"net/http"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// DefaultRequestIDHeader carries the id in and out of the server.
const DefaultRequestIDHeader = "X-Request-Id"

// inbound ids longer than this are replaced
const maxRequestIDLen = 128

func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id, or "" outside a request.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID keeps a well-formed inbound id or mints a new one, stores it in
// the context and echoes it on the response. An empty headerName uses
// DefaultRequestIDHeader.
func RequestID(headerName string) func(http.Handler) http.Handler {
	if headerName == "" {
		headerName = DefaultRequestIDHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(headerName)
			if !validRequestID(id) {
				id = newRequestID()
			}
			w.Header().Set(headerName, id)
			next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
		})
	}
}

// validRequestID admits ids made of letters, digits and ._:- so inbound
// values are safe to echo into headers and log fields.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range []byte(id) {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}

// newRequestID returns a time-ordered id as 32 lowercase hex characters, so
// ids sort with the log lines they appear on.
func newRequestID() string {
	u, err := uuid.NewV7()
	if err != nil {
		u = uuid.New()
	}
	return hex.EncodeToString(u[:])
}
