// internal/httpmw/maxbody.go

package httpmw

import (
	"net/http"
	"strconv"
)

// MaxBody limits request body size. A declared Content-Length over the limit
// is rejected with 413 before the handler runs; bodies without a length fail
// with *http.MaxBytesError when the handler reads past the limit.
func MaxBody(bytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > bytes {
				w.Header().Set("Connection", "close")
				http.Error(w, "request body exceeds "+strconv.FormatInt(bytes, 10)+" bytes", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, bytes)
			next.ServeHTTP(w, r)
		})
	}
}
