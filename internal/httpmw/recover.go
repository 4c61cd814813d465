package httpmw

import (
	"io"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/buildgate/internal/log"
	"github.com/keithlinneman/buildgate/internal/xerrors"
)

// panicBody matches the build API error envelope.
const panicBody = `{"status":"error","error":{"kind":"internal","message":"internal error"}}` + "\n"

// Recover turns a handler panic into a 500 JSON error, logs it with the
// stack and calls onPanic (metrics) when set. http.ErrAbortHandler is
// re-raised so net/http can abort the connection.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				var err error
				switch v := rec.(type) {
				case error:
					err = xerrors.Wrap(v, "panic")
				default:
					err = xerrors.Newf("panic: %v", v)
				}

				L.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
				).Error(r.Context(), err, "httpserver panic recovered", "stack", string(debug.Stack()))

				if onPanic != nil {
					onPanic()
				}
				h := w.Header()
				h.Del("Content-Length")
				h.Del("Content-Disposition")
				h.Set("Content-Type", "application/json; charset=utf-8")
				h.Set("Cache-Control", "no-store")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = io.WriteString(w, panicBody)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
