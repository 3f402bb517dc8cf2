package httpmw

import (
	"net/http"

	"github.com/quiltfin/gateway/internal/log"
	"github.com/quiltfin/gateway/internal/xerrors"
)

// Recover converts handler panics into a generic 500 JSON response. Stack
// traces go to the log, never to the client. onPanic, if set, fires after
// logging (e.g. to bump a counter).
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					// the server uses this to abort in-flight writes; re-raise
					panic(rec)
				}

				var err error
				switch v := rec.(type) {
				case error:
					err = xerrors.WithStack(v)
				default:
					err = xerrors.Newf("panic: %v", v)
				}
				logger.Error(r.Context(), err, "recovered handler panic",
					"method", r.Method,
					"path", r.URL.Path,
				)
				if onPanic != nil {
					onPanic()
				}

				// headers may already be sent; this write is best effort
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"success":false,"error":"internal server error"}`))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
