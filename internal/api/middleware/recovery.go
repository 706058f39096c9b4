package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	apierrors "github.com/narvanalabs/botrunner/internal/api/errors"
)

// Recovery returns a middleware that turns handler panics into a 500 with a
// structured error body. Panics raised by http.ErrAbortHandler are re-panicked
// so the server can drop the connection.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
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

				requestID := middleware.GetReqID(r.Context())
				entry := apierrors.NewErrorLogEntry(requestID, apierrors.CodeInternalError, "panic recovered")

				attrs := append(entry.ToSlogAttrs(),
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"server_id", chi.URLParam(r, "serverID"),
					"deployment_id", chi.URLParam(r, "deploymentID"),
					"stack", string(debug.Stack()),
				)
				logger.Error("panic recovered", attrs...)

				apierrors.WriteError(w, apierrors.NewInternalError("An unexpected error occurred").WithRequestID(requestID))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
