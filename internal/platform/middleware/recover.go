package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/granary-farm/granary/internal/platform/apperr"
	"github.com/granary-farm/granary/internal/platform/httpx"
)

// Recover converts a panic in a handler into a 500 envelope.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rv := recover()
				if rv == nil {
					return
				}
				if rv == http.ErrAbortHandler {
					panic(rv)
				}
				logger.ErrorContext(r.Context(), "handler panic",
					"panic", fmt.Sprint(rv),
					"stack", string(debug.Stack()),
				)
				httpx.WriteError(w, r, apperr.Internal("internal server error", fmt.Errorf("panic: %v", rv)))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
