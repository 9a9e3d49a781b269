package middleware

import (
	"net/http"
	"runtime/debug"

	"claudegate/internal/proxyerr"
	"claudegate/pkg/logging/logging"

	"go.uber.org/zap"
)

// Recoverer logs a recovered panic and answers with the standard error
// envelope. If the handler already wrote headers (mid-stream panic), nothing
// more can be sent.
func Recoverer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logging.L(r.Context()).Error("panic recovered",
						zap.Any("error", rec),
						zap.ByteString("stack", debug.Stack()),
					)
					proxyerr.Render(w, proxyerr.Internal("internal server error"))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
