package middleware

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// RequestLogger logs every request once it has been served. Server errors
// are logged as errors, client errors as warnings.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}

				fields := []zap.Field{
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", status),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("requestID", chimiddleware.GetReqID(r.Context())),
				}

				switch {
				case status >= http.StatusInternalServerError:
					log.Error("Request served", fields...)
				case status >= http.StatusBadRequest:
					log.Warn("Request served", fields...)
				default:
					log.Debug("Request served", fields...)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
