package logger

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

func Setup(dev bool) zerolog.Logger {
	var logger zerolog.Logger
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return logger
}

// Requests attaches a request scoped logger to the context and logs each request once it
// has been served. Server errors are logged at error level.
func Requests(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()

			ctx := logger.With().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("addr", r.RemoteAddr).
				Str("request_id", middleware.GetReqID(r.Context())).
				Logger().WithContext(r.Context())

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			evt := zerolog.Ctx(ctx).Info()
			if status >= http.StatusInternalServerError {
				evt = zerolog.Ctx(ctx).Error()
			}
			evt.Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(started)).
				Msg("http request")
		})
	}
}
