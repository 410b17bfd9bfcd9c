package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/planboard/internal/access"
)

type contextKey int

const callerContextKey contextKey = iota

// WithCaller returns a copy of ctx carrying the caller.
func WithCaller(ctx context.Context, caller *access.Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, caller)
}

// CallerFromContext returns nil for unauthenticated requests.
func CallerFromContext(ctx context.Context) *access.Caller {
	caller, _ := ctx.Value(callerContextKey).(*access.Caller)
	return caller
}

// Middleware rejects requests without a valid bearer token and stores the caller in the
// request context.
func (v *Verifier) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := v.Verify(extractBearerToken(r))
			if err != nil {
				zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Rejected request token")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := zerolog.Ctx(r.Context()).With().Str("user_id", caller.UserID).Logger().WithContext(r.Context())
			next.ServeHTTP(w, r.WithContext(WithCaller(ctx, caller)))
		})
	}
}

// RequireOperator only lets platform operators through. It must run after Middleware.
func RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFromContext(r.Context())
		if caller == nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !caller.IsOperator() {
			zerolog.Ctx(r.Context()).Warn().Str("user_id", caller.UserID).Msg("Operator role required")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
