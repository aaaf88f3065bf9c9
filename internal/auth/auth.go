package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"baliseregistry/internal/domain"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnavailable     = errors.New("auth service unavailable")
)

// Verifier turns an Authorization header value into a Principal
type Verifier interface {
	Verify(ctx context.Context, authToken string) (domain.Principal, error)
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p
func WithPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the Principal stored by Middleware
func FromContext(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(domain.Principal)
	return p, ok
}

// Middleware authenticates every request. Requests without a valid token
// are answered with 401, an unreachable auth service with 503.
func Middleware(v Verifier, log *zap.Logger) func(http.Handler) http.Handler {
	log = log.Named("auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := v.Verify(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				code := http.StatusUnauthorized
				if errors.Is(err, ErrUnavailable) {
					code = http.StatusServiceUnavailable
					log.Error("token verification failed", zap.Error(err))
				} else {
					log.Debug("request rejected", zap.String("path", r.URL.Path), zap.Error(err))
				}

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(code)
				json.NewEncoder(w).Encode(map[string]string{"error": http.StatusText(code)})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}
