package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// AnonymousUser names requests that carry no identity.
const AnonymousUser = "anonymous"

type userKey struct{}

// WithUser stores the user name in the context.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext extracts the user name from the context.
func UserFromContext(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(userKey{}).(string)
	return user, ok
}

// AuthConfig configures Authenticate.
type AuthConfig struct {
	Validators   []TokenValidator
	NameClaim    string
	APIKeys      map[string]string // key → user
	APIKeyHeader string
	// UserHeader names the user of unauthenticated requests when Required is
	// false.
	UserHeader string
	Required   bool
	Logger     *slog.Logger
}

// Authenticate resolves the user of each request from a bearer token, then an
// API key. Requests with neither are rejected when cfg.Required is set and
// otherwise run as the user named by cfg.UserHeader, or AnonymousUser.
func Authenticate(cfg AuthConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keys := make(map[string]string, len(cfg.APIKeys))
	for k, user := range cfg.APIKeys {
		keys[hashKey(k)] = user
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			serve := func(user string) {
				next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
			}

			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") && len(cfg.Validators) > 0 {
				token := strings.TrimPrefix(auth, "Bearer ")
				for _, v := range cfg.Validators {
					claims, err := v.Validate(r.Context(), token)
					if err != nil {
						logger.Debug("token rejected", "error", err)
						continue
					}
					if user, ok := claims.User(cfg.NameClaim); ok {
						serve(user)
						return
					}
				}
				writeUnauthorized(w, "invalid bearer token")
				return
			}

			if key := r.Header.Get(cfg.APIKeyHeader); key != "" && cfg.APIKeyHeader != "" {
				if user, ok := keys[hashKey(key)]; ok {
					serve(user)
					return
				}
				writeUnauthorized(w, "invalid API key")
				return
			}

			if cfg.Required {
				writeUnauthorized(w, "unauthorized: provide a valid bearer token or API key")
				return
			}
			user := AnonymousUser
			if cfg.UserHeader != "" {
				if h := strings.TrimSpace(r.Header.Get(cfg.UserHeader)); h != "" {
					user = h
				}
			}
			serve(user)
		})
	}
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    http.StatusUnauthorized,
		"message": message,
	})
}
