package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/stratushq/stratus/internal/domain"
	"github.com/stratushq/stratus/internal/session"
	"github.com/stratushq/stratus/internal/storage"
)

type contextKey string

const APIKeyContextKey contextKey = "api_key"

// ActorHeader names the header carrying the acting user id. Session
// handling lives outside the control plane; whatever fronts it resolves
// the session and forwards the actor here.
const ActorHeader = "X-Actor-ID"

// Auth creates authentication middleware.
func Auth(store storage.Storage, bootstrapKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"code":401,"message":"missing authorization header"}`, http.StatusUnauthorized)
				return
			}
			if !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, `{"code":401,"message":"invalid authorization header format"}`, http.StatusUnauthorized)
				return
			}
			apiKey := strings.TrimPrefix(authHeader, "Bearer ")
			if apiKey == "" {
				http.Error(w, `{"code":401,"message":"empty API key"}`, http.StatusUnauthorized)
				return
			}

			ctx := r.Context()
			if actor := r.Header.Get(ActorHeader); actor != "" {
				ctx = session.WithActor(ctx, actor)
			}

			keyCount, err := store.CountAPIKeys(ctx)
			if err != nil {
				http.Error(w, `{"code":500,"message":"internal server error"}`, http.StatusInternalServerError)
				return
			}

			// If no keys exist and a bootstrap key is set, allow it with
			// every capability so the first real key can be minted.
			if keyCount == 0 && bootstrapKey != "" {
				if subtle.ConstantTimeCompare([]byte(apiKey), []byte(bootstrapKey)) == 1 {
					ctx = context.WithValue(ctx, APIKeyContextKey, &domain.APIKey{
						ID:   "bootstrap",
						Name: "Bootstrap Key",
						Capabilities: []domain.Capability{
							domain.CapNodes, domain.CapServers, domain.CapUsers,
							domain.CapSettings, domain.CapImages,
						},
					})
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			keyHash := hashAPIKey(apiKey)
			storedKey, err := store.GetAPIKeyByHash(ctx, keyHash)
			if err != nil {
				if err == domain.ErrNotFound {
					http.Error(w, `{"code":401,"message":"invalid API key"}`, http.StatusUnauthorized)
					return
				}
				http.Error(w, `{"code":500,"message":"internal server error"}`, http.StatusInternalServerError)
				return
			}

			// Update last used timestamp (fire and forget)
			go func() {
				_ = store.UpdateAPIKeyLastUsed(context.Background(), storedKey.ID)
			}()

			ctx = context.WithValue(ctx, APIKeyContextKey, storedKey)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireCapability rejects requests whose API key lacks the capability.
func RequireCapability(c domain.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := GetAPIKeyFromContext(r.Context())
			if key == nil || !key.Has(c) {
				http.Error(w, `{"code":403,"message":"key lacks capability"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// hashAPIKey creates a SHA-256 hash of the API key.
// We use SHA-256 for fast lookups since API keys are already high-entropy random strings.
func hashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// GetAPIKeyFromContext retrieves the API key from the request context.
func GetAPIKeyFromContext(ctx context.Context) *domain.APIKey {
	key, _ := ctx.Value(APIKeyContextKey).(*domain.APIKey)
	return key
}
