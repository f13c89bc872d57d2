package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"famledger/internal/shared/auth"
)

type ContextKey string

const (
	UserIDKey   ContextKey = "user_id"
	FamilyIDKey ContextKey = "family_id"
)

// FamilyID returns the family the authenticated caller belongs to.
func FamilyID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(FamilyIDKey).(string)
	return id, ok && id != ""
}

// WithFamilyID stores familyID as the caller's family.
func WithFamilyID(ctx context.Context, familyID string) context.Context {
	return context.WithValue(ctx, FamilyIDKey, familyID)
}

// Auth accepts an access_token cookie or a Bearer header and puts the
// caller's user and family into the request context.
func Auth(jwt *auth.JWT) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var token string

			// Try HttpOnly cookie first (browser requests)
			if cookie, err := r.Cookie("access_token"); err == nil {
				token = cookie.Value
			} else {
				authHeader := r.Header.Get("Authorization")
				if authHeader == "" {
					http.Error(w, "Authentication required", http.StatusUnauthorized)
					return
				}
				parts := strings.SplitN(authHeader, " ", 2)
				if len(parts) != 2 || parts[0] != "Bearer" {
					http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
					return
				}
				token = parts[1]
			}

			claims, err := jwt.Validate(token)
			if err != nil {
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, claims.UserID)
			ctx = WithFamilyID(ctx, claims.FamilyID)
			trace.SpanFromContext(ctx).SetAttributes(attribute.String("family.id", claims.FamilyID))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
