package intake

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKeySubject struct{}

// Subject retrieves the authenticated caller from the request context.
func Subject(ctx context.Context) string {
	sub, _ := ctx.Value(contextKeySubject{}).(string)
	return sub
}

// BearerAuth validates a Bearer JWT signed with the shared HMAC key and
// stores the token subject in the request context. Intake is the only
// authenticated surface of the engine.
func BearerAuth(signingKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenString == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(signingKey), nil
			})
			if err != nil || !token.Valid {
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			subject, _ := claims.GetSubject()
			ctx := context.WithValue(r.Context(), contextKeySubject{}, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
