// Package identity resolves the submitting principal from a bearer token.
// Session mechanics live in the capture client's gateway; this service only
// needs an opaque, verified subject string for attribution, so the middleware
// validates the HMAC signature and lifts the subject claim into context.
package identity

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"anchorline/pkg/requestcontext"
)

// AnonymousSubmitter is recorded when a request carries no usable identity.
const AnonymousSubmitter = "anonymous"

// Middleware extracts the submitter identity from an Authorization bearer
// token signed with the shared key. Requests without a token, or with an
// invalid one, proceed as anonymous; submission attribution is best-effort
// and authorization policy is out of scope here.
func Middleware(signingKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			submitter := AnonymousSubmitter
			if raw := bearerToken(r); raw != "" && signingKey != "" {
				if sub := subjectFromToken(raw, signingKey); sub != "" {
					submitter = sub
				}
			}
			ctx := requestcontext.WithSubmitter(r.Context(), submitter)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func subjectFromToken(raw, signingKey string) string {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(signingKey), nil
	})
	if err != nil || !token.Valid {
		return ""
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}
