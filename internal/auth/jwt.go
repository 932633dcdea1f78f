package auth

import (
	"context"
	"net/http"
	"strconv"

	"github.com/duochat/duochat/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const ctxUserID ctxKey = "uid"

// Verifier validates HS256 bearer tokens issued by the sibling auth
// service. Token issuance and password hashing live there; the core
// only verifies.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a token verifier for the shared HMAC secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify validates the token and returns the user id from the sub claim.
func (v *Verifier) Verify(token string) (int64, error) {
	if token == "" {
		return 0, apperr.AuthFailed("missing bearer token")
	}

	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		// Verify signing method
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !t.Valid {
		return 0, apperr.Wrap(apperr.KindAuthFailed, "invalid token", err)
	}

	userID, ok := subjectID(claims)
	if !ok {
		return 0, apperr.AuthFailed("token has no usable subject")
	}
	return userID, nil
}

// subjectID extracts the integer user id from the sub claim.
// The auth service writes it as a string; tolerate numeric too.
func subjectID(claims jwt.MapClaims) (int64, bool) {
	switch sub := claims["sub"].(type) {
	case string:
		id, err := strconv.ParseInt(sub, 10, 64)
		return id, err == nil && id > 0
	case float64:
		id := int64(sub)
		return id, id > 0
	default:
		return 0, false
	}
}

// BearerToken extracts the token from the Authorization header or,
// for websocket handshakes where custom headers are awkward for
// browser clients, from the token query parameter.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	return r.URL.Query().Get("token")
}

// Middleware authenticates HTTP requests and stores the user id in the
// request context.
func (v *Verifier) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := v.Verify(BearerToken(r))
			if err != nil {
				log.Warn().Err(err).Msg("jwt validation failed")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ctxUserID, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID extracts the authenticated user id from request context.
// Returns 0 if not authenticated (should never happen after middleware).
func UserID(ctx context.Context) int64 {
	if v, ok := ctx.Value(ctxUserID).(int64); ok {
		return v
	}
	return 0
}
