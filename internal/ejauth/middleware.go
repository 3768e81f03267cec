package ejauth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ejdispatch/ej/internal/apperr"
)

type ctxKey int

const authContextKey ctxKey = 0

// TokenFromRequest extracts the bearer token from either the Authorization
// header or the auth-token session cookie, per spec §6.7.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) {
			return "", apperr.New(apperr.InvalidToken, "malformed Authorization header")
		}
		return strings.TrimPrefix(h, prefix), nil
	}
	if c, err := r.Cookie("auth-token"); err == nil {
		return c.Value, nil
	}
	return "", apperr.New(apperr.TokenMissing, "no bearer token presented")
}

// Authenticate verifies the request's bearer token and stores the derived
// Context on the request context, for use by RequirePermission or handlers
// that need the caller's identity directly.
func Authenticate(v *Verifier, r *http.Request) (*http.Request, error) {
	tokenString, err := TokenFromRequest(r)
	if err != nil {
		return r, err
	}

	authCtx, err := v.Verify(tokenString)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return r, apperr.Wrap(apperr.TokenExpired, "token expired", err)
		}
		return r, apperr.Wrap(apperr.InvalidToken, "token verification failed", err)
	}

	return r.WithContext(context.WithValue(r.Context(), authContextKey, authCtx)), nil
}

// FromContext retrieves the Context stashed by Authenticate.
func FromContext(ctx context.Context) (Context, bool) {
	c, ok := ctx.Value(authContextKey).(Context)
	return c, ok
}

// RequirePermission wraps an http.HandlerFunc so that it only runs when
// the verified caller carries the given permission.
func RequirePermission(v *Verifier, permission string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authedReq, err := Authenticate(v, r)
		if err != nil {
			apperr.WriteHTTP(w, err)
			return
		}

		authCtx, _ := FromContext(authedReq.Context())
		if !authCtx.Has(permission) {
			apperr.WriteHTTP(w, apperr.New(apperr.Forbidden, "missing required permission: "+permission))
			return
		}

		next(w, authedReq)
	}
}
