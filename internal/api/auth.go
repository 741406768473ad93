package api

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/quickcart/internal/domain/auth"
)

// HeaderAPIKey carries the operator API key.
const HeaderAPIKey = "X-API-Key"

// Authenticator checks operator API keys.
type Authenticator interface {
	Authenticate(ctx context.Context, key, scope string) (*auth.APIKeyInfo, error)
}

var _ Authenticator = (*auth.Authenticator)(nil)

// Option configures a Handler.
type Option func(*Handler)

// WithAuthenticator guards operator routes with API keys. Without it those
// routes are open.
func WithAuthenticator(a Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// operator wraps fn so it only runs for keys granting scope.
func (h *Handler) operator(scope string, fn http.HandlerFunc) http.HandlerFunc {
	if h.auth == nil {
		return fn
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := h.auth.Authenticate(r.Context(), r.Header.Get(HeaderAPIKey), scope); err != nil {
			writeAuthError(w, err)
			return
		}
		fn(w, r)
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	status, kind := http.StatusUnauthorized, "unauthorized"
	if errors.Is(err, auth.ErrForbidden) {
		status, kind = http.StatusForbidden, "forbidden"
	} else {
		w.Header().Set("WWW-Authenticate", `APIKey header="`+HeaderAPIKey+`"`)
	}
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		e.FieldStart("kind")
		e.Str(kind)
		e.FieldStart("message")
		e.Str(err.Error())
		e.ObjEnd()
	})
}
