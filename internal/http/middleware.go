package http

import (
	"context"
	"net/http"

	"github.com/cartkit/cartkit/internal/domain"
)

type contextKey string

const identityKey contextKey = "cart_identity"

// SessionMiddleware derives the identity context from the request: the
// session key from the X-Session-Key header (or cart_session cookie) and
// an optional user key set by upstream authentication in X-User-Key.
// Session lifecycle itself is owned outside this core.
func SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionKey := r.Header.Get("X-Session-Key")
		if sessionKey == "" {
			if cookie, err := r.Cookie("cart_session"); err == nil {
				sessionKey = cookie.Value
			}
		}

		identity := domain.Identity{
			SessionKey: sessionKey,
			UserKey:    r.Header.Get("X-User-Key"),
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFromContext(ctx context.Context) (domain.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(domain.Identity)
	if !ok || identity.SessionKey == "" {
		return domain.Identity{}, false
	}
	return identity, true
}
