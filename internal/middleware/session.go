package middleware

import (
	"net/http"

	"github.com/xelth-com/graphnotify/internal/session"
)

// Session loads the session cookie into the request context
func Session(store *session.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data := store.Load(r)
			next.ServeHTTP(w, r.WithContext(session.WithData(r.Context(), data)))
		})
	}
}

// RequireSession rejects requests without a signed-in session
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !session.FromContext(r.Context()).SignedIn() {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}
