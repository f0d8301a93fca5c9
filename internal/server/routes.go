package server

import (
	"net/http"

	"github.com/Tyrowin/privchat/internal/session"
)

// Routes returns the application's ServeMux.
func (a *API) Routes() *http.ServeMux {
	authed := session.Middleware(a.resolver, a.cookieName, a.logger)
	protect := func(h http.HandlerFunc) http.Handler { return authed(h) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", HealthHandler)
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics.Handler())
	}

	mux.HandleFunc("POST /register", a.handleRegister)
	mux.HandleFunc("POST /token", a.handleLogin)
	mux.HandleFunc("POST /logout", a.handleLogout)
	mux.HandleFunc("GET /username-available", a.handleUsernameAvailable)

	mux.Handle("GET /me", protect(a.handleMe))
	mux.Handle("PATCH /me", protect(a.handleUpdateMe))
	mux.Handle("GET /users", protect(a.handleListUsers))
	mux.Handle("GET /users/{username}", protect(a.handleGetUser))
	mux.Handle("GET /messages/{username}", protect(a.handleGetMessages))
	mux.Handle("POST /messages/{username}", protect(a.handleSendMessage))
	mux.Handle("GET /messages/{username}/unread", protect(a.handleUnread))

	mux.HandleFunc("GET /ws", a.handleWebSocket)
	return mux
}
