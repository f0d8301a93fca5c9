package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/privchat/internal/account"
	"github.com/Tyrowin/privchat/internal/config"
	"github.com/Tyrowin/privchat/internal/conversation"
	"github.com/Tyrowin/privchat/internal/session"
	"github.com/Tyrowin/privchat/internal/store"
)

const maxRequestBody = 64 << 10

var errMalformedRequest = errors.New("malformed request body")

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the HTTP API.
type Deps struct {
	Config        *config.Config
	Accounts      *account.Service
	Conversations *conversation.Service
	Resolver      *session.Resolver
	Hub           *Hub
	Store         Pinger
	Metrics       *Metrics
	Logger        *slog.Logger
}

// API serves the HTTP and live endpoints.
type API struct {
	accounts      *account.Service
	conversations *conversation.Service
	resolver      *session.Resolver
	hub           *Hub
	store         Pinger
	metrics       *Metrics
	logger        *slog.Logger

	cookieName   string
	cookieSecure bool
	tokenTTL     time.Duration

	upgrader websocket.Upgrader
}

// NewAPI builds the API from its dependencies.
func NewAPI(d Deps) *API {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := d.Config
	if cfg == nil {
		cfg = config.Default()
	}

	a := &API{
		accounts:      d.Accounts,
		conversations: d.Conversations,
		resolver:      d.Resolver,
		hub:           d.Hub,
		store:         d.Store,
		metrics:       d.Metrics,
		logger:        logger.With("component", "http"),
		cookieName:    cfg.Auth.CookieName,
		cookieSecure:  cfg.Auth.CookieSecure,
		tokenTTL:      cfg.Auth.TokenTTL.Duration(),
	}
	origins := newOriginPolicy(cfg.Server, a.logger)
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.check,
	}
	return a
}

type userResponse struct {
	ID        int64     `json:"id,omitempty"`
	Username  string    `json:"username"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Bio       string    `json:"bio"`
	CreatedAt time.Time `json:"created_at"`
}

func newUserResponse(u *store.User, withID bool) userResponse {
	resp := userResponse{
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Bio:       u.Bio,
		CreatedAt: u.CreatedAt,
	}
	if withID {
		resp.ID = u.ID
	}
	return resp
}

type contactResponse struct {
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Bio       string `json:"bio"`
	Unread    int    `json:"unread"`
}

type messageResponse struct {
	ID         int64      `json:"id"`
	SenderID   int64      `json:"sender_id"`
	ReceiverID int64      `json:"receiver_id"`
	Content    string     `json:"content"`
	CreatedAt  time.Time  `json:"created_at"`
	ReadAt     *time.Time `json:"read_at"`
}

func newMessageResponse(m *store.PrivateMessage) messageResponse {
	return messageResponse{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Body,
		CreatedAt:  m.CreatedAt,
		ReadAt:     m.ReadAt,
	}
}

type tokenResponse struct {
	AccessToken string        `json:"access_token"`
	TokenType   string        `json:"token_type"`
	User        *userResponse `json:"user,omitempty"`
}

// HealthHandler provides a simple liveness endpoint.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "privchat server is running!")
}

// handleHealthz checks that the store answers.
func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if a.store != nil {
		if err := a.store.Ping(ctx); err != nil {
			a.logger.Error("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": a.hub.Count()})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	fields, err := readFields(w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	user, tok, err := a.accounts.Register(r.Context(), account.Registration{
		Username:  fields.get("username"),
		Password:  fields.get("password"),
		FirstName: fields.get("first_name"),
		LastName:  fields.get("last_name"),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	a.setSessionCookie(w, tok)
	resp := newUserResponse(user, true)
	writeJSON(w, http.StatusCreated, tokenResponse{AccessToken: tok, TokenType: "bearer", User: &resp})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	fields, err := readFields(w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	tok, err := a.accounts.Login(r.Context(), fields.get("username"), fields.get("password"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	a.setSessionCookie(w, tok)
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: tok, TokenType: "bearer"})
}

func (a *API) handleLogout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleUsernameAvailable(w http.ResponseWriter, r *http.Request) {
	ok, err := a.accounts.UsernameAvailable(r.Context(), r.URL.Query().Get("username"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"available": ok})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newUserResponse(session.UserFromContext(r.Context()), true))
}

func (a *API) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	fields, err := readFields(w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	user, err := a.accounts.UpdateProfile(r.Context(), session.UserFromContext(r.Context()), account.ProfileUpdate{
		FirstName: fields.lookup("first_name"),
		LastName:  fields.lookup("last_name"),
		Bio:       fields.lookup("bio"),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user, false))
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	contacts, err := a.conversations.Contacts(r.Context(), session.UserFromContext(r.Context()))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	resp := make([]contactResponse, 0, len(contacts))
	for _, c := range contacts {
		resp = append(resp, contactResponse{
			Username:  c.User.Username,
			FirstName: c.User.FirstName,
			LastName:  c.User.LastName,
			Bio:       c.User.Bio,
			Unread:    c.Unread,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.accounts.Profile(r.Context(), r.PathValue("username"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user, false))
}

func (a *API) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			a.writeError(w, r, &conversation.ValidationError{Field: "limit", Reason: "must be an integer"})
			return
		}
		if n < 1 {
			a.writeError(w, r, &conversation.ValidationError{
				Field:  "limit",
				Reason: fmt.Sprintf("must be between 1 and %d", conversation.MaxFetchLimit),
			})
			return
		}
		limit = n
	}

	msgs, err := a.conversations.Fetch(r.Context(), session.UserFromContext(r.Context()), r.PathValue("username"), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	resp := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, newMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	fields, err := readFields(w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	msg, err := a.conversations.Send(r.Context(), session.UserFromContext(r.Context()), r.PathValue("username"), fields.get("content"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newMessageResponse(msg))
}

func (a *API) handleUnread(w http.ResponseWriter, r *http.Request) {
	n, err := a.conversations.UnreadCount(r.Context(), session.UserFromContext(r.Context()), r.PathValue("username"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

// handleWebSocket upgrades the request and hands the connection to the hub,
// which authenticates it.
func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	creds := session.FromRequest(r, a.cookieName)

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	if _, err := a.hub.Admit(r.Context(), conn, creds, r.RemoteAddr); err != nil {
		a.logger.Debug("live connection not admitted", "addr", r.RemoteAddr, "error", err)
	}
}

func (a *API) setSessionCookie(w http.ResponseWriter, tok string) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    tok,
		Path:     "/",
		MaxAge:   int(a.tokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// writeError maps domain errors to HTTP statuses.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := http.StatusInternalServerError, "internal error"

	switch {
	case errors.Is(err, session.ErrUnauthenticated):
		status, msg = http.StatusUnauthorized, "invalid token"
	case errors.Is(err, account.ErrInvalidCredentials):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, conversation.ErrValidation),
		errors.Is(err, account.ErrInvalidUsername),
		errors.Is(err, account.ErrInvalidPassword),
		errors.Is(err, errMalformedRequest):
		status, msg = http.StatusBadRequest, validationMessage(err)
	case errors.Is(err, store.ErrUsernameTaken):
		status, msg = http.StatusConflict, "username already taken"
	case errors.Is(err, store.ErrUserNotFound):
		status, msg = http.StatusNotFound, "user not found"
	case errors.Is(err, store.ErrUnavailable):
		status, msg = http.StatusServiceUnavailable, "store unavailable"
	}

	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func validationMessage(err error) string {
	var verr *conversation.ValidationError
	if errors.As(err, &verr) {
		return verr.Error()
	}
	for _, known := range []error{account.ErrInvalidUsername, account.ErrInvalidPassword, errMalformedRequest} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// formFields are request parameters read from a JSON object or a form body.
type formFields map[string]string

func (f formFields) get(name string) string {
	return f[name]
}

func (f formFields) lookup(name string) *string {
	v, ok := f[name]
	if !ok {
		return nil
	}
	return &v
}

func readFields(w http.ResponseWriter, r *http.Request) (formFields, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: %w", errMalformedRequest, err)
		}
		out := make(formFields, len(raw))
		for k, v := range raw {
			switch v := v.(type) {
			case nil:
			case string:
				out[k] = v
			default:
				return nil, fmt.Errorf("%w: field %q must be a string", errMalformedRequest, k)
			}
		}
		return out, nil

	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxRequestBody); err != nil {
			return nil, fmt.Errorf("%w: %w", errMalformedRequest, err)
		}
	default:
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("%w: %w", errMalformedRequest, err)
		}
	}

	out := make(formFields, len(r.PostForm))
	for k, vs := range r.PostForm {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out, nil
}
