package server_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/privchat/internal/account"
	"github.com/Tyrowin/privchat/internal/config"
	"github.com/Tyrowin/privchat/internal/conversation"
	"github.com/Tyrowin/privchat/internal/server"
	"github.com/Tyrowin/privchat/internal/session"
	"github.com/Tyrowin/privchat/internal/store"
	th "github.com/Tyrowin/privchat/internal/testhelpers"
	"github.com/Tyrowin/privchat/internal/token"
)

const testSecret = "server-test-secret"

type testEnv struct {
	srv     *httptest.Server
	hub     *server.Hub
	store   *store.SQLStore
	tokens  *token.Service
	cfg     *config.Config
	origin  string
	baseURL string
}

func newTestEnv(t *testing.T, customize func(cfg *config.Config)) *testEnv {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Auth.SecretKey = testSecret
	if customize != nil {
		customize(cfg)
	}

	st, err := store.OpenSQLite(ctx, fmt.Sprintf("file:server-%s?mode=memory&cache=shared", uuid.NewString()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tokens, err := token.New([]byte(cfg.Auth.SecretKey), cfg.Auth.TokenTTL.Duration())
	require.NoError(t, err)

	resolver := session.NewResolver(tokens, st)
	metrics := server.NewMetrics()

	env := &testEnv{store: st, tokens: tokens, cfg: cfg}

	// The origin allow-list needs the listener address, which exists before
	// the server starts.
	env.srv = httptest.NewUnstartedServer(nil)
	env.baseURL = "http://" + env.srv.Listener.Addr().String()
	env.origin = env.baseURL
	cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, env.origin)
	cfg.Sanitize(nil)

	env.hub = server.NewHub(resolver, cfg.Server, nil, server.WithMetrics(metrics))
	api := server.NewAPI(server.Deps{
		Config:        cfg,
		Accounts:      account.NewService(st, tokens, account.WithBcryptCost(bcrypt.MinCost)),
		Conversations: conversation.NewService(st),
		Resolver:      resolver,
		Hub:           env.hub,
		Store:         st,
		Metrics:       metrics,
	})
	env.srv.Config.Handler = api.Routes()
	env.srv.Start()

	t.Cleanup(func() {
		env.srv.Close()
		_ = env.hub.Shutdown(2 * time.Second)
	})
	return env
}

func (e *testEnv) url(path string) string { return e.baseURL + path }

func (e *testEnv) register(t *testing.T, username string) string {
	t.Helper()
	resp := th.DoJSON(t, http.MethodPost, e.url("/register"), "", map[string]string{
		"username": username,
		"password": "pw-" + username,
	})
	th.AssertStatusCode(t, resp, http.StatusCreated)

	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	th.DecodeJSON(t, resp, &body)
	require.NotEmpty(t, body.AccessToken)
	assert.Equal(t, "bearer", body.TokenType)
	return body.AccessToken
}

func (e *testEnv) dial(t *testing.T, tok string) *websocket.Conn {
	t.Helper()
	conn, status, err := th.ConnectWebSocket(th.WebSocketURL(e.baseURL, "/ws?token="+url.QueryEscape(tok)), th.NewOriginHeader(e.origin))
	require.NoError(t, err, "handshake status %d", status)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *testEnv) waitForCount(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return e.hub.Count() == n }, th.DefaultTimeout, 10*time.Millisecond)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := th.DoJSON(t, http.MethodGet, env.url("/"), "", nil)
	th.AssertStatusCode(t, resp, http.StatusOK)
	th.AssertContentType(t, resp, "text/plain")

	resp = th.DoJSON(t, http.MethodGet, env.url("/healthz"), "", nil)
	th.AssertStatusCode(t, resp, http.StatusOK)
	var health map[string]any
	th.DecodeJSON(t, resp, &health)
	assert.Equal(t, "ok", health["status"])

	resp = th.DoJSON(t, http.MethodGet, env.url("/metrics"), "", nil)
	th.AssertStatusCode(t, resp, http.StatusOK)

	resp = th.DoJSON(t, http.MethodGet, env.url("/does-not-exist"), "", nil)
	th.AssertStatusCode(t, resp, http.StatusNotFound)
}

func TestHealthz_StoreDown(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.Close())

	resp := th.DoJSON(t, http.MethodGet, env.url("/healthz"), "", nil)
	th.AssertStatusCode(t, resp, http.StatusServiceUnavailable)
}

func TestLiveBroadcast(t *testing.T) {
	env := newTestEnv(t, nil)
	aliceTok := env.register(t, "alice")
	bobTok := env.register(t, "bobby")

	alice := env.dial(t, aliceTok)
	bob := env.dial(t, bobTok)
	env.waitForCount(t, 2)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("hi")))

	assert.Equal(t, "alice: hi", th.ReceiveText(t, bob))
	assert.Equal(t, "alice: hi", th.ReceiveText(t, alice))

	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte("  spaced  ")))
	assert.Equal(t, "bobby:   spaced  ", th.ReceiveText(t, alice), "text is relayed verbatim")
}

func TestLiveBroadcast_CookieCredential(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := env.register(t, "alice")

	header := th.NewOriginHeader(env.origin)
	header.Set("Cookie", (&http.Cookie{Name: env.cfg.Auth.CookieName, Value: tok}).String())
	conn, _, err := th.ConnectWebSocket(th.WebSocketURL(env.baseURL, "/ws"), header)
	require.NoError(t, err)
	defer conn.Close()

	env.waitForCount(t, 1)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("cookie works")))
	assert.Equal(t, "alice: cookie works", th.ReceiveText(t, conn))
}

func TestAdmission_Rejected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "alice")

	expired, err := token.New([]byte(testSecret), time.Hour, token.WithClock(func() time.Time {
		return time.Now().Add(-2 * time.Hour)
	}))
	require.NoError(t, err)
	expiredTok, err := expired.Issue("alice")
	require.NoError(t, err)

	ghostTok, err := env.tokens.Issue("ghost-user")
	require.NoError(t, err)

	tests := []struct {
		name string
		path string
	}{
		{name: "expired token", path: "/ws?token=" + url.QueryEscape(expiredTok)},
		{name: "no credentials", path: "/ws"},
		{name: "garbage token", path: "/ws?token=garbage"},
		{name: "deleted user", path: "/ws?token=" + url.QueryEscape(ghostTok)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := env.hub.Count()

			conn, _, err := th.ConnectWebSocket(th.WebSocketURL(env.baseURL, tt.path), th.NewOriginHeader(env.origin))
			require.NoError(t, err, "rejection happens after the upgrade")
			defer conn.Close()

			th.ExpectCloseCode(t, conn, websocket.ClosePolicyViolation)
			assert.Equal(t, before, env.hub.Count())
		})
	}
}

func TestAdmission_DisallowedOrigin(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := env.register(t, "alice")

	for _, origin := range []string{"", "http://evil.example.com"} {
		_, status, err := th.ConnectWebSocket(th.WebSocketURL(env.baseURL, "/ws?token="+url.QueryEscape(tok)), th.NewOriginHeader(origin))
		assert.Error(t, err, "origin %q", origin)
		assert.Equal(t, http.StatusForbidden, status)
	}
	assert.Zero(t, env.hub.Count())
}

func TestLive_DisconnectRemovesClient(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := env.register(t, "alice")

	conn := env.dial(t, tok)
	env.waitForCount(t, 1)

	require.NoError(t, th.CloseWebSocket(conn))
	env.waitForCount(t, 0)
}

func TestLive_RateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.RateLimit.Burst = 2
		cfg.Server.RateLimit.RefillInterval = config.Seconds(time.Hour)
	})
	tok := env.register(t, "alice")
	conn := env.dial(t, tok)
	env.waitForCount(t, 1)

	for i := 0; i < 5; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprint(i))))
	}

	assert.Equal(t, "alice: 0", th.ReceiveText(t, conn))
	assert.Equal(t, "alice: 1", th.ReceiveText(t, conn))
	th.ExpectNoMessage(t, conn, 300*time.Millisecond)
}

func TestLive_MessageSizeLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.MaxMessageSize = 16
	})
	tok := env.register(t, "alice")
	conn := env.dial(t, tok)
	env.waitForCount(t, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 64))))
	th.ExpectCloseCode(t, conn, websocket.CloseMessageTooBig)
	env.waitForCount(t, 0)
}

func TestLive_Shutdown(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, env.register(t, "alice"))
	env.waitForCount(t, 1)

	require.NoError(t, env.hub.Shutdown(2*time.Second))
	th.ExpectCloseCode(t, conn, websocket.CloseNormalClosure)
	assert.Zero(t, env.hub.Count())
}

func TestLive_ShutdownDuringAdmission(t *testing.T) {
	env := newTestEnv(t, nil)
	wsURL := th.WebSocketURL(env.baseURL, "/ws?token="+url.QueryEscape(env.register(t, "alice")))

	const dialers = 8
	conns := make(chan *websocket.Conn, dialers)
	var wg sync.WaitGroup
	for i := 0; i < dialers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _, err := th.ConnectWebSocket(wsURL, th.NewOriginHeader(env.origin))
			if err == nil {
				conns <- conn
			}
		}()
	}

	require.NoError(t, env.hub.Shutdown(2*time.Second))
	wg.Wait()
	close(conns)

	assert.Zero(t, env.hub.Count(), "no client may register after shutdown")
	for conn := range conns {
		_ = conn.SetReadDeadline(time.Now().Add(th.DefaultTimeout))
		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway),
			"every connection is closed by the hub, got %v", err)
		_ = conn.Close()
	}
}

func TestConversationFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	aliceTok := env.register(t, "alice")
	bobTok := env.register(t, "bobby")

	resp := th.DoJSON(t, http.MethodPost, env.url("/messages/bobby"), aliceTok, map[string]string{"content": "hi"})
	th.AssertStatusCode(t, resp, http.StatusCreated)
	var sent map[string]any
	th.DecodeJSON(t, resp, &sent)
	assert.Equal(t, "hi", sent["content"])
	assert.Nil(t, sent["read_at"])

	resp = th.DoJSON(t, http.MethodGet, env.url("/users"), bobTok, nil)
	th.AssertStatusCode(t, resp, http.StatusOK)
	var contacts []struct {
		Username string `json:"username"`
		Unread   int    `json:"unread"`
	}
	th.DecodeJSON(t, resp, &contacts)
	require.Len(t, contacts, 1)
	assert.Equal(t, "alice", contacts[0].Username)
	assert.Equal(t, 1, contacts[0].Unread)

	resp = th.DoJSON(t, http.MethodGet, env.url("/messages/alice?limit=10"), bobTok, nil)
	th.AssertStatusCode(t, resp, http.StatusOK)
	var msgs []struct {
		Content string     `json:"content"`
		ReadAt  *time.Time `json:"read_at"`
	}
	th.DecodeJSON(t, resp, &msgs)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.NotNil(t, msgs[0].ReadAt)

	resp = th.DoJSON(t, http.MethodGet, env.url("/messages/alice/unread"), bobTok, nil)
	th.AssertStatusCode(t, resp, http.StatusOK)
	var unread map[string]int
	th.DecodeJSON(t, resp, &unread)
	assert.Zero(t, unread["unread"])
}

func TestSendMessage_FormBody(t *testing.T) {
	env := newTestEnv(t, nil)
	aliceTok := env.register(t, "alice")
	env.register(t, "bobby")

	req, err := http.NewRequest(http.MethodPost, env.url("/messages/bobby"), strings.NewReader(url.Values{"content": {"via form"}}.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+aliceTok)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	th.AssertStatusCode(t, resp, http.StatusCreated)
}

func TestConversationErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	aliceTok := env.register(t, "alice")
	env.register(t, "bobby")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{name: "no token", method: http.MethodGet, path: "/messages/bobby", want: http.StatusUnauthorized},
		{name: "bad token", method: http.MethodGet, path: "/me", token: "garbage", want: http.StatusUnauthorized},
		{name: "unknown user", method: http.MethodGet, path: "/messages/nobody", token: aliceTok, want: http.StatusNotFound},
		{name: "limit too large", method: http.MethodGet, path: "/messages/bobby?limit=501", token: aliceTok, want: http.StatusBadRequest},
		{name: "limit zero", method: http.MethodGet, path: "/messages/bobby?limit=0", token: aliceTok, want: http.StatusBadRequest},
		{name: "limit negative", method: http.MethodGet, path: "/messages/bobby?limit=-1", token: aliceTok, want: http.StatusBadRequest},
		{name: "limit not a number", method: http.MethodGet, path: "/messages/bobby?limit=ten", token: aliceTok, want: http.StatusBadRequest},
		{name: "limit upper bound", method: http.MethodGet, path: "/messages/bobby?limit=500", token: aliceTok, want: http.StatusOK},
		{name: "empty body", method: http.MethodPost, path: "/messages/bobby", token: aliceTok, body: map[string]string{"content": "   "}, want: http.StatusBadRequest},
		{name: "2001 chars", method: http.MethodPost, path: "/messages/bobby", token: aliceTok, body: map[string]string{"content": strings.Repeat("a", 2001)}, want: http.StatusBadRequest},
		{name: "2000 chars", method: http.MethodPost, path: "/messages/bobby", token: aliceTok, body: map[string]string{"content": strings.Repeat("a", 2000)}, want: http.StatusCreated},
		{name: "send to unknown", method: http.MethodPost, path: "/messages/nobody", token: aliceTok, body: map[string]string{"content": "hi"}, want: http.StatusNotFound},
		{name: "non-string field", method: http.MethodPost, path: "/messages/bobby", token: aliceTok, body: map[string]int{"content": 1}, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := th.DoJSON(t, tt.method, env.url(tt.path), tt.token, tt.body)
			th.AssertStatusCode(t, resp, tt.want)
			th.AssertContentType(t, resp, "application/json")
		})
	}
}

func TestAccountEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := env.register(t, "alice")

	t.Run("duplicate registration", func(t *testing.T) {
		resp := th.DoJSON(t, http.MethodPost, env.url("/register"), "", map[string]string{"username": "ALICE", "password": "x"})
		th.AssertStatusCode(t, resp, http.StatusConflict)
	})

	t.Run("short username", func(t *testing.T) {
		resp := th.DoJSON(t, http.MethodPost, env.url("/register"), "", map[string]string{"username": "al", "password": "x"})
		th.AssertStatusCode(t, resp, http.StatusBadRequest)
	})

	t.Run("login", func(t *testing.T) {
		resp := th.DoJSON(t, http.MethodPost, env.url("/token"), "", map[string]string{"username": "alice", "password": "pw-alice"})
		th.AssertStatusCode(t, resp, http.StatusOK)

		var cookie *http.Cookie
		for _, c := range resp.Cookies() {
			if c.Name == env.cfg.Auth.CookieName {
				cookie = c
			}
		}
		require.NotNil(t, cookie)
		assert.True(t, cookie.HttpOnly)
		assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)

		resp = th.DoJSON(t, http.MethodPost, env.url("/token"), "", map[string]string{"username": "alice", "password": "nope"})
		th.AssertStatusCode(t, resp, http.StatusBadRequest)
	})

	t.Run("login form", func(t *testing.T) {
		resp, err := http.PostForm(env.url("/token"), url.Values{"username": {"alice"}, "password": {"pw-alice"}})
		require.NoError(t, err)
		defer resp.Body.Close()
		th.AssertStatusCode(t, resp, http.StatusOK)
	})

	t.Run("username available", func(t *testing.T) {
		for name, want := range map[string]bool{"alice": false, "carol-x": true, "ab": false} {
			resp := th.DoJSON(t, http.MethodGet, env.url("/username-available?username="+name), "", nil)
			th.AssertStatusCode(t, resp, http.StatusOK)
			var body map[string]bool
			th.DecodeJSON(t, resp, &body)
			assert.Equal(t, want, body["available"], name)
		}
	})

	t.Run("me", func(t *testing.T) {
		resp := th.DoJSON(t, http.MethodPatch, env.url("/me"), tok, map[string]string{"bio": "hello"})
		th.AssertStatusCode(t, resp, http.StatusOK)

		resp = th.DoJSON(t, http.MethodGet, env.url("/me"), tok, nil)
		th.AssertStatusCode(t, resp, http.StatusOK)
		var me map[string]any
		th.DecodeJSON(t, resp, &me)
		assert.Equal(t, "alice", me["username"])
		assert.Equal(t, "hello", me["bio"])
	})

	t.Run("public profile", func(t *testing.T) {
		resp := th.DoJSON(t, http.MethodGet, env.url("/users/alice"), tok, nil)
		th.AssertStatusCode(t, resp, http.StatusOK)

		resp = th.DoJSON(t, http.MethodGet, env.url("/users/nobody"), tok, nil)
		th.AssertStatusCode(t, resp, http.StatusNotFound)
	})

	t.Run("logout", func(t *testing.T) {
		resp := th.DoJSON(t, http.MethodPost, env.url("/logout"), "", nil)
		th.AssertStatusCode(t, resp, http.StatusOK)
		require.NotEmpty(t, resp.Cookies())
		assert.Equal(t, env.cfg.Auth.CookieName, resp.Cookies()[0].Name)
		assert.Negative(t, resp.Cookies()[0].MaxAge)
	})
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := th.DoJSON(t, http.MethodPost, env.url("/ws"), "", nil)
	th.AssertStatusCode(t, resp, http.StatusMethodNotAllowed)

	resp = th.DoJSON(t, http.MethodDelete, env.url("/me"), "", nil)
	th.AssertStatusCode(t, resp, http.StatusMethodNotAllowed)
}

func TestCreateServer(t *testing.T) {
	srv := server.CreateServer(":0", http.NewServeMux())

	assert.Equal(t, ":0", srv.Addr)
	assert.Equal(t, 15*time.Second, srv.ReadTimeout)
	assert.Equal(t, 15*time.Second, srv.WriteTimeout)
	assert.Equal(t, 60*time.Second, srv.IdleTimeout)
}
