package echoapi

import (
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmutati/jamii/core"
	"github.com/kmutati/jamii/core/push"
	inmemdb "github.com/kmutati/jamii/storage/database/inmem"
)

type testEnv struct {
	conf    *core.Config
	server  Server
	hub     *SessionHub
	db      *inmemdb.DB
	subRepo interface {
		push.Repository
		Count() int
	}
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	conf := &core.Config{
		TestMode:        true,
		Env:             "TEST",
		AppName:         "Jamii",
		SecretKey:       "test-secret",
		FrontendBaseURL: "https://app.local",
		Server:          core.ServerConfig{JWTExpirationDelta: time.Hour},
	}
	logger := core.NewStdLogger(log.New(io.Discard, "", 0))

	db := inmemdb.Open()
	notifRepo := inmemdb.NewNotificationRepository(db)
	subRepo := inmemdb.NewSubscriptionRepository(db)

	hub := NewSessionHub(SessionDeps{
		NotificationRepo: notifRepo,
		Logger:           logger,
	})
	t.Cleanup(hub.Close)

	pushSvc := push.NewService(push.ServiceDeps{Repo: subRepo, Conf: conf, Logger: logger})

	validate := validator.New()
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	core.InitValidators(validate, translator)

	srv := NewServer(ServerDeps{
		Conf:       conf,
		Logger:     logger,
		Hub:        hub,
		PushSvc:    pushSvc,
		Validate:   validate,
		Translator: translator,
	})

	return &testEnv{conf: conf, server: srv, hub: hub, db: db, subRepo: subRepo}
}

func (env *testEnv) token(t *testing.T, id core.Identity) string {
	t.Helper()
	token, err := GenerateToken(GetIdentityClaims(id, env.conf), env.conf)
	require.NoError(t, err)
	return token
}

func (env *testEnv) request(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	return rec
}

func TestAPI_home(t *testing.T) {
	env := setupEnv(t)

	rec := env.request(t, http.MethodGet, "/v1", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Welcome to Jamii API!", rec.Body.String())
}

func TestAPI_requiresAuth(t *testing.T) {
	env := setupEnv(t)

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/v1/notifications"},
		{http.MethodGet, "/v1/notifications/unread-count"},
		{http.MethodPost, "/v1/notifications/read-all"},
		{http.MethodPost, "/v1/auth/logout"},
		{http.MethodPost, "/v1/push/subscriptions"},
	} {
		rec := env.request(t, tc.method, tc.path, "", "")
		assert.Equalf(t, http.StatusUnauthorized, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestAPI_logoutEndsSession(t *testing.T) {
	env := setupEnv(t)
	token := env.token(t, core.Identity{ID: "user1", Email: "u@example.test"})

	// opening the feed creates the session
	rec := env.request(t, http.MethodGet, "/v1/notifications", token, "")
	require.Equal(t, http.StatusOK, rec.Code)

	env.hub.mu.Lock()
	open := len(env.hub.sessions)
	env.hub.mu.Unlock()
	require.Equal(t, 1, open)

	rec = env.request(t, http.MethodPost, "/v1/auth/logout", token, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	env.hub.mu.Lock()
	open = len(env.hub.sessions)
	env.hub.mu.Unlock()
	assert.Equal(t, 0, open)
}
