package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/foodhub/foodhub/internal/auth"
	"github.com/foodhub/foodhub/internal/shared"
	_ "github.com/foodhub/foodhub/testing"
)

type stubRepo struct {
	user     *auth.User
	sessions map[string]int64
	touched  int64
}

func (s *stubRepo) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if s.user == nil || !strings.EqualFold(s.user.Email, email) {
		return nil, shared.ErrNotFound
	}
	return s.user, nil
}

func (s *stubRepo) CreateSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	if s.sessions == nil {
		s.sessions = make(map[string]int64)
	}
	s.sessions[id] = userID
	return nil
}

func (s *stubRepo) DeleteSession(ctx context.Context, id string) error {
	delete(s.sessions, id)
	return nil
}

func (s *stubRepo) TouchLogin(ctx context.Context, userID int64, at time.Time) error {
	s.touched = userID
	return nil
}

func newAuthHandler(t *testing.T, repo auth.Repository) (*auth.Handler, *shared.SessionManager, *auth.TokenIssuer) {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessionManager := shared.NewSessionManager(redisClient, "test_session", "secret", time.Hour, false)
	csrfManager := shared.NewCSRFManager("csrfsecret")
	tokens, err := auth.NewTokenIssuer("jwtsecret", time.Hour)
	require.NoError(t, err)
	handler := auth.NewHandler(nil, auth.NewService(repo, tokens), sessionManager, csrfManager)
	return handler, sessionManager, tokens
}

func seededUser(t *testing.T) *auth.User {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte("correctpass"), bcrypt.MinCost)
	require.NoError(t, err)
	return &auth.User{ID: 7, Email: "rider@test.local", Name: "Rider", PasswordHash: string(hashed), IsActive: true}
}

func withSession(t *testing.T, sm *shared.SessionManager, req *http.Request) (*http.Request, *shared.Session) {
	t.Helper()
	sess, err := sm.Load(context.Background(), req)
	require.NoError(t, err)
	return req.WithContext(shared.ContextWithSession(req.Context(), sess)), sess
}

func TestLoginPageIssuesCSRFToken(t *testing.T) {
	handler, sessionManager, _ := newAuthHandler(t, &stubRepo{})

	req, sess := withSession(t, sessionManager, httptest.NewRequest(http.MethodGet, "/auth/login?next=/admin", nil))
	res := httptest.NewRecorder()
	handler.ShowLoginForTest(res, req)

	require.Equal(t, http.StatusOK, res.Code)
	var body struct {
		CSRFToken string `json:"csrf_token"`
		Next      string `json:"next"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.NotEmpty(t, body.CSRFToken)
	assert.Equal(t, sess.Get(shared.CSRFSessionKey), body.CSRFToken)
	assert.Equal(t, "/admin", body.Next)
}

func TestLoginInvalidCredentials(t *testing.T) {
	handler, sessionManager, _ := newAuthHandler(t, &stubRepo{user: seededUser(t)})

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"rider@test.local","password":"wrongpass"}`))
	req, sess := withSession(t, sessionManager, req)
	res := httptest.NewRecorder()
	handler.HandleLoginForTest(res, req)

	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Contains(t, res.Body.String(), "invalid email or password")
	assert.Empty(t, sess.User())
}

func TestLoginValidationErrors(t *testing.T) {
	handler, sessionManager, _ := newAuthHandler(t, &stubRepo{})

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"not-an-email","password":"short"}`))
	req, _ = withSession(t, sessionManager, req)
	res := httptest.NewRecorder()
	handler.HandleLoginForTest(res, req)

	require.Equal(t, http.StatusBadRequest, res.Code)
	var body struct {
		Errors map[string]string `json:"errors"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "email", body.Errors["Email"])
	assert.Equal(t, "min", body.Errors["Password"])
}

func TestLoginSuccessSetsSessionAndToken(t *testing.T) {
	repo := &stubRepo{user: seededUser(t)}
	handler, sessionManager, tokens := newAuthHandler(t, repo)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"rider@test.local","password":"correctpass"}`))
	req, sess := withSession(t, sessionManager, req)
	originalID := sess.ID
	res := httptest.NewRecorder()
	handler.HandleLoginForTest(res, req)

	require.Equal(t, http.StatusOK, res.Code)
	var result auth.LoginResult
	require.NoError(t, json.NewDecoder(res.Body).Decode(&result))
	assert.Equal(t, int64(7), result.UserID)

	userID, err := tokens.Verify(result.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(7), userID)

	assert.Equal(t, "7", sess.User())
	assert.NotEqual(t, originalID, sess.ID, "session id rotates on login")
	assert.Equal(t, int64(7), repo.sessions[sess.ID])
	assert.Equal(t, int64(7), repo.touched)
}

func TestLogoutDestroysSession(t *testing.T) {
	repo := &stubRepo{sessions: map[string]int64{}}
	handler, sessionManager, _ := newAuthHandler(t, repo)
	router := chiRouter(handler)

	req, sess := withSession(t, sessionManager, httptest.NewRequest(http.MethodPost, "/logout", nil))
	repo.sessions[sess.ID] = 7
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	require.NoError(t, sessionManager.Commit(req.Context(), res, req, sess))

	assert.Equal(t, http.StatusNoContent, res.Code)
	assert.NotContains(t, repo.sessions, sess.ID)
}
