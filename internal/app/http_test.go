package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tradebook/api/internal/authpw"
	"tradebook/api/internal/store"
)

func newTestServer(data *fakeStore) (*HTTPServer, *Service) {
	svc, _ := newTestService(data)
	return NewHTTPServer(svc, "http://localhost:3000"), svc
}

func doRequest(t *testing.T, server *HTTPServer, method, path, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func sessionToken(t *testing.T, svc *Service) string {
	t.Helper()
	session, err := svc.CreateSession(context.Background(), "usr1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return session.Token
}

func withTestUser(data *fakeStore) {
	data.GetUserByIDFn = func(_ context.Context, id string) (store.User, error) {
		return store.User{ID: id, DisplayName: "Test Trader"}, nil
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	recorder := doRequest(t, server, http.MethodGet, "/api/health", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["ok"] != true {
		t.Fatalf("expected ok=true, got %v", payload)
	}
}

func TestReadyEndpoint(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	recorder := doRequest(t, server, http.MethodGet, "/api/ready", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["status"] != "ready" {
		t.Fatalf("expected ready, got %v", payload)
	}
}

func TestReadyEndpointDatabaseDown(t *testing.T) {
	data := &fakeStore{
		PingFn: func(ctx context.Context) error {
			return errors.New("connection refused")
		},
	}
	server, _ := newTestServer(data)

	recorder := doRequest(t, server, http.MethodGet, "/api/ready", "", "")
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["status"] != "not_ready" {
		t.Fatalf("expected not_ready, got %v", payload)
	}
	checks, ok := payload["checks"].(map[string]any)
	if !ok {
		t.Fatalf("expected checks payload, got %v", payload)
	}
	database, ok := checks["database"].(map[string]any)
	if !ok || database["status"] != "error" {
		t.Fatalf("expected database error check, got %v", checks)
	}
}

func TestOptionsPreflightAndCORS(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	recorder := doRequest(t, server, http.MethodOptions, "/api/calendars", "", "")
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("unexpected CORS origin %q", got)
	}
	if recorder.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a request ID header")
	}
}

func TestCalendarRoutesRequireSession(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	for _, path := range []string{
		"/api/calendars",
		"/api/calendars/cal1",
		"/api/calendars/cal1/years/2024/trades",
		"/api/search",
	} {
		recorder := doRequest(t, server, http.MethodGet, path, "", "")
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, recorder.Code)
		}
	}
}

func TestGarbageTokenRejected(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	recorder := doRequest(t, server, http.MethodGet, "/api/calendars", "not-a-token", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestRenameTagEndpoint(t *testing.T) {
	data := &fakeStore{
		GetCalendarFn: func(_ context.Context, id string) (store.Calendar, error) {
			return ownedCalendar(id, "usr1", "Setup:Old"), nil
		},
		ListYearShardsFn: func(_ context.Context, calendarID string) ([]store.YearShard, error) {
			return []store.YearShard{
				{CalendarID: calendarID, Year: 2024, Trades: []store.Trade{
					tradeOn("trd1", "2024-03-01", "Setup:Old"),
					tradeOn("trd2", "2024-04-01", "Setup:Old"),
				}},
			}, nil
		},
	}
	withTestUser(data)
	server, svc := newTestServer(data)
	token := sessionToken(t, svc)

	recorder := doRequest(t, server, http.MethodPost, "/api/calendars/cal1/tags/rename", token,
		`{"oldTag":"Setup:Old","newTag":"Setup:New"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["success"] != true {
		t.Fatalf("expected success, got %v", payload)
	}
	if payload["tradesUpdated"] != float64(2) {
		t.Fatalf("expected tradesUpdated=2, got %v", payload["tradesUpdated"])
	}
}

func TestRenameTagEndpointValidation(t *testing.T) {
	data := &fakeStore{
		GetCalendarFn: func(_ context.Context, id string) (store.Calendar, error) {
			return ownedCalendar(id, "usr1"), nil
		},
	}
	withTestUser(data)
	server, svc := newTestServer(data)
	token := sessionToken(t, svc)

	recorder := doRequest(t, server, http.MethodPost, "/api/calendars/cal1/tags/rename", token,
		`{"newTag":"Setup:New"}`)
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", payload)
	}
}

func TestYearMustBeInteger(t *testing.T) {
	data := &fakeStore{}
	withTestUser(data)
	server, svc := newTestServer(data)
	token := sessionToken(t, svc)

	recorder := doRequest(t, server, http.MethodGet, "/api/calendars/cal1/years/abc/trades", token, "")
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", recorder.Code)
	}
}

func TestGetYearTradesReturnsEmptyShard(t *testing.T) {
	data := &fakeStore{
		GetCalendarFn: func(_ context.Context, id string) (store.Calendar, error) {
			return ownedCalendar(id, "usr1"), nil
		},
	}
	withTestUser(data)
	server, svc := newTestServer(data)
	token := sessionToken(t, svc)

	recorder := doRequest(t, server, http.MethodGet, "/api/calendars/cal1/years/2024/trades", token, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	trades, ok := payload["trades"].([]any)
	if !ok || len(trades) != 0 {
		t.Fatalf("expected empty trades array, got %v", payload)
	}
}

func TestCalendarNotFoundForOtherUser(t *testing.T) {
	data := &fakeStore{
		GetCalendarFn: func(_ context.Context, id string) (store.Calendar, error) {
			return ownedCalendar(id, "someone-else"), nil
		},
	}
	withTestUser(data)
	server, svc := newTestServer(data)
	token := sessionToken(t, svc)

	recorder := doRequest(t, server, http.MethodGet, "/api/calendars/cal1", token, "")
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", recorder.Code)
	}
}

func TestUnknownCalendarMapsTo404(t *testing.T) {
	data := &fakeStore{
		GetCalendarFn: func(_ context.Context, id string) (store.Calendar, error) {
			return store.Calendar{}, sql.ErrNoRows
		},
	}
	withTestUser(data)
	server, svc := newTestServer(data)
	token := sessionToken(t, svc)

	recorder := doRequest(t, server, http.MethodGet, "/api/calendars/missing", token, "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestAuthUnavailableWithoutService(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	recorder := doRequest(t, server, http.MethodPost, "/api/auth/signup", "",
		`{"email":"a@b.co","password":"longenough","displayName":"A"}`)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["code"] != "AUTH_UNAVAILABLE" {
		t.Fatalf("expected AUTH_UNAVAILABLE, got %v", payload)
	}
}

// memUserStore backs the password auth flow tests.
type memUserStore struct {
	users  map[string]store.User
	resets map[string]string
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: map[string]store.User{}, resets: map[string]string{}}
}

func (m *memUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	for _, user := range m.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memUserStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	user, ok := m.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memUserStore) CreateUser(_ context.Context, user store.User) error {
	m.users[user.ID] = user
	return nil
}

func (m *memUserStore) UpdateUserVerificationToken(_ context.Context, userID, token string, _ time.Time) error {
	user := m.users[userID]
	user.VerificationToken = token
	m.users[userID] = user
	return nil
}

func (m *memUserStore) VerifyUserEmail(_ context.Context, token string) error {
	for id, user := range m.users {
		if user.VerificationToken == token {
			user.IsEmailVerified = true
			user.VerificationToken = ""
			m.users[id] = user
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *memUserStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	user := m.users[userID]
	user.PasswordHash = passwordHash
	m.users[userID] = user
	return nil
}

func (m *memUserStore) CreatePasswordReset(_ context.Context, userID, token string, _ time.Time) error {
	m.resets[token] = userID
	return nil
}

func (m *memUserStore) GetPasswordReset(_ context.Context, token string) (string, error) {
	userID, ok := m.resets[token]
	if !ok {
		return "", sql.ErrNoRows
	}
	return userID, nil
}

func (m *memUserStore) MarkPasswordResetUsed(_ context.Context, token string) error {
	delete(m.resets, token)
	return nil
}

func TestSignUpVerifySignInFlow(t *testing.T) {
	users := newMemUserStore()
	data := &fakeStore{
		GetUserByIDFn: users.GetUserByID,
	}
	server, svc := newTestServer(data)
	svc.SetAuthServices(authpw.NewService(users), false)

	recorder := doRequest(t, server, http.MethodPost, "/api/auth/signup", "",
		`{"email":"trader@example.com","password":"longenough","displayName":"Trader"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	devToken, _ := payload["devVerificationToken"].(string)
	if devToken == "" {
		t.Fatalf("expected dev verification token without SMTP, got %v", payload)
	}

	// Signing in before verification is rejected.
	recorder = doRequest(t, server, http.MethodPost, "/api/auth/signin", "",
		`{"email":"trader@example.com","password":"longenough"}`)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("unverified signin: expected 403, got %d", recorder.Code)
	}

	recorder = doRequest(t, server, http.MethodPost, "/api/auth/verify-email", "",
		`{"token":"`+devToken+`"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doRequest(t, server, http.MethodPost, "/api/auth/signin", "",
		`{"email":"trader@example.com","password":"longenough"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("signin: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload = decodeResponse(t, recorder)
	accessToken, _ := payload["accessToken"].(string)
	if accessToken == "" {
		t.Fatalf("expected access token, got %v", payload)
	}
	if payload["userName"] != "Trader" {
		t.Fatalf("expected userName Trader, got %v", payload)
	}

	// The issued token opens the protected surface.
	recorder = doRequest(t, server, http.MethodGet, "/api/session", accessToken, "")
	payload = decodeResponse(t, recorder)
	if payload["authenticated"] != true {
		t.Fatalf("expected authenticated session, got %v", payload)
	}
}

func TestSignInWrongPasswordEndpoint(t *testing.T) {
	users := newMemUserStore()
	data := &fakeStore{GetUserByIDFn: users.GetUserByID}
	server, svc := newTestServer(data)
	svc.SetAuthServices(authpw.NewService(users), false)

	recorder := doRequest(t, server, http.MethodPost, "/api/auth/signin", "",
		`{"email":"nobody@example.com","password":"whatever1"}`)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("expected INVALID_CREDENTIALS, got %v", payload)
	}
}

func TestSessionRefreshEndpoint(t *testing.T) {
	sessions := map[string]string{}
	data := &fakeStore{
		SaveRefreshSessionFn: func(_ context.Context, tokenHash, userID string, _ time.Time) error {
			sessions[tokenHash] = userID
			return nil
		},
		LookupRefreshSessionFn: func(_ context.Context, tokenHash string) (store.User, error) {
			userID, ok := sessions[tokenHash]
			if !ok {
				return store.User{}, sql.ErrNoRows
			}
			return store.User{ID: userID, DisplayName: "Test Trader"}, nil
		},
		RevokeRefreshSessionFn: func(_ context.Context, tokenHash string) error {
			delete(sessions, tokenHash)
			return nil
		},
	}
	withTestUser(data)
	server, svc := newTestServer(data)

	session, err := svc.CreateSession(context.Background(), "usr1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	recorder := doRequest(t, server, http.MethodPost, "/api/session/refresh", "",
		`{"refreshToken":"`+session.RefreshToken+`"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["token"] == "" || payload["refreshToken"] == session.RefreshToken {
		t.Fatalf("expected rotated tokens, got %v", payload)
	}

	// The old refresh token is single use.
	recorder = doRequest(t, server, http.MethodPost, "/api/session/refresh", "",
		`{"refreshToken":"`+session.RefreshToken+`"}`)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on refresh replay, got %d", recorder.Code)
	}
}

func TestSearchEndpointRequiresCalendar(t *testing.T) {
	data := &fakeStore{}
	withTestUser(data)
	server, svc := newTestServer(data)
	token := sessionToken(t, svc)

	recorder := doRequest(t, server, http.MethodGet, "/api/search?q=breakout", token, "")
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", recorder.Code)
	}
}

func TestReportUnavailableWithoutExporter(t *testing.T) {
	data := &fakeStore{
		GetCalendarFn: func(_ context.Context, id string) (store.Calendar, error) {
			return ownedCalendar(id, "usr1"), nil
		},
	}
	withTestUser(data)
	server, svc := newTestServer(data)
	token := sessionToken(t, svc)

	recorder := doRequest(t, server, http.MethodGet, "/api/calendars/cal1/report?year=2024", token, "")
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
}
