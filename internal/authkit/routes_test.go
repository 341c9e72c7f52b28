package authkit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

type fakeLoginProvider struct {
	result       LoginResult
	err          error
	lastCode     string
	lastVerifier string
}

func (provider *fakeLoginProvider) AuthCodeURL(state string, codeVerifier string) string {
	return "https://idp.example.com/authorize?state=" + url.QueryEscape(state)
}

func (provider *fakeLoginProvider) Exchange(ctx context.Context, code string, codeVerifier string) (LoginResult, error) {
	provider.lastCode = code
	provider.lastVerifier = codeVerifier
	return provider.result, provider.err
}

type authRouterFixture struct {
	router   *gin.Engine
	sessions *SessionStore
	provider *fakeLoginProvider
	metrics  *CounterMetrics
	clock    *controllableClock
	cookies  SessionCookies
}

func newAuthRouterFixture(t *testing.T) *authRouterFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := newControllableClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	publicURL, _ := url.Parse("https://console.example.com")
	configuration := ServerConfig{PublicURL: publicURL}
	logger := zaptest.NewLogger(t)
	sessions := NewSessionStore(newMemoryBackedStore(clock), SessionStoreConfig{Clock: clock}, logger)
	provider := &fakeLoginProvider{result: LoginResult{
		User:     sampleUser(),
		TokenSet: sampleTokenSet(clock.Now().Add(time.Hour)),
	}}
	metrics := NewCounterMetrics()

	router := gin.New()
	MountAuthRoutes(router, AuthRoutes{
		Configuration: configuration,
		Sessions:      sessions,
		Provider:      provider,
		Metrics:       metrics,
		Logger:        logger,
	})
	return &authRouterFixture{
		router:   router,
		sessions: sessions,
		provider: provider,
		metrics:  metrics,
		clock:    clock,
		cookies:  NewSessionCookies(configuration),
	}
}

func (fixture *authRouterFixture) serve(request *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	return recorder
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, cookie := range cookies {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func (fixture *authRouterFixture) login(t *testing.T, returnTo string) (state string, cookies []*http.Cookie) {
	t.Helper()
	target := LoginPath
	if returnTo != "" {
		target += "?returnTo=" + url.QueryEscape(returnTo)
	}
	recorder := fixture.serve(httptest.NewRequest(http.MethodGet, target, nil))
	if recorder.Code != http.StatusSeeOther {
		t.Fatalf("expected 303 from login, got %d", recorder.Code)
	}
	location, _ := url.Parse(recorder.Header().Get("Location"))
	return location.Query().Get("state"), recorder.Result().Cookies()
}

func callbackRequest(query string, cookies []*http.Cookie) *http.Request {
	request := httptest.NewRequest(http.MethodGet, callbackPath+"?"+query, nil)
	for _, cookie := range cookies {
		if cookie.MaxAge >= 0 && cookie.Value != "" {
			request.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
		}
	}
	return request
}

func TestLoginSetsFlowCookies(t *testing.T) {
	fixture := newAuthRouterFixture(t)
	state, cookies := fixture.login(t, "/clusters?page=2")
	if state == "" {
		t.Fatalf("expected state in authorize redirect")
	}
	stateCookie := findCookie(cookies, loginStateCookie)
	if stateCookie == nil || stateCookie.Value != state || !stateCookie.HttpOnly || stateCookie.Path != "/auth" {
		t.Fatalf("unexpected state cookie %#v", stateCookie)
	}
	if stateCookie.MaxAge != 600 || !stateCookie.Secure {
		t.Fatalf("expected 10 minute secure cookie, got %#v", stateCookie)
	}
	if verifier := findCookie(cookies, loginVerifierCookie); verifier == nil || len(verifier.Value) < 43 {
		t.Fatalf("expected PKCE verifier cookie, got %#v", verifier)
	}
	if returnTo := findCookie(cookies, loginReturnToCookie); returnTo == nil || returnTo.Value != "/clusters?page=2" {
		t.Fatalf("unexpected returnTo cookie %#v", returnTo)
	}
}

func TestCallbackCreatesSession(t *testing.T) {
	fixture := newAuthRouterFixture(t)
	state, cookies := fixture.login(t, "/clusters")

	recorder := fixture.serve(callbackRequest("code=code-1&state="+url.QueryEscape(state), cookies))
	if recorder.Code != http.StatusSeeOther || recorder.Header().Get("Location") != "/clusters" {
		t.Fatalf("expected redirect to /clusters, got %d %q", recorder.Code, recorder.Header().Get("Location"))
	}
	if fixture.provider.lastCode != "code-1" || fixture.provider.lastVerifier != findCookie(cookies, loginVerifierCookie).Value {
		t.Fatalf("exchange must receive the code and stored verifier")
	}
	sessionCookie := findCookie(recorder.Result().Cookies(), "__Host-console_session")
	if sessionCookie == nil || !sessionCookie.HttpOnly || !sessionCookie.Secure || sessionCookie.Path != "/" {
		t.Fatalf("unexpected session cookie %#v", sessionCookie)
	}
	if sessionCookie.SameSite != http.SameSiteLaxMode {
		t.Fatalf("expected SameSite=Lax")
	}
	session, _, err := fixture.sessions.Validate(context.Background(), sessionCookie.Value)
	if err != nil || session == nil {
		t.Fatalf("session must exist: %v", err)
	}
	if !sessionCookie.Expires.Equal(session.ExpiresAt.Truncate(time.Second)) {
		t.Fatalf("cookie expiry %v must track session expiry %v", sessionCookie.Expires, session.ExpiresAt)
	}
	if fixture.metrics.Count(metricLoginSuccess) != 1 {
		t.Fatalf("expected login success metric")
	}
}

func TestCallbackRejections(t *testing.T) {
	testCases := []struct {
		name        string
		query       func(state string) string
		dropCookie  string
		exchangeErr error
		reason      string
	}{
		{name: "provider error", query: func(string) string { return "error=access_denied" }, reason: "identity provider error: access_denied"},
		{name: "missing code", query: func(state string) string { return "state=" + state }, reason: "missing authorization code"},
		{name: "state mismatch", query: func(string) string { return "code=c&state=forged" }, reason: "state mismatch"},
		{name: "missing state cookie", query: func(state string) string { return "code=c&state=" + state }, dropCookie: loginStateCookie, reason: "state mismatch"},
		{name: "missing verifier", query: func(state string) string { return "code=c&state=" + state }, dropCookie: loginVerifierCookie, reason: "missing PKCE verifier"},
		{name: "issuer mismatch", query: func(state string) string { return "code=c&state=" + state }, exchangeErr: fmt.Errorf("%w: bad", ErrIssuerMismatch), reason: "issuer mismatch"},
		{name: "audience mismatch", query: func(state string) string { return "code=c&state=" + state }, exchangeErr: ErrAudienceMismatch, reason: "audience mismatch"},
		{name: "exchange failure", query: func(state string) string { return "code=c&state=" + state }, exchangeErr: ErrCodeExchange, reason: "authorization code exchange failed"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			fixture := newAuthRouterFixture(t)
			fixture.provider.err = testCase.exchangeErr
			state, cookies := fixture.login(t, "")
			kept := make([]*http.Cookie, 0, len(cookies))
			for _, cookie := range cookies {
				if cookie.Name != testCase.dropCookie {
					kept = append(kept, cookie)
				}
			}

			recorder := fixture.serve(callbackRequest(testCase.query(url.QueryEscape(state)), kept))
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", recorder.Code)
			}
			if !strings.HasPrefix(recorder.Header().Get("Content-Type"), "text/plain") {
				t.Fatalf("expected text/plain, got %q", recorder.Header().Get("Content-Type"))
			}
			if recorder.Body.String() != testCase.reason {
				t.Fatalf("expected reason %q, got %q", testCase.reason, recorder.Body.String())
			}
			if findCookie(recorder.Result().Cookies(), fixture.cookies.Name()) != nil {
				t.Fatalf("no session cookie may be set on failure")
			}
			if fixture.metrics.Count(metricLoginFailure) != 1 {
				t.Fatalf("expected login failure metric")
			}
		})
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	fixture := newAuthRouterFixture(t)
	session, err := fixture.sessions.Create(context.Background(), "raw-token", sampleUser(), sampleTokenSet(fixture.clock.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	request := httptest.NewRequest(http.MethodPost, logoutPath, nil)
	request.AddCookie(&http.Cookie{Name: fixture.cookies.Name(), Value: "raw-token"})
	recorder := fixture.serve(request)
	if recorder.Code != http.StatusSeeOther || recorder.Header().Get("Location") != "/" {
		t.Fatalf("expected redirect to /, got %d", recorder.Code)
	}
	cleared := findCookie(recorder.Result().Cookies(), fixture.cookies.Name())
	if cleared == nil || cleared.MaxAge >= 0 {
		t.Fatalf("expected cleared cookie, got %#v", cleared)
	}
	if stored, _, _ := fixture.sessions.Validate(context.Background(), "raw-token"); stored != nil {
		t.Fatalf("session %s must be invalidated", session.ID)
	}
}

func TestSessionEndpoint(t *testing.T) {
	fixture := newAuthRouterFixture(t)

	recorder := fixture.serve(httptest.NewRequest(http.MethodGet, sessionPath, nil))
	if recorder.Code != http.StatusUnauthorized || strings.TrimSpace(recorder.Body.String()) != `{"error":"Unauthorized"}` {
		t.Fatalf("expected 401 JSON, got %d %s", recorder.Code, recorder.Body.String())
	}

	if _, err := fixture.sessions.Create(context.Background(), "raw-token", sampleUser(), sampleTokenSet(fixture.clock.Now().Add(time.Hour))); err != nil {
		t.Fatalf("create: %v", err)
	}
	request := httptest.NewRequest(http.MethodGet, sessionPath, nil)
	request.AddCookie(&http.Cookie{Name: fixture.cookies.Name(), Value: "raw-token"})
	recorder = fixture.serve(request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload struct {
		User      UserProfile `json:"user"`
		ExpiresAt time.Time   `json:"expiresAt"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.User.Email != "ada@example.com" || payload.ExpiresAt.IsZero() {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if strings.Contains(recorder.Body.String(), "refresh-1") || strings.Contains(recorder.Body.String(), "access-1") {
		t.Fatalf("tokens must never be exposed")
	}
}

func TestSanitizeReturnTo(t *testing.T) {
	t.Parallel()

	testCases := map[string]string{
		"":                     "/",
		"/clusters":            "/clusters",
		"/clusters?page=2":     "/clusters?page=2",
		"//evil.example.com":   "/",
		"https://evil.example": "/",
		"/\\evil.example.com":  "/",
		"clusters":             "/",
		"/auth/login":          "/",
		"/authors":             "/authors",
	}
	for input, expected := range testCases {
		if got := SanitizeReturnTo(input); got != expected {
			t.Fatalf("SanitizeReturnTo(%q) = %q, expected %q", input, got, expected)
		}
	}
}

func TestSessionCookieNaming(t *testing.T) {
	t.Parallel()

	secureURL, _ := url.Parse("https://console.example.com")
	plainURL, _ := url.Parse("http://localhost:8080")
	if name := NewSessionCookies(ServerConfig{PublicURL: secureURL}).Name(); name != "__Host-console_session" {
		t.Fatalf("unexpected secure name %s", name)
	}
	if name := NewSessionCookies(ServerConfig{PublicURL: secureURL, CookieDomain: "example.com"}).Name(); name != "__Secure-console_session" {
		t.Fatalf("unexpected domain name %s", name)
	}
	if name := NewSessionCookies(ServerConfig{PublicURL: plainURL}).Name(); name != "console_session" {
		t.Fatalf("unexpected plain name %s", name)
	}
}
