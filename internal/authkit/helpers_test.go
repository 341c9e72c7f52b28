package authkit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tyemirov/consolegate/internal/kvstore"
)

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newControllableClock(start time.Time) *controllableClock {
	return &controllableClock{current: start}
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

func newMemoryBackedStore(clock *controllableClock) *kvstore.MemoryStore {
	return kvstore.NewMemoryStore().WithClock(clock.Now)
}

func mintTestIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-signing-key"))
	if err != nil {
		t.Fatalf("failed to sign id token: %v", err)
	}
	return signed
}

func defaultIDTokenClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":                "https://idp.example.com",
		"aud":                "console-client",
		"sub":                "user-123",
		"preferred_username": "ada",
		"name":               "Ada Lovelace",
		"email":              "ada@example.com",
		"roles":              []interface{}{"admin", "viewer"},
	}
}

func testOIDCConfig(tokenURL string) OIDCConfig {
	return OIDCConfig{
		Issuer:       "https://idp.example.com",
		ClientID:     "console-client",
		ClientSecret: "secret",
		AuthURL:      "https://idp.example.com/authorize",
		TokenURL:     tokenURL,
	}
}

// tokenEndpoint is a fake OAuth2 token endpoint that counts grants.
type tokenEndpoint struct {
	server   *httptest.Server
	calls    atomic.Int32
	mutex    sync.Mutex
	forms    []map[string]string
	status   int
	response map[string]interface{}
	gate     chan struct{}
}

func newTokenEndpoint(t *testing.T, response map[string]interface{}) *tokenEndpoint {
	t.Helper()
	endpoint := &tokenEndpoint{status: http.StatusOK, response: response}
	endpoint.server = httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		endpoint.calls.Add(1)
		if err := request.ParseForm(); err == nil {
			form := make(map[string]string, len(request.PostForm))
			for name := range request.PostForm {
				form[name] = request.PostForm.Get(name)
			}
			endpoint.mutex.Lock()
			endpoint.forms = append(endpoint.forms, form)
			endpoint.mutex.Unlock()
		}
		if endpoint.gate != nil {
			<-endpoint.gate
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(endpoint.status)
		_ = json.NewEncoder(writer).Encode(endpoint.response)
	}))
	t.Cleanup(endpoint.server.Close)
	return endpoint
}

func (endpoint *tokenEndpoint) lastForm() map[string]string {
	endpoint.mutex.Lock()
	defer endpoint.mutex.Unlock()
	if len(endpoint.forms) == 0 {
		return nil
	}
	return endpoint.forms[len(endpoint.forms)-1]
}
