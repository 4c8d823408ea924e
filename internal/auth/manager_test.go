package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"campusmirror/internal/portal"
)

type fakeTokens struct {
	mu    sync.Mutex
	token string
	sets  int
}

func (f *fakeTokens) GetToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeTokens) SetToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
	f.sets++
}

type fakeVault map[string]string

func (v fakeVault) GetPassword(username string) string { return v[username] }

func (v fakeVault) SavePassword(username, password string) { v[username] = password }

type fakeAutomator struct {
	mu       sync.Mutex
	requests []LoginRequest
	results  []*LoginResult
	err      error
}

func (f *fakeAutomator) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res, nil
}

func (f *fakeAutomator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// portalServer serves a landing page whose content depends on the presented
// session cookie: live tokens see the dashboard, everything else sees the
// login form.
func portalServer(t *testing.T, liveToken string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		if c, err := r.Cookie("SID"); err == nil && c.Value == liveToken {
			io.WriteString(w, `<html><body><h1>Dashboard</h1></body></html>`)
			return
		}
		io.WriteString(w, `<html><body><form name="login_form"></form></body></html>`)
	}))
}

func testManager(t *testing.T, baseURL string, tokens *fakeTokens, vault CredentialVault, automator LoginAutomator) *Manager {
	t.Helper()
	client, err := portal.NewClient(portal.ClientConfig{
		BaseURL:       baseURL,
		HomePath:      "/home.php",
		SessionCookie: "SID",
	})
	if err != nil {
		t.Fatalf("Failed to create portal client: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewManager(client, automator, tokens, vault, ManagerConfig{Username: "jdoe"}, log)
}

func TestAcquireSessionReusesLiveToken(t *testing.T) {
	srv := portalServer(t, "live-token")
	defer srv.Close()

	tokens := &fakeTokens{token: "live-token"}
	automator := &fakeAutomator{}
	m := testManager(t, srv.URL, tokens, fakeVault{}, automator)

	sess, err := m.AcquireSession(context.Background(), ModeAuto)
	if err != nil {
		t.Fatalf("AcquireSession failed: %v", err)
	}
	if sess.Token != "live-token" {
		t.Errorf("Expected cached token, got %q", sess.Token)
	}
	// Session reuse must not touch the login automation at all.
	if automator.calls() != 0 {
		t.Errorf("Expected 0 automation steps, got %d", automator.calls())
	}
}

func TestAcquireSessionDeadTokenFallsBack(t *testing.T) {
	srv := portalServer(t, "live-token")
	defer srv.Close()

	tokens := &fakeTokens{token: "stale-token"}
	automator := &fakeAutomator{results: []*LoginResult{{Success: true, Token: "fresh-token"}}}
	m := testManager(t, srv.URL, tokens, fakeVault{"jdoe": "hunter2"}, automator)

	sess, err := m.AcquireSession(context.Background(), ModeAuto)
	if err != nil {
		t.Fatalf("AcquireSession failed: %v", err)
	}
	if sess.Token != "fresh-token" {
		t.Errorf("Expected fresh token, got %q", sess.Token)
	}
	if tokens.GetToken() != "fresh-token" {
		t.Errorf("Expected fresh token persisted, got %q", tokens.GetToken())
	}
	if automator.calls() != 1 {
		t.Errorf("Expected 1 automation run, got %d", automator.calls())
	}
}

func TestAcquireSessionAuthenticationFailed(t *testing.T) {
	srv := portalServer(t, "live-token")
	defer srv.Close()

	tokens := &fakeTokens{}
	automator := &fakeAutomator{results: []*LoginResult{{Success: false}}}
	m := testManager(t, srv.URL, tokens, fakeVault{}, automator)

	_, err := m.AcquireSession(context.Background(), ModeInteractive)
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("Expected ErrAuthenticationFailed, got %v", err)
	}
	// No token may be stored after a failed login.
	if tokens.sets != 0 {
		t.Errorf("Expected no token writes, got %d", tokens.sets)
	}
}

func TestAcquireSessionNetworkUnavailable(t *testing.T) {
	srv := portalServer(t, "live-token")
	srv.Close() // portal offline

	tokens := &fakeTokens{token: "cached-token"}
	automator := &fakeAutomator{}
	m := testManager(t, srv.URL, tokens, fakeVault{}, automator)

	_, err := m.AcquireSession(context.Background(), ModeAuto)
	if !errors.Is(err, ErrNetworkUnavailable) {
		t.Fatalf("Expected ErrNetworkUnavailable, got %v", err)
	}
	if automator.calls() != 0 {
		t.Errorf("Expected no automation after failed pre-flight, got %d calls", automator.calls())
	}
}

func TestAutoModeRevealsSurfaceOnHeadlessFailure(t *testing.T) {
	srv := portalServer(t, "live-token")
	defer srv.Close()

	tokens := &fakeTokens{}
	automator := &fakeAutomator{results: []*LoginResult{
		{Success: false},
		{Success: true, Token: "won-token"},
	}}
	m := testManager(t, srv.URL, tokens, fakeVault{"jdoe": "hunter2"}, automator)

	sess, err := m.AcquireSession(context.Background(), ModeAuto)
	if err != nil {
		t.Fatalf("AcquireSession failed: %v", err)
	}
	if sess.Token != "won-token" {
		t.Errorf("Expected token from second attempt, got %q", sess.Token)
	}
	if automator.calls() != 2 {
		t.Fatalf("Expected 2 automation runs, got %d", automator.calls())
	}
	if !automator.requests[0].Headless || !automator.requests[0].Submit {
		t.Errorf("Expected first attempt headless with submit: %+v", automator.requests[0])
	}
	if automator.requests[1].Headless {
		t.Errorf("Expected second attempt to reveal the surface: %+v", automator.requests[1])
	}
}

func TestSilentModeNeverRevealsSurface(t *testing.T) {
	srv := portalServer(t, "live-token")
	defer srv.Close()

	tokens := &fakeTokens{}
	automator := &fakeAutomator{results: []*LoginResult{{Success: false}}}
	m := testManager(t, srv.URL, tokens, fakeVault{"jdoe": "hunter2"}, automator)

	_, err := m.AcquireSession(context.Background(), ModeSilent)
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("Expected ErrAuthenticationFailed, got %v", err)
	}
	if automator.calls() != 1 {
		t.Fatalf("Expected exactly 1 automation run, got %d", automator.calls())
	}
	if !automator.requests[0].Headless {
		t.Errorf("Silent mode must stay headless: %+v", automator.requests[0])
	}
}
