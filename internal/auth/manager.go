package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"campusmirror/internal/models"
	"campusmirror/internal/portal"
)

var (
	// ErrNetworkUnavailable means the pre-flight connectivity check failed;
	// nothing else was attempted.
	ErrNetworkUnavailable = errors.New("portal network unavailable")

	// ErrAuthenticationFailed means the login flow exhausted its attempts.
	ErrAuthenticationFailed = errors.New("portal authentication failed")

	// ErrAutomationConflict means a login surface is already open.
	ErrAutomationConflict = errors.New("login surface already open")
)

// LoginMode selects how the login surface is used.
type LoginMode int

const (
	// ModeAuto attempts a headless submission first and reveals the surface
	// only when that fails.
	ModeAuto LoginMode = iota
	// ModeInteractive always shows the surface and lets the user drive the
	// form themselves; cached credentials are ignored.
	ModeInteractive
	// ModeSilent never shows the surface. Used to confirm freshly entered
	// credentials without flashing a window.
	ModeSilent
)

// TokenStore is the external session-token holder (OS keychain in the full
// application). Empty string means no cached token.
type TokenStore interface {
	GetToken() string
	SetToken(token string)
}

// CredentialVault is the external credential holder. Empty string means no
// stored password.
type CredentialVault interface {
	GetPassword(username string) string
	SavePassword(username, password string)
}

// ManagerConfig configures session acquisition.
type ManagerConfig struct {
	Username string
	// LoginMarker is a markup fragment that only appears on the login form.
	// Its presence in a probed page means the cached token is dead.
	LoginMarker string
}

// Manager owns the session lifecycle: cached-token probing and browser
// login fallback. All collaborators are injected; the manager holds no
// ambient state.
type Manager struct {
	client    *portal.Client
	automator LoginAutomator
	tokens    TokenStore
	vault     CredentialVault
	cfg       ManagerConfig
	log       *logrus.Logger
	now       func() time.Time
}

// NewManager creates a session manager.
func NewManager(client *portal.Client, automator LoginAutomator, tokens TokenStore, vault CredentialVault, cfg ManagerConfig, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	if cfg.LoginMarker == "" {
		cfg.LoginMarker = `name="login_form"`
	}
	return &Manager{
		client:    client,
		automator: automator,
		tokens:    tokens,
		vault:     vault,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// AcquireSession returns a live portal session.
//
// With a cached token present it pre-flights connectivity, then probes the
// token against the landing page; a live token is returned without any login
// automation. Otherwise the browser login flow runs according to mode. The
// won token is persisted through the token store; on failure no token is
// stored.
func (m *Manager) AcquireSession(ctx context.Context, mode LoginMode) (*models.Session, error) {
	cached := m.tokens.GetToken()
	if cached != "" && mode != ModeInteractive {
		if err := m.client.CheckConnectivity(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
		}
		if m.probe(ctx, cached) {
			m.log.Info("cached session token is live, reusing")
			return &models.Session{Token: cached, AcquiredAt: m.now()}, nil
		}
		m.log.Info("cached session token rejected by portal")
	}

	username := m.cfg.Username
	password := ""
	if m.vault != nil && mode != ModeInteractive {
		password = m.vault.GetPassword(username)
	}

	result, err := m.login(ctx, mode, username, password)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, ErrAuthenticationFailed
	}

	m.tokens.SetToken(result.Token)
	m.log.WithField("mode", mode).Info("session acquired via login surface")
	return &models.Session{Token: result.Token, AcquiredAt: m.now()}, nil
}

func (m *Manager) login(ctx context.Context, mode LoginMode, username, password string) (*LoginResult, error) {
	switch mode {
	case ModeSilent:
		return m.automator.Login(ctx, LoginRequest{
			Username: username, Password: password,
			Headless: true, Prefill: true, Submit: true,
		})
	case ModeInteractive:
		return m.automator.Login(ctx, LoginRequest{Headless: false})
	default: // ModeAuto
		if password != "" {
			result, err := m.automator.Login(ctx, LoginRequest{
				Username: username, Password: password,
				Headless: true, Prefill: true, Submit: true,
			})
			if err != nil || result.Success {
				return result, err
			}
			m.log.Warn("headless login rejected, revealing surface")
		}
		return m.automator.Login(ctx, LoginRequest{
			Username: username, Password: password,
			Headless: false, Prefill: password != "",
		})
	}
}

// probe issues one lightweight authenticated request and sniffs the body for
// the login-form marker. Transport failures count as a dead token rather
// than an error; the login fallback will sort it out.
func (m *Manager) probe(ctx context.Context, token string) bool {
	body, err := m.client.Probe(ctx, token)
	if err != nil {
		m.log.WithError(err).Debug("liveness probe failed")
		return false
	}
	return !strings.Contains(body, m.cfg.LoginMarker)
}
