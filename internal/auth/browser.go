package auth

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"
)

// The portal has no token endpoint; the only way to mint a session is to
// drive its login form in a real browser and lift the session cookie out of
// the cookie jar afterwards.

// LoginRequest describes one browser login attempt. The surface itself is
// policy-free: headless/prefill/submit are decided by the Manager per mode.
type LoginRequest struct {
	Username string
	Password string
	Headless bool
	Prefill  bool
	Submit   bool
}

// LoginResult is the outcome of a browser login attempt. Success=false with
// a nil error means the portal rejected the credentials.
type LoginResult struct {
	Success bool
	Token   string
}

// LoginAutomator drives the portal's login form and extracts the resulting
// session token.
type LoginAutomator interface {
	Login(ctx context.Context, req LoginRequest) (*LoginResult, error)
}

// surfaceMu enforces the single-surface invariant: at most one browser
// automation surface may exist at a time, process-wide.
var surfaceMu sync.Mutex

// BrowserConfig configures the chromedp login surface.
type BrowserConfig struct {
	ExecPath       string // chrome/chromium binary, empty for lookup
	LoginURL       string
	LandingURL     string // authenticated landing page prefix
	SessionCookie  string
	UserSelector   string // CSS selector of the username input
	PassSelector   string
	SubmitSelector string
	Timeout        time.Duration
}

// BrowserSurface is the chromedp-backed LoginAutomator.
type BrowserSurface struct {
	cfg    BrowserConfig
	origin string
	log    *logrus.Logger
}

type signalKind int

const (
	signalNavigated signalKind = iota
	signalResponse
)

type flowSignal struct {
	kind   signalKind
	url    string
	status int
}

// NewBrowserSurface creates a login surface for the given portal.
func NewBrowserSurface(cfg BrowserConfig, log *logrus.Logger) (*BrowserSurface, error) {
	u, err := url.Parse(cfg.LoginURL)
	if err != nil {
		return nil, fmt.Errorf("invalid login URL: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.UserSelector == "" {
		cfg.UserSelector = `input[name="username"]`
	}
	if cfg.PassSelector == "" {
		cfg.PassSelector = `input[name="password"]`
	}
	if cfg.SubmitSelector == "" {
		cfg.SubmitSelector = `button[type="submit"]`
	}
	return &BrowserSurface{
		cfg:    cfg,
		origin: u.Scheme + "://" + u.Host,
		log:    log,
	}, nil
}

// Login opens the portal login page, observes navigation and response events
// through the flow state machine, and on success extracts the session cookie.
// Storage is cleared and the surface closed on every outcome, so no portal
// state survives outside the returned token.
func (b *BrowserSurface) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if !surfaceMu.TryLock() {
		return nil, ErrAutomationConflict
	}
	defer surfaceMu.Unlock()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	if !req.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()
	taskCtx, timeoutCancel := context.WithTimeout(taskCtx, b.cfg.Timeout)
	defer timeoutCancel()

	flow := NewFlow(b.cfg.LandingURL)
	flow.Start()

	signals := make(chan flowSignal, 64)
	chromedp.ListenTarget(taskCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventFrameNavigated:
			if e.Frame.ParentID != "" {
				return
			}
			select {
			case signals <- flowSignal{kind: signalNavigated, url: e.Frame.URL}:
			default:
			}
		case *network.EventResponseReceived:
			if e.Type != network.ResourceTypeDocument {
				return
			}
			select {
			case signals <- flowSignal{kind: signalResponse, url: e.Response.URL, status: int(e.Response.Status)}:
			default:
			}
		}
	})

	actions := []chromedp.Action{
		network.Enable(),
		chromedp.Navigate(b.cfg.LoginURL),
	}
	if req.Prefill && req.Username != "" {
		actions = append(actions,
			chromedp.WaitVisible(b.cfg.UserSelector, chromedp.ByQuery),
			chromedp.SendKeys(b.cfg.UserSelector, req.Username, chromedp.ByQuery),
			chromedp.SendKeys(b.cfg.PassSelector, req.Password, chromedp.ByQuery),
		)
		if req.Submit {
			actions = append(actions, chromedp.Click(b.cfg.SubmitSelector, chromedp.ByQuery))
		}
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return nil, fmt.Errorf("drive login page: %w", err)
	}

	b.log.WithFields(logrus.Fields{
		"headless": req.Headless,
		"prefill":  req.Prefill,
	}).Info("login surface opened")

	for {
		state := flow.State()
		if state == FlowValidating || state == FlowFailed {
			break
		}
		select {
		case sig := <-signals:
			switch sig.kind {
			case signalNavigated:
				flow.Navigated(sig.url)
			case signalResponse:
				flow.ResponseReceived(sig.url, sig.status)
			}
		case <-taskCtx.Done():
			b.clearStorage(taskCtx)
			return nil, fmt.Errorf("login flow aborted: %w", taskCtx.Err())
		}
	}

	if flow.State() == FlowFailed {
		b.log.WithField("attempts", flow.Attempts()).Warn("login flow failed")
		b.clearStorage(taskCtx)
		return &LoginResult{Success: false}, nil
	}

	token, err := b.extractToken(taskCtx)
	b.clearStorage(taskCtx)
	if err != nil {
		flow.Complete(false)
		return nil, fmt.Errorf("extract session cookie: %w", err)
	}
	if token == "" {
		flow.Complete(false)
		return &LoginResult{Success: false}, nil
	}
	flow.Complete(true)

	b.log.Info("login flow succeeded")
	return &LoginResult{Success: true, Token: token}, nil
}

func (b *BrowserSurface) extractToken(ctx context.Context) (string, error) {
	var token string
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			if c.Name == b.cfg.SessionCookie {
				token = c.Value
			}
		}
		return nil
	}))
	return token, err
}

func (b *BrowserSurface) clearStorage(ctx context.Context) {
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return storage.ClearDataForOrigin(b.origin, "all").Do(ctx)
	}))
	if err != nil {
		b.log.WithError(err).Debug("clear origin storage")
	}
}
