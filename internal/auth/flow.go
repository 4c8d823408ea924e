package auth

import (
	"strings"
	"sync"
)

// FlowState is the login flow's position in its lifecycle.
type FlowState int

const (
	FlowNotStarted FlowState = iota
	FlowAwaitingNavigation
	FlowValidating
	FlowSucceeded
	FlowFailed
)

func (s FlowState) String() string {
	switch s {
	case FlowNotStarted:
		return "not-started"
	case FlowAwaitingNavigation:
		return "awaiting-navigation"
	case FlowValidating:
		return "validating"
	case FlowSucceeded:
		return "succeeded"
	case FlowFailed:
		return "failed"
	}
	return "unknown"
}

// Flow tracks a browser login attempt as an explicit state machine driven by
// two external signals: page navigations and document responses. It is
// independent of the automation technology feeding it.
//
// The first navigation to a non-landing page is the login form rendering and
// is not counted. Every later non-landing navigation is a failed submission
// cycle; more than one of those fails the flow. A 200 document response on
// the landing page moves the flow to Validating, where the caller extracts
// the session cookie and settles the outcome via Complete.
type Flow struct {
	mu         sync.Mutex
	state      FlowState
	landingURL string
	formSeen   bool
	attempts   int
}

// NewFlow creates a flow expecting the given authenticated landing URL.
func NewFlow(landingURL string) *Flow {
	return &Flow{landingURL: landingURL}
}

// Start moves the flow out of NotStarted.
func (f *Flow) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == FlowNotStarted {
		f.state = FlowAwaitingNavigation
	}
}

// Navigated records a top-frame navigation.
func (f *Flow) Navigated(pageURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != FlowAwaitingNavigation {
		return
	}
	if f.isLanding(pageURL) {
		return
	}
	if !f.formSeen {
		f.formSeen = true
		return
	}
	f.attempts++
	if f.attempts > 1 {
		f.state = FlowFailed
	}
}

// ResponseReceived records a document response.
func (f *Flow) ResponseReceived(pageURL string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != FlowAwaitingNavigation {
		return
	}
	if status == 200 && f.isLanding(pageURL) {
		f.state = FlowValidating
	}
}

// Complete settles a Validating flow once the cookie extraction has either
// produced a token or come up empty.
func (f *Flow) Complete(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != FlowValidating {
		return
	}
	if ok {
		f.state = FlowSucceeded
	} else {
		f.state = FlowFailed
	}
}

// State returns the current state.
func (f *Flow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Attempts returns the number of failed submission cycles observed.
func (f *Flow) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *Flow) isLanding(pageURL string) bool {
	return strings.HasPrefix(pageURL, f.landingURL)
}
