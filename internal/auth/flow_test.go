package auth

import "testing"

const (
	landing = "https://portal.example.edu/portal/home.php"
	login   = "https://portal.example.edu/portal/login.php"
)

func TestFlowSuccessfulLogin(t *testing.T) {
	flow := NewFlow(landing)
	flow.Start()
	if flow.State() != FlowAwaitingNavigation {
		t.Fatalf("Expected awaiting-navigation after start, got %s", flow.State())
	}

	// Initial login form render is not a failed attempt.
	flow.Navigated(login)
	if flow.State() != FlowAwaitingNavigation {
		t.Fatalf("Expected awaiting-navigation after form render, got %s", flow.State())
	}
	if flow.Attempts() != 0 {
		t.Errorf("Expected 0 attempts after form render, got %d", flow.Attempts())
	}

	flow.ResponseReceived(landing, 200)
	if flow.State() != FlowValidating {
		t.Fatalf("Expected validating after landing response, got %s", flow.State())
	}

	flow.Complete(true)
	if flow.State() != FlowSucceeded {
		t.Errorf("Expected succeeded, got %s", flow.State())
	}
}

func TestFlowOneRetryThenSuccess(t *testing.T) {
	flow := NewFlow(landing)
	flow.Start()
	flow.Navigated(login) // form render
	flow.Navigated(login) // first failed submission
	if flow.State() != FlowAwaitingNavigation {
		t.Fatalf("Expected flow still awaiting after one failed cycle, got %s", flow.State())
	}
	if flow.Attempts() != 1 {
		t.Errorf("Expected 1 attempt, got %d", flow.Attempts())
	}

	flow.ResponseReceived(landing, 200)
	flow.Complete(true)
	if flow.State() != FlowSucceeded {
		t.Errorf("Expected succeeded after retry, got %s", flow.State())
	}
}

func TestFlowTwoFailedCyclesFail(t *testing.T) {
	flow := NewFlow(landing)
	flow.Start()
	flow.Navigated(login) // form render
	flow.Navigated(login) // first failed submission
	flow.Navigated(login) // second failed submission
	if flow.State() != FlowFailed {
		t.Fatalf("Expected failed after two failed cycles, got %s", flow.State())
	}
	if flow.Attempts() != 2 {
		t.Errorf("Expected 2 attempts, got %d", flow.Attempts())
	}

	// Terminal states ignore further signals.
	flow.ResponseReceived(landing, 200)
	if flow.State() != FlowFailed {
		t.Errorf("Expected flow to stay failed, got %s", flow.State())
	}
}

func TestFlowIgnoresIrrelevantResponses(t *testing.T) {
	flow := NewFlow(landing)
	flow.Start()
	flow.Navigated(login)

	flow.ResponseReceived(login, 200)   // not the landing page
	flow.ResponseReceived(landing, 302) // not a 200
	if flow.State() != FlowAwaitingNavigation {
		t.Errorf("Expected awaiting-navigation, got %s", flow.State())
	}
}

func TestFlowLandingNavigationNotCounted(t *testing.T) {
	flow := NewFlow(landing)
	flow.Start()
	flow.Navigated(login)
	flow.Navigated(landing + "?view=dashboard")
	if flow.Attempts() != 0 {
		t.Errorf("Expected navigations to landing not to count, got %d attempts", flow.Attempts())
	}
}

func TestFlowCompleteRequiresValidating(t *testing.T) {
	flow := NewFlow(landing)
	flow.Start()
	flow.Complete(true)
	if flow.State() != FlowAwaitingNavigation {
		t.Errorf("Complete outside validating should be a no-op, got %s", flow.State())
	}
}
