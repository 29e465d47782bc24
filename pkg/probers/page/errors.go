package page

import (
	"context"
	"errors"
	"fmt"

	"github.com/sre-norns/pagecheck/pkg/prob"
)

// Failure categories of a check. Every error returned by Check wraps exactly one of them.
var (
	ErrLaunch           = errors.New("launch: browser failed to start")
	ErrNavigation       = errors.New("navigate: page failed to load")
	ErrAssertionTimeout = errors.New("assert: heading did not become visible in time")
	ErrScreenshot       = errors.New("screenshot: capture failed")
	ErrAborted          = errors.New("check aborted")
)

// CheckError reports which step of a check failed and why.
type CheckError struct {
	// Last stage reached before the failure
	Stage Stage

	// One of the failure categories above
	Kind error

	// Underlying cause
	Err error

	URL     string
	Heading string
}

func (e *CheckError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}

	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

// Unwrap exposes the category and the cause. An aborted check also matches
// context.Canceled, whatever the cause it was interrupted with.
func (e *CheckError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Kind == ErrAborted && !errors.Is(e.Err, context.Canceled) {
		errs = append(errs, context.Canceled)
	}

	return errs
}

func (e *CheckError) WhatExpected() string {
	switch e.Kind {
	case ErrLaunch:
		return "a headless browser to start"
	case ErrNavigation:
		return fmt.Sprintf("%s to load", e.URL)
	case ErrAssertionTimeout:
		return fmt.Sprintf("a visible heading named %q on %s", e.Heading, e.URL)
	case ErrScreenshot:
		return "a screenshot written to disk"
	default:
		return "the check to run to completion"
	}
}

func (e *CheckError) WhatHappened() string {
	return e.Error()
}

func (e *CheckError) WhatToDo() string {
	switch e.Kind {
	case ErrLaunch:
		return "install Chrome or Chromium, or point --chrome-path at it; add --no-sandbox when running as root"
	case ErrNavigation:
		return "make sure the web server is running and reachable at the configured URL"
	case ErrAssertionTimeout:
		return "check that the page renders the expected heading, or raise --timeout"
	case ErrScreenshot:
		return "make sure the screenshot path is writable"
	default:
		return ""
	}
}

// Status maps the failure category onto a run status.
func (e *CheckError) Status() prob.RunStatus {
	switch e.Kind {
	case ErrNavigation, ErrAssertionTimeout:
		return prob.RunFinishedFailed
	case ErrAborted:
		return prob.RunFinishedCanceled
	default:
		return prob.RunFinishedError
	}
}

// reason is a short label value used in metrics.
func (e *CheckError) reason() string {
	switch e.Kind {
	case ErrLaunch:
		return "launch"
	case ErrNavigation:
		return "navigation"
	case ErrAssertionTimeout:
		return "assertion_timeout"
	case ErrScreenshot:
		return "screenshot"
	default:
		return "aborted"
	}
}
