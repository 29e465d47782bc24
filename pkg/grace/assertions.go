package grace

import (
	"errors"
	"fmt"
)

// Error is an error that knows how to explain itself to a person at a terminal.
type Error interface {
	error

	WhatExpected() string
	WhatHappened() string
	WhatToDo() string
}

type ActionableError struct {
	expected     string
	got          string
	callToAction string
}

func (e *ActionableError) WhatExpected() string {
	return e.expected
}

func (e *ActionableError) WhatHappened() string {
	return e.got
}

func (e *ActionableError) WhatToDo() string {
	return e.callToAction
}

func (e *ActionableError) Error() string {
	return fmt.Sprintf("expected: %s, got: %s; What to do: %s", e.expected, e.got, e.callToAction)
}

func RaiseError(
	expected, got, cta string,
) Error {
	return &ActionableError{
		expected:     expected,
		got:          got,
		callToAction: cta,
	}
}

// Explain renders err for a human. Actionable errors found anywhere in the chain
// contribute what was expected and what to do next.
func Explain(err error) string {
	if err == nil {
		return ""
	}

	var actionable Error
	if !errors.As(err, &actionable) {
		return err.Error()
	}

	msg := err.Error()
	if expected := actionable.WhatExpected(); expected != "" {
		msg += "\n  expected: " + expected
	}
	if cta := actionable.WhatToDo(); cta != "" {
		msg += "\n  what to do: " + cta
	}

	return msg
}
