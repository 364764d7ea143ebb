package engine

import (
	"errors"
	"fmt"

	"github.com/basket/taskd/internal/router"
	"github.com/basket/taskd/internal/tools"
)

// Fatal error classes. Provider classes from the router (auth, billing,
// bad_request, ...) are used as-is when a dispatch fails for a request
// reason.
const (
	ClassNoProfile         = "no_profile"
	ClassProfilesExhausted = "profiles_exhausted"
	ClassUnknownProvider   = "unknown_provider"
	ClassToolSchema        = "tool_schema"
	ClassEventLog          = "event_log"
	ClassInternal          = "internal"
)

var (
	ErrEngineDraining = errors.New("engine is draining")
	ErrDuplicate      = errors.New("execution already submitted")
	ErrDrainTimeout   = errors.New("engine drain timed out")

	errIterationLimit = errors.New("iteration limit reached")
)

// FatalError aborts an execution immediately. Its message is surfaced
// verbatim as the execution error.
type FatalError struct {
	Class string
	Err   error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(class string, err error) *FatalError {
	return &FatalError{Class: class, Err: err}
}

// fatalFromDispatch classifies a router error that was not caused by the
// caller's context ending.
func fatalFromDispatch(err error) *FatalError {
	var exhausted *router.ExhaustedError
	switch {
	case errors.Is(err, router.ErrNoProfile):
		return fatal(ClassNoProfile, err)
	case errors.Is(err, router.ErrUnknownProvider):
		return fatal(ClassUnknownProvider, err)
	case errors.As(err, &exhausted):
		return fatal(ClassProfilesExhausted, err)
	}
	if c := router.Classify(err); c != router.ClassUnknown {
		return fatal(string(c), err)
	}
	return fatal(ClassInternal, fmt.Errorf("model dispatch: %w", err))
}

func fatalFromValidate(err error) *FatalError {
	if errors.Is(err, tools.ErrInvalidSchema) {
		return fatal(ClassToolSchema, err)
	}
	return nil
}
