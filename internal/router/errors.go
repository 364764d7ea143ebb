package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var (
	// ErrNoProfile means no profile is configured for the provider at all.
	ErrNoProfile = errors.New("no profile configured for provider")
	// ErrProfilesExhausted matches every *ExhaustedError.
	ErrProfilesExhausted = errors.New("all profiles exhausted")
	// ErrUnknownProvider means no client is registered for the provider.
	ErrUnknownProvider = errors.New("unknown provider")
)

// ErrorClass is the router's classification of a failed provider call.
type ErrorClass string

const (
	ClassRateLimit       ErrorClass = "rate_limit"
	ClassTimeout         ErrorClass = "timeout"
	ClassOverloaded      ErrorClass = "overloaded"
	ClassNetwork         ErrorClass = "network"
	ClassAuth            ErrorClass = "auth"
	ClassBilling         ErrorClass = "billing"
	ClassConfig          ErrorClass = "config"
	ClassBadRequest      ErrorClass = "bad_request"
	ClassContextOverflow ErrorClass = "context_overflow"
	ClassUnknown         ErrorClass = "unknown"
)

// Transient classes put the profile in cooldown and move on to the next one.
// Unknown failures are treated as transient.
func (c ErrorClass) Transient() bool {
	switch c {
	case ClassRateLimit, ClassTimeout, ClassOverloaded, ClassNetwork, ClassUnknown:
		return true
	}
	return false
}

// Permanent classes disable the profile until it is reconfigured.
func (c ErrorClass) Permanent() bool {
	switch c {
	case ClassAuth, ClassBilling, ClassConfig:
		return true
	}
	return false
}

// ProviderError is a failed call as reported by a Client.
type ProviderError struct {
	Provider   string
	Status     int
	RetryAfter time.Duration
	Message    string
	Err        error
	class      ErrorClass
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.Status, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Class derives the classification from the HTTP status, falling back to the
// message text when there is none.
func (e *ProviderError) Class() ErrorClass {
	if e.class != "" {
		return e.class
	}
	if c := classFromStatus(e.Status); c != ClassUnknown {
		return c
	}
	if c := classFromMessage(e.Message); c != ClassUnknown {
		return c
	}
	if e.Err != nil {
		return Classify(e.Err)
	}
	return ClassUnknown
}

// WithClass pins a classification regardless of status.
func (e *ProviderError) WithClass(c ErrorClass) *ProviderError {
	e.class = c
	return e
}

func classFromStatus(status int) ErrorClass {
	switch {
	case status == 400, status == 413, status == 422:
		return ClassBadRequest
	case status == 401, status == 403:
		return ClassAuth
	case status == 402:
		return ClassBilling
	case status == 408, status == 504:
		return ClassTimeout
	case status == 429:
		return ClassRateLimit
	case status == 529, status >= 500 && status <= 599:
		return ClassOverloaded
	}
	return ClassUnknown
}

func classFromMessage(msg string) ErrorClass {
	m := strings.ToLower(msg)
	switch {
	case m == "":
		return ClassUnknown
	case strings.Contains(m, "context_length"),
		strings.Contains(m, "context length"),
		strings.Contains(m, "maximum context"),
		strings.Contains(m, "context window"),
		strings.Contains(m, "token limit"):
		return ClassContextOverflow
	case strings.Contains(m, "unauthorized"),
		strings.Contains(m, "invalid api key"),
		strings.Contains(m, "invalid key"),
		strings.Contains(m, "forbidden"),
		strings.Contains(m, "permission denied"):
		return ClassAuth
	case strings.Contains(m, "billing"),
		strings.Contains(m, "payment"),
		strings.Contains(m, "insufficient funds"),
		strings.Contains(m, "insufficient_quota"):
		return ClassBilling
	case strings.Contains(m, "rate limit"),
		strings.Contains(m, "rate_limit"),
		strings.Contains(m, "too many requests"):
		return ClassRateLimit
	case strings.Contains(m, "deadline exceeded"),
		strings.Contains(m, "timeout"),
		strings.Contains(m, "timed out"):
		return ClassTimeout
	case strings.Contains(m, "overloaded"),
		strings.Contains(m, "service unavailable"),
		strings.Contains(m, "bad gateway"):
		return ClassOverloaded
	case strings.Contains(m, "connection refused"),
		strings.Contains(m, "connection reset"),
		strings.Contains(m, "no such host"):
		return ClassNetwork
	}
	return ClassUnknown
}

// Classify maps any error returned by a Client to an ErrorClass.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}
	return classFromMessage(err.Error())
}

func retryHint(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		return pe.RetryAfter
	}
	return 0
}

// Attempt records one failed call made during a dispatch.
type Attempt struct {
	ProfileID string     `json:"profile_id"`
	Class     ErrorClass `json:"class"`
	Message   string     `json:"message"`
}

// ExhaustedError is returned when every eligible profile failed or the
// attempt budget ran out. errors.Is(err, ErrProfilesExhausted) is true.
type ExhaustedError struct {
	Provider string
	Attempts []Attempt
	// Pending is set when profiles remain in cooldown beyond the wait budget.
	Pending bool
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("%s: %s: no eligible profile", ErrProfilesExhausted, e.Provider)
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s (%s): %s", a.ProfileID, a.Class, a.Message)
	}
	return fmt.Sprintf("%s: %s after %d attempts: [%s]", ErrProfilesExhausted, e.Provider, len(e.Attempts), strings.Join(parts, "; "))
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrProfilesExhausted }

// LastClass is the class of the final attempt, or unknown.
func (e *ExhaustedError) LastClass() ErrorClass {
	if len(e.Attempts) == 0 {
		return ClassUnknown
	}
	return e.Attempts[len(e.Attempts)-1].Class
}
