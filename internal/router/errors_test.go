package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"429", &ProviderError{Status: 429}, ClassRateLimit},
		{"408", &ProviderError{Status: 408}, ClassTimeout},
		{"500", &ProviderError{Status: 500}, ClassOverloaded},
		{"529", &ProviderError{Status: 529}, ClassOverloaded},
		{"401", &ProviderError{Status: 401}, ClassAuth},
		{"403", &ProviderError{Status: 403}, ClassAuth},
		{"402", &ProviderError{Status: 402}, ClassBilling},
		{"400", &ProviderError{Status: 400}, ClassBadRequest},
		{"overflow message", &ProviderError{Message: "This model's maximum context length is 8192 tokens"}, ClassContextOverflow},
		{"pinned class", (&ProviderError{Status: 500}).WithClass(ClassConfig), ClassConfig},
		{"wrapped provider error", fmt.Errorf("call: %w", &ProviderError{Status: 503}), ClassOverloaded},
		{"deadline", context.DeadlineExceeded, ClassTimeout},
		{"dial error", &net.OpError{Op: "dial", Err: errors.New("refused")}, ClassNetwork},
		{"message rate limit", errors.New("Rate limit reached for requests"), ClassRateLimit},
		{"message auth", errors.New("invalid api key provided"), ClassAuth},
		{"opaque", errors.New("something odd"), ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorClass_Kinds(t *testing.T) {
	for _, c := range []ErrorClass{ClassRateLimit, ClassTimeout, ClassOverloaded, ClassNetwork, ClassUnknown} {
		if !c.Transient() || c.Permanent() {
			t.Fatalf("%s should be transient only", c)
		}
	}
	for _, c := range []ErrorClass{ClassAuth, ClassBilling, ClassConfig} {
		if !c.Permanent() || c.Transient() {
			t.Fatalf("%s should be permanent only", c)
		}
	}
	for _, c := range []ErrorClass{ClassBadRequest, ClassContextOverflow} {
		if c.Permanent() || c.Transient() {
			t.Fatalf("%s is a request error", c)
		}
	}
}

func TestExhaustedError_Message(t *testing.T) {
	err := &ExhaustedError{Provider: "openai", Attempts: []Attempt{
		{ProfileID: "a", Class: ClassOverloaded, Message: "status 500"},
		{ProfileID: "b", Class: ClassTimeout, Message: "deadline"},
	}}
	if !errors.Is(err, ErrProfilesExhausted) {
		t.Fatalf("expected errors.Is match")
	}
	if err.LastClass() != ClassTimeout {
		t.Fatalf("unexpected last class %s", err.LastClass())
	}
	want := "all profiles exhausted: openai after 2 attempts: [a (overloaded): status 500; b (timeout): deadline]"
	if err.Error() != want {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if got := parseRetryAfter("5", now); got != 5*time.Second {
		t.Fatalf("seconds form: %s", got)
	}
	if got := parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now); got != 90*time.Second {
		t.Fatalf("date form: %s", got)
	}
	if got := parseRetryAfter("soon", now); got != 0 {
		t.Fatalf("garbage must yield zero, got %s", got)
	}
	if got := parseRetryAfter("-3", now); got != 0 {
		t.Fatalf("negative must yield zero, got %s", got)
	}
}
