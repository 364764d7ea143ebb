package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPClient_DecodesToolCalls(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer credential")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "gpt-test",
			"choices": [{
				"finish_reason": "tool_calls",
				"message": {"role": "assistant", "content": "", "tool_calls": [
					{"id": "call_1", "type": "function", "function": {"name": "shell", "arguments": "{\"command\":\"ls\"}"}}
				]}
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3}
		}`))
	}))
	defer srv.Close()

	c := NewHTTPClient("openai", srv.URL+"/v1/", "gpt-default", time.Second)
	resp, err := c.Complete(context.Background(), "sk-test", Request{
		Messages: []Message{{Role: RoleUser, Content: "list files"}},
		Tools:    []ToolSpec{{Name: "shell", Description: "run", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Model != "gpt-default" || len(got.Tools) != 1 || got.Tools[0].Function.Name != "shell" {
		t.Fatalf("unexpected request body: %+v", got)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "shell" || string(resp.ToolCalls[0].Arguments) != `{"command":"ls"}` {
		t.Fatalf("unexpected tool calls: %+v", resp.ToolCalls)
	}
	if resp.Usage.Total() != 15 || resp.FinishReason != "tool_calls" {
		t.Fatalf("unexpected usage or finish reason: %+v", resp)
	}
}

func TestHTTPClient_MapsStatusAndRetryAfter(t *testing.T) {
	tests := []struct {
		status     int
		retryAfter string
		wantClass  ErrorClass
		wantHint   time.Duration
	}{
		{http.StatusTooManyRequests, "7", ClassRateLimit, 7 * time.Second},
		{http.StatusUnauthorized, "", ClassAuth, 0},
		{http.StatusBadGateway, "", ClassOverloaded, 0},
		{http.StatusBadRequest, "", ClassBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"x"}}`))
			}))
			defer srv.Close()

			c := NewHTTPClient("openai", srv.URL, "m", time.Second)
			_, err := c.Complete(context.Background(), "sk", Request{})
			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ProviderError, got %v", err)
			}
			if pe.Status != tt.status || pe.Class() != tt.wantClass || pe.RetryAfter != tt.wantHint || pe.Message != "nope" {
				t.Fatalf("unexpected error %+v (class %s)", pe, pe.Class())
			}
		})
	}
}

func TestHTTPClient_EmptyCredentialIsConfigError(t *testing.T) {
	c := NewHTTPClient("openai", "http://127.0.0.1:1", "m", time.Second)
	_, err := c.Complete(context.Background(), "", Request{})
	if Classify(err) != ClassConfig {
		t.Fatalf("expected config class, got %s (%v)", Classify(err), err)
	}
}

func TestHTTPClient_TimeoutIsTransient(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c := NewHTTPClient("openai", srv.URL, "m", 50*time.Millisecond)
	_, err := c.Complete(context.Background(), "sk", Request{})
	if c := Classify(err); !c.Transient() {
		t.Fatalf("expected a transient class, got %s (%v)", c, err)
	}
}
