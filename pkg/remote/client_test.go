package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientSuccess(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v1/chat/completions", "secret")
	body, err := c.Call(context.Background(), json.RawMessage(`{"model":"m"}`))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Expected bearer auth, got %q", gotAuth)
	}
	if gotBody != `{"model":"m"}` {
		t.Errorf("Expected payload to be sent verbatim, got %s", gotBody)
	}
	if string(body) != `{"choices":[{"message":{"content":"hi"}}]}` {
		t.Errorf("Unexpected body %s", body)
	}
}

func TestClientAzureHeader(t *testing.T) {
	name, value := AuthHeader("https://x.openai.azure.com/openai/deployments/d/chat/completions", "k")
	if name != "api-key" || value != "k" {
		t.Errorf("Expected api-key header, got %s: %s", name, value)
	}
}

func TestClientClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Class
	}{
		{"429 status", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, ClassRateLimit},
		{"rate limit text in 200 body", http.StatusOK, `{"error":{"message":"Rate limit reached for requests"}}`, ClassRateLimit},
		{"server error", http.StatusInternalServerError, `{"error":{"message":"The server had an error"}}`, ClassAPI},
		{"error body on 200", http.StatusOK, `{"error":"overloaded"}`, ClassAPI},
		{"bad gateway plain text", http.StatusBadGateway, `upstream down`, ClassAPI},
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"Incorrect API key"}}`, ClassFatal},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"context_length_exceeded"}}`, ClassFatal},
		{"non json success", http.StatusOK, `<html>`, ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "k").Call(context.Background(), json.RawMessage(`{}`))
			if err == nil {
				t.Fatal("Expected an error")
			}
			if got := ClassOf(err); got != tt.want {
				t.Errorf("Expected class %s, got %s (%v)", tt.want, got, err)
			}
		})
	}
}

func TestClientCustomClassifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"Quota exhausted, try later"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", WithClassifier(ContainsAny("quota exhausted")))
	_, err := c.Call(context.Background(), json.RawMessage(`{}`))

	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("Expected RateLimitError, got %v", err)
	}
	if rl.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rl.StatusCode)
	}
}

func TestClientTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", WithTimeout(20*time.Millisecond))
	_, err := c.Call(context.Background(), json.RawMessage(`{}`))

	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("Expected TransientError, got %v", err)
	}
	if !Retryable(err) {
		t.Error("Expected transport errors to be retryable")
	}
}

func TestProbeLimits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-limit-requests", "500")
		w.Header().Set("x-ratelimit-limit-tokens", "200000")
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	limits, probed := ProbeLimits(context.Background(), srv.Client(), srv.URL, "k", "gpt-4o-mini")
	if !probed {
		t.Fatal("Expected limits to come from headers")
	}
	if limits.RequestsPerMinute != 500 || limits.TokensPerMinute != 200000 {
		t.Errorf("Unexpected limits %+v", limits)
	}
}

func TestProbeLimitsFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	limits, probed := ProbeLimits(context.Background(), srv.Client(), srv.URL, "k", "m")
	if probed {
		t.Error("Expected fallback when headers are missing")
	}
	if limits.RequestsPerMinute != DefaultRequestsPerMinute || limits.TokensPerMinute != DefaultTokensPerMinute {
		t.Errorf("Unexpected fallback limits %+v", limits)
	}
}
