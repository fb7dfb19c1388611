package estimator

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// wordCount is a deterministic stand-in for a real tokenizer.
var wordCount = EncoderFunc(func(s string) int { return len(strings.Fields(s)) })

func TestEndpointFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want Endpoint
	}{
		{"https://api.openai.com/v1/chat/completions", EndpointChat},
		{"https://api.openai.com/v1/completions", EndpointCompletions},
		{"https://api.openai.com/v1/embeddings", EndpointEmbeddings},
		{"https://example.openai.azure.com/openai/deployments/gpt4/chat/completions?api-version=2024-02-01", EndpointChat},
		{"http://localhost:8000/chat/completions", EndpointChat},
	}
	for _, tt := range tests {
		got, err := EndpointFromURL(tt.url)
		if err != nil {
			t.Errorf("EndpointFromURL(%q) failed: %v", tt.url, err)
			continue
		}
		if got != tt.want {
			t.Errorf("EndpointFromURL(%q) = %s, want %s", tt.url, got, tt.want)
		}
	}

	if _, err := EndpointFromURL("https://api.openai.com/v1/images/generations"); !errors.Is(err, ErrUnsupportedEndpoint) {
		t.Errorf("Expected ErrUnsupportedEndpoint, got %v", err)
	}
}

func TestEstimateChat(t *testing.T) {
	est := New(EndpointChat, wordCount)
	payload := json.RawMessage(`{
		"model": "gpt-4o-mini",
		"max_tokens": 10,
		"n": 2,
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "name": "alice", "content": "hello there friend"}
		]
	}`)

	got, err := est.Estimate(payload)
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}

	// message 1: 4 + role(1) + content(2) = 7
	// message 2: 4 + role(1) + name(1) - 1 + content(3) = 8
	// priming 2, completions 2*10
	want := 7 + 8 + 2 + 20
	if got != want {
		t.Errorf("Expected %d tokens, got %d", want, got)
	}
}

func TestEstimateChatDefaultsCompletionBudget(t *testing.T) {
	est := New(EndpointChat, wordCount)
	got, err := est.Estimate(json.RawMessage(`{"messages":[]}`))
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	if got != 2+15 {
		t.Errorf("Expected %d tokens, got %d", 2+15, got)
	}
}

func TestEstimateCompletions(t *testing.T) {
	est := New(EndpointCompletions, wordCount)

	single, err := est.Estimate(json.RawMessage(`{"prompt":"one two three","max_tokens":5}`))
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	if single != 3+5 {
		t.Errorf("Expected 8 tokens, got %d", single)
	}

	multi, err := est.Estimate(json.RawMessage(`{"prompt":["one","two three"],"max_tokens":5}`))
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	if multi != (1+5)+(2+5) {
		t.Errorf("Expected 13 tokens, got %d", multi)
	}
}

func TestEstimateEmbeddings(t *testing.T) {
	est := New(EndpointEmbeddings, wordCount)
	got, err := est.Estimate(json.RawMessage(`{"input":["a b","c"]}`))
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	if got != 3 {
		t.Errorf("Expected 3 tokens, got %d", got)
	}
}

func TestEstimateRejectsUnknownShapes(t *testing.T) {
	tests := []struct {
		name     string
		endpoint Endpoint
		payload  string
	}{
		{"chat without messages", EndpointChat, `{"prompt":"x"}`},
		{"chat messages not a list", EndpointChat, `{"messages":"x"}`},
		{"prompt of wrong type", EndpointCompletions, `{"prompt":42}`},
		{"embeddings without input", EndpointEmbeddings, `{}`},
		{"bad max_tokens", EndpointCompletions, `{"prompt":"x","max_tokens":"lots"}`},
		{"not an object", EndpointChat, `[]`},
		{"unknown endpoint", Endpoint("images/generations"), `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.endpoint, wordCount).Estimate(json.RawMessage(tt.payload)); err == nil {
				t.Fatal("Expected an error")
			}
		})
	}
}

func TestTiktokenCountsText(t *testing.T) {
	enc, err := NewTiktoken("gpt-4")
	if err != nil {
		t.Fatalf("NewTiktoken failed: %v", err)
	}
	if n := enc.Count("hello world"); n <= 0 {
		t.Errorf("Expected a positive token count, got %d", n)
	}

	fallback, err := NewTiktoken("llama-3")
	if err != nil {
		t.Fatalf("NewTiktoken fallback failed: %v", err)
	}
	if fallback.Name() != fallbackEncoding {
		t.Errorf("Expected fallback encoding %s, got %s", fallbackEncoding, fallback.Name())
	}
}

func TestTiktokenO200kModelsUseCl100k(t *testing.T) {
	enc, err := NewTiktoken("gpt-4o-mini")
	if err != nil {
		t.Fatalf("NewTiktoken failed: %v", err)
	}
	if enc.Name() != fallbackEncoding {
		t.Errorf("Expected %s for gpt-4o-mini, got %s", fallbackEncoding, enc.Name())
	}
	if n := enc.Count("hello world"); n <= 0 {
		t.Errorf("Expected a positive token count, got %d", n)
	}
}
