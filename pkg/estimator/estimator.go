// Package estimator computes how many token units a request payload will consume
// against a tokens-per-minute quota. Estimates are pure and synchronous.
//
// Supported endpoints:
//   - chat/completions: message overhead + encoded field values + reply priming + completion budget
//   - completions: encoded prompt(s) + completion budget per prompt
//   - embeddings: encoded input(s)
//
// Unknown endpoints and payload shapes are errors. A zero estimate would let
// the processor overrun the real quota.
package estimator

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Chat framing constants: every message is wrapped as
// <im_start>{role/name}\n{content}<im_end>\n and every reply is primed with <im_start>assistant.
const (
	tokensPerMessage   = 4
	tokensReplyPriming = 2
	tokensNameOffset   = -1

	defaultMaxTokens   = 15
	defaultCompletions = 1
)

// Endpoint identifies the API shape a payload is written for.
type Endpoint string

const (
	EndpointChat        Endpoint = "chat/completions"
	EndpointCompletions Endpoint = "completions"
	EndpointEmbeddings  Endpoint = "embeddings"
)

var (
	// ErrUnsupportedEndpoint is returned for endpoints the estimator cannot cost.
	ErrUnsupportedEndpoint = errors.New("unsupported endpoint")
	// ErrUnsupportedPayload is returned when a payload does not match its endpoint's shape.
	ErrUnsupportedPayload = errors.New("unsupported payload shape")
)

var (
	versionedPath = regexp.MustCompile(`^https://[^/]+/v\d+/(.+)$`)
	azurePath     = regexp.MustCompile(`^https://[^/]+/openai/deployments/[^/]+/(.+?)(\?|$)`)
)

// EndpointFromURL derives the endpoint from a request URL.
// It understands https://host/v1/<endpoint>, Azure deployment URLs, and any
// URL containing chat/completions, completions or embeddings.
func EndpointFromURL(requestURL string) (Endpoint, error) {
	path := ""
	if m := versionedPath.FindStringSubmatch(requestURL); m != nil {
		path = m[1]
	} else if m := azurePath.FindStringSubmatch(requestURL); m != nil {
		path = m[1]
	}
	if path == "" {
		path = requestURL
	}

	switch {
	case strings.Contains(path, "chat/completions"):
		return EndpointChat, nil
	case strings.Contains(path, "completions"):
		return EndpointCompletions, nil
	case strings.Contains(path, "embeddings"):
		return EndpointEmbeddings, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedEndpoint, requestURL)
}

// Encoder counts the tokens of a string under some tokenizer.
type Encoder interface {
	Count(text string) int
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(text string) int

// Count implements Encoder.
func (f EncoderFunc) Count(text string) int { return f(text) }

// Estimator costs payloads for one endpoint.
type Estimator struct {
	Endpoint Endpoint
	Encoder  Encoder
}

// New returns an estimator for endpoint using enc.
func New(endpoint Endpoint, enc Encoder) *Estimator {
	return &Estimator{Endpoint: endpoint, Encoder: enc}
}

// Estimate returns the token units payload will consume.
func (e *Estimator) Estimate(payload json.RawMessage) (int, error) {
	if e.Encoder == nil {
		return 0, errors.New("estimator has no encoder")
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(payload, &body); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedPayload, err)
	}
	if body == nil {
		return 0, fmt.Errorf("%w: payload is not an object", ErrUnsupportedPayload)
	}

	switch e.Endpoint {
	case EndpointChat:
		completion, err := completionTokens(body)
		if err != nil {
			return 0, err
		}
		prompt, err := e.chatTokens(body)
		if err != nil {
			return 0, err
		}
		return prompt + completion, nil

	case EndpointCompletions:
		completion, err := completionTokens(body)
		if err != nil {
			return 0, err
		}
		prompts, err := stringOrList(body, "prompt")
		if err != nil {
			return 0, err
		}
		total := 0
		for _, p := range prompts {
			total += e.Encoder.Count(p) + completion
		}
		return total, nil

	case EndpointEmbeddings:
		inputs, err := stringOrList(body, "input")
		if err != nil {
			return 0, err
		}
		total := 0
		for _, in := range inputs {
			total += e.Encoder.Count(in)
		}
		return total, nil
	}

	return 0, fmt.Errorf("%w: %q", ErrUnsupportedEndpoint, e.Endpoint)
}

func (e *Estimator) chatTokens(body map[string]json.RawMessage) (int, error) {
	raw, ok := body["messages"]
	if !ok {
		return 0, fmt.Errorf("%w: chat payload has no messages", ErrUnsupportedPayload)
	}
	var messages []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &messages); err != nil {
		return 0, fmt.Errorf("%w: messages: %v", ErrUnsupportedPayload, err)
	}

	total := 0
	for _, msg := range messages {
		total += tokensPerMessage
		for key, value := range msg {
			total += e.Encoder.Count(fieldText(value))
			if key == "name" {
				// the role is omitted when a name is present
				total += tokensNameOffset
			}
		}
	}
	return total + tokensReplyPriming, nil
}

// fieldText returns a string value unquoted and any other value as its JSON text,
// so structured content parts are still costed.
func fieldText(value json.RawMessage) string {
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		return s
	}
	return string(value)
}

func completionTokens(body map[string]json.RawMessage) (int, error) {
	maxTokens := defaultMaxTokens
	if raw, ok := body["max_tokens"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &maxTokens); err != nil {
			return 0, fmt.Errorf("%w: max_tokens: %v", ErrUnsupportedPayload, err)
		}
	}
	n := defaultCompletions
	if raw, ok := body["n"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, fmt.Errorf("%w: n: %v", ErrUnsupportedPayload, err)
		}
	}
	if maxTokens < 0 || n < 0 {
		return 0, fmt.Errorf("%w: negative max_tokens or n", ErrUnsupportedPayload)
	}
	return n * maxTokens, nil
}

func stringOrList(body map[string]json.RawMessage, field string) ([]string, error) {
	raw, ok := body[field]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrUnsupportedPayload, field)
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	return nil, fmt.Errorf("%w: %q must be a string or a list of strings", ErrUnsupportedPayload, field)
}
