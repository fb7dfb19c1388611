package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/guido-cesarano/batchq/pkg/logger"
	"github.com/guido-cesarano/batchq/pkg/ratelimit"
)

// Fallback limits used when the remote service does not advertise its own.
const (
	DefaultRequestsPerMinute = 30_000
	DefaultTokensPerMinute   = 150_000_000
)

// ProbeLimits sends one empty chat request and reads the quota the service
// advertises in its x-ratelimit-limit-requests / x-ratelimit-limit-tokens headers.
// Missing or unreadable headers fall back to the defaults; the boolean reports
// whether the headers were used.
func ProbeLimits(ctx context.Context, hc *http.Client, url, apiKey, model string) (ratelimit.Limits, bool) {
	fallback := ratelimit.Limits{RequestsPerMinute: DefaultRequestsPerMinute, TokensPerMinute: DefaultTokensPerMinute}
	if hc == nil {
		hc = http.DefaultClient
	}

	body, _ := json.Marshal(map[string]any{"model": model, "messages": []any{}})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		logger.Log.Warn().Err(err).Msg("Failed to build rate limit probe, using default values")
		return fallback, false
	}
	req.Header.Set("Content-Type", "application/json")
	name, value := AuthHeader(url, apiKey)
	req.Header.Set(name, value)

	resp, err := hc.Do(req)
	if err != nil {
		logger.Log.Warn().Err(err).Msg("Failed to probe rate limits, using default values")
		return fallback, false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	rpm, errR := strconv.Atoi(resp.Header.Get("x-ratelimit-limit-requests"))
	tpm, errT := strconv.Atoi(resp.Header.Get("x-ratelimit-limit-tokens"))
	if errR != nil || errT != nil || rpm <= 0 || tpm <= 0 {
		logger.Log.Warn().Int("status", resp.StatusCode).Msg("Failed to get rate limits from response headers, using default values")
		return fallback, false
	}

	logger.Log.Info().Int("max_requests_per_minute", rpm).Int("max_tokens_per_minute", tpm).Msg("Rate limits probed from remote service")
	return ratelimit.Limits{RequestsPerMinute: rpm, TokensPerMinute: tpm}, true
}
