package llms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/viki-ai/viki/pkg/fault"
	"github.com/viki-ai/viki/pkg/httpclient"
)

// limitRequestedRe matches the groq-style rate limit body:
// "... Limit 6000, Requested 12743 ...".
var limitRequestedRe = regexp.MustCompile(`(?i)limit[:\s]+(\d+)[^\d]+requested[:\s]+(\d+)`)

// contextLengthRe matches the openai-style context overflow body:
// "This model's maximum context length is 8192 tokens. However, your
// messages resulted in 10250 tokens ...".
var contextLengthRe = regexp.MustCompile(`(?i)maximum context length is (\d+) tokens.[^\d]*(\d+) tokens`)

var contextSignatureRe = regexp.MustCompile(`(?i)context[_ ]length|context window|prompt is too long|too many tokens`)

// classifyStatus turns a completed non-2xx provider response into a
// classified failure. The body is the provider's error payload; info is
// whatever the rate-limit headers said.
func classifyStatus(provider, model string, status int, body string, info httpclient.RateLimitInfo) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.AuthenticationFailed(provider, errDetail(body, "authentication rejected"))

	case status == http.StatusTooManyRequests:
		limit, requested := parseLimitRequested(body)
		if limit == 0 {
			limit = info.TokensLimit
		}
		return fault.RateLimited(provider, model, limit, requested, info.RetryAfter,
			errDetail(body, "rate limit exceeded"))

	case status == http.StatusBadRequest && contextSignatureRe.MatchString(body):
		limit, requested := parseContextLength(body)
		return fault.ContextTooLarge(provider, model, limit, requested,
			errDetail(body, "request exceeds the model context window"))

	case status == http.StatusNotFound:
		return fault.ConfigurationInvalid("provider %s does not know model %q: %s",
			provider, model, errDetail(body, "not found"))

	case status >= 500:
		return fault.ProviderUnavailable(provider,
			errDetail(body, "provider returned "+strconv.Itoa(status)), nil)

	default:
		return fault.Unknown(errDetail(body, "provider returned "+strconv.Itoa(status)), nil)
	}
}

// classifyTransport turns a request-never-completed error into a classified
// failure. Timeouts, cancellations, connection failures and exhausted retry
// budgets all mean the provider was not available for this turn.
func classifyTransport(provider string, err error) error {
	var retryErr *httpclient.RetryableError
	if errors.As(err, &retryErr) {
		return fault.ProviderUnavailable(provider, "provider kept failing after retries", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fault.ProviderUnavailable(provider, "request timed out", err)
	}
	return fault.ProviderUnavailable(provider, "request failed", err)
}

func parseLimitRequested(body string) (limit, requested int) {
	match := limitRequestedRe.FindStringSubmatch(body)
	if len(match) == 3 {
		limit, _ = strconv.Atoi(match[1])
		requested, _ = strconv.Atoi(match[2])
	}
	return limit, requested
}

func parseContextLength(body string) (limit, requested int) {
	match := contextLengthRe.FindStringSubmatch(body)
	if len(match) == 3 {
		limit, _ = strconv.Atoi(match[1])
		requested, _ = strconv.Atoi(match[2])
	}
	return limit, requested
}

// extractErrorMessage pulls the human message out of the common provider
// error body shapes: {"error":{"message":...}}, {"error":"..."} and
// {"message":"..."}. Falls back to the raw body.
func extractErrorMessage(body []byte) string {
	var withObject struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &withObject); err == nil && withObject.Error.Message != "" {
		return withObject.Error.Message
	}

	var withString struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &withString); err == nil {
		if withString.Error != "" {
			return withString.Error
		}
		if withString.Message != "" {
			return withString.Message
		}
	}

	return string(body)
}

// errDetail keeps the provider's own error text when present, bounded so a
// dumped HTML error page cannot flood logs or chat messages.
func errDetail(body, fallback string) string {
	const maxDetail = 500
	if body == "" {
		return fallback
	}
	if len(body) > maxDetail {
		return body[:maxDetail]
	}
	return body
}
