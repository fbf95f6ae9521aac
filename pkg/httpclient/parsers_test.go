package httpclient

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseOpenAIHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "30")
	headers.Set("x-ratelimit-remaining-tokens", "150")
	headers.Set("x-ratelimit-limit-tokens", "6000")

	info := ParseOpenAIHeaders(headers)

	assert.Equal(t, 30*time.Second, info.RetryAfter)
	assert.Equal(t, 150, info.TokensRemaining)
	assert.Equal(t, 6000, info.TokensLimit)
}

func TestParseAnthropicHeaders(t *testing.T) {
	reset := time.Now().Add(time.Minute).UTC().Format(time.RFC3339)

	headers := http.Header{}
	headers.Set("retry-after", "12")
	headers.Set("anthropic-ratelimit-input-tokens-reset", reset)
	headers.Set("anthropic-ratelimit-input-tokens-remaining", "0")
	headers.Set("anthropic-ratelimit-input-tokens-limit", "40000")

	info := ParseAnthropicHeaders(headers)

	assert.Equal(t, 12*time.Second, info.RetryAfter)
	assert.NotZero(t, info.ResetTime)
	assert.Equal(t, 0, info.TokensRemaining)
	assert.Equal(t, 40000, info.TokensLimit)
}

func TestParseHeadersEmpty(t *testing.T) {
	info := ParseOpenAIHeaders(http.Header{})
	assert.Zero(t, info.RetryAfter)
	assert.Zero(t, info.TokensLimit)

	info = ParseAnthropicHeaders(http.Header{})
	assert.Zero(t, info.RetryAfter)
}
