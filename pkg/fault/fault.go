// Package fault defines the classified error taxonomy shared by the
// resolver, the LLM providers, the tool client and the orchestrator.
//
// Failures are classified once, at the source, and passed up unmodified.
// The orchestrator is the only place that turns a classification into a
// user-facing message.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies a failure class.
type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindConfigurationInvalid Kind = "configuration_invalid"
	KindRateLimited          Kind = "rate_limited"
	KindContextTooLarge      Kind = "context_too_large"
	KindAuthenticationFailed Kind = "authentication_failed"
	KindProviderUnavailable  Kind = "provider_unavailable"
	KindToolUnavailable      Kind = "tool_unavailable"
	KindLoopLimitExceeded    Kind = "loop_limit_exceeded"
	KindUnknown              Kind = "unknown"
)

// Error is a classified failure. Limit and Requested carry token counts for
// rate-limit and context-size failures so the orchestrator can synthesize a
// message containing the actual numbers.
type Error struct {
	Kind       Kind
	Detail     string
	Provider   string
	Model      string
	Limit      int
	Requested  int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of err, or KindUnknown when err carries
// none. A nil err has no kind and returns the empty string.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// As unwraps err into a *Error, returning nil when err is unclassified.
func As(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return nil
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Detail: fmt.Sprintf(format, args...)}
}

func ConfigurationInvalid(format string, args ...any) *Error {
	return &Error{Kind: KindConfigurationInvalid, Detail: fmt.Sprintf(format, args...)}
}

func RateLimited(provider, model string, limit, requested int, retryAfter time.Duration, detail string) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Detail:     detail,
		Provider:   provider,
		Model:      model,
		Limit:      limit,
		Requested:  requested,
		RetryAfter: retryAfter,
	}
}

func ContextTooLarge(provider, model string, limit, requested int, detail string) *Error {
	return &Error{
		Kind:      KindContextTooLarge,
		Detail:    detail,
		Provider:  provider,
		Model:     model,
		Limit:     limit,
		Requested: requested,
	}
}

func AuthenticationFailed(provider, detail string) *Error {
	return &Error{Kind: KindAuthenticationFailed, Provider: provider, Detail: detail}
}

func ProviderUnavailable(provider, detail string, err error) *Error {
	return &Error{Kind: KindProviderUnavailable, Provider: provider, Detail: detail, Err: err}
}

func ToolUnavailable(tool, detail string, err error) *Error {
	return &Error{Kind: KindToolUnavailable, Detail: fmt.Sprintf("tool %q: %s", tool, detail), Err: err}
}

func LoopLimitExceeded(limit int) *Error {
	return &Error{Kind: KindLoopLimitExceeded, Limit: limit, Detail: fmt.Sprintf("tool-call loop exceeded %d rounds", limit)}
}

func Unknown(detail string, err error) *Error {
	return &Error{Kind: KindUnknown, Detail: detail, Err: err}
}
