package orchestrator

import (
	"fmt"

	"github.com/viki-ai/viki/pkg/fault"
)

// synthesizeFailure turns a classified failure into the assistant message
// the user sees. Each kind gets concrete remediation guidance; the message
// is stored exactly like a successful reply.
func synthesizeFailure(err error) string {
	fe := fault.As(err)
	if fe == nil {
		return fmt.Sprintf("Something went wrong while processing your message: %v. Please try again.", err)
	}

	switch fe.Kind {
	case fault.KindRateLimited:
		if fe.Limit > 0 && fe.Requested > 0 {
			return fmt.Sprintf(
				"The %s model hit its rate limit: the request needed %d tokens but the limit is %d tokens per minute. "+
					"Try shortening your message, or start a new chat session so less history is sent with each request.",
				fe.Provider, fe.Requested, fe.Limit)
		}
		msg := fmt.Sprintf("The %s model is rate limited right now.", fe.Provider)
		if fe.RetryAfter > 0 {
			msg += fmt.Sprintf(" Please wait about %s and try again.", fe.RetryAfter)
		} else {
			msg += " Please wait a moment and try again, or shorten your message."
		}
		return msg

	case fault.KindContextTooLarge:
		if fe.Limit > 0 && fe.Requested > 0 {
			return fmt.Sprintf(
				"This conversation no longer fits the model's context window: the request needed %d tokens but the model accepts at most %d. "+
					"Start a new chat session, or send a shorter message.",
				fe.Requested, fe.Limit)
		}
		return "This conversation has grown past the model's context window. Start a new chat session, or send a shorter message."

	case fault.KindAuthenticationFailed:
		return fmt.Sprintf(
			"The %s provider rejected the configured credentials. "+
				"Ask an administrator to check the API key on this agent's LLM configuration.",
			fe.Provider)

	case fault.KindProviderUnavailable:
		return fmt.Sprintf(
			"The %s provider could not be reached (%s). This is usually temporary; please try again shortly.",
			fe.Provider, fe.Detail)

	case fault.KindToolUnavailable:
		return fmt.Sprintf(
			"None of the tools this request needed could be reached (%s). "+
				"Ask an administrator to verify the tool's launch command and environment, then try again.",
			fe.Detail)

	case fault.KindLoopLimitExceeded:
		return fmt.Sprintf(
			"I stopped after %d rounds of tool calls without reaching an answer. "+
				"Try rephrasing your request, or break it into smaller steps.",
			fe.Limit)

	case fault.KindNotFound:
		return fmt.Sprintf(
			"Part of this agent's configuration is missing (%s). "+
				"Ask an administrator to check the agent's LLM, tool and knowledge base bindings.",
			fe.Detail)

	case fault.KindConfigurationInvalid:
		return fmt.Sprintf(
			"This agent's configuration is invalid (%s). "+
				"Ask an administrator to fix the agent's LLM configuration.",
			fe.Detail)

	default:
		return fmt.Sprintf(
			"Something went wrong while processing your message (%s). Please try again.",
			fe.Detail)
	}
}
