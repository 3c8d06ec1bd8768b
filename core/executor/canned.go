package executor

import "github.com/strayhat/switchboard/core/routing"

// Deterministic reply texts for paths that never reach a handler.
const (
	// GreetingReply answers bare greetings.
	GreetingReply = "Hello! How can I help you today?"

	// FarewellReply closes a conversation.
	FarewellReply = "Thanks for chatting. Have a great day!"

	// HumanTransferReply acknowledges a transfer request.
	HumanTransferReply = "Of course. I'm connecting you with a human agent now, one moment please."

	// NoMatchReply is returned when no handler clears the confidence
	// floor.
	NoMatchReply = "I'm not sure I understood that. I can help with orders, deliveries and store information. Could you rephrase?"

	// NoHandlersReply is returned when the registry is empty.
	NoHandlersReply = "I'm not set up to handle requests yet. Please check back soon."

	// OverloadedReply is returned when the inflight limit rejects a
	// request before any processing.
	OverloadedReply = "I'm handling a lot of conversations right now. Please try again in a moment."

	// OutOfScopeRedirect renders out-of-scope turns for handlers without
	// an out_of_scope template, and unrouted out-of-scope messages.
	OutOfScopeRedirect = "That's outside what I can help with here. I can help with orders, deliveries and store information instead."

	// handoffFallback renders failed collection turns for handlers
	// without a handoff template.
	handoffFallback = "I wasn't able to collect everything I need. Let me hand you over to someone who can help."

	// timeoutApology is the deterministic reply for a turn that ran out
	// of time.
	timeoutApology = "I'm sorry, that took longer than expected. Please try again."

	// sensitiveFollowup is appended after a suppressed segment.
	sensitiveFollowup = "I removed some details I can't share here. Could we continue without them?"
)

// CannedReply maps a special-case routing category to its reply text.
func CannedReply(category routing.Category) (string, bool) {
	switch category {
	case routing.CategoryGreeting:
		return GreetingReply, true
	case routing.CategoryFarewell:
		return FarewellReply, true
	case routing.CategoryHumanTransfer:
		return HumanTransferReply, true
	default:
		return "", false
	}
}
