package prompts

// EmptyResponseNudge is the prompt injected when the model returns no
// content after executing tool calls. It gives the model one more
// chance to produce a user-visible response.
const EmptyResponseNudge = "You executed tool calls but did not provide a response to the user. Please respond now."

// EmptyResponseFallback is the user-facing message returned when the
// model fails to produce content even after being nudged (or during
// max-iterations recovery).
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."

// IllegalToolMessage is injected as the tool result when the model calls
// a tool name that exists in its own training but isn't in the registry
// it was actually given (or was filtered out for this turn).
const IllegalToolMessage = "Error: tool '%s' is not available in this context. Do not call it again; respond to the user directly instead."
