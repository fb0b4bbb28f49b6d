package prompts

// EmptyReplyFallback is sent when the generative service returns only
// whitespace, so the sender is not left without an answer.
const EmptyReplyFallback = "Sorry, I couldn't put a reply together. Could you say that again?"

// RateLimitedReply is sent once when a sender exceeds the reply rate.
const RateLimitedReply = "You're sending messages faster than I can keep up. Give me a minute."
