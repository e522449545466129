package router

// Error texts sent to the originating connection. Clients match on these.
const (
	msgInvalidFormat   = "Invalid message format"
	msgUnknownType     = "Unknown message type"
	msgNoActiveSession = "No active session"
	msgRateLimited     = "Rate limit exceeded"
	msgSendFailed      = "Failed to send message"
	msgEmptyContent    = "Message content cannot be empty"
	msgContentTooLong  = "Message is too long"
	msgSessionClosed   = "Session is closed"
	msgReadFailed      = "Failed to mark messages as read"
)
