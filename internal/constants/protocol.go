package constants

// EventHello is the liveness probe event; it is answered, never enqueued.
const EventHello = "HELLO"

// HelloReply is the raw (non-JSON) answer to a HELLO probe.
const HelloReply = "HI"

// Built-in job events.
const (
	EventSendVerificationEmail = "SEND_VERIFICATION_EMAIL"
	EventSendPasswordResetLink = "SEND_PASSWORD_RESET_LINK"
	EventSendTelegramMessage   = "SEND_TELEGRAM_MESSAGE"
)
