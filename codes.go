package livesock

import "time"

// Connection and message limits.
const (
	MaxConnsPerIP       = 10
	MaxConnsPerMember   = 5
	MaxMessageBytes     = 500 * 1024
	EchoDeadline        = 5 * time.Second
	InactivityInterval  = 10 * time.Second
	ConnectionLifetime  = 15 * time.Minute
	NoSubscriptionGrace = 10 * time.Second
)

// Close codes sent to peers. Values below 4000 are the registered
// RFC 6455 codes; the 4000 range is private to this protocol.
const (
	ClosePolicyViolation    = 1008
	CloseMessageTooLarge    = 1009
	CloseGoingAway          = 1001
	CloseTooManyConnections = 4001
	CloseExpired            = 4002
	CloseInsecure           = 4003
	CloseEchoTimeout        = 4004
	CloseNoSubscriptions    = 4006
	CloseSendFailed         = 4007
)

// Admission rejection reasons.
const (
	ReasonIPLimit       = "IP_LIMIT_EXCEEDED"
	ReasonIdentityLimit = "IDENTITY_LIMIT_EXCEEDED"
)

// Reserved actions.
const (
	ActionEcho         = "echo"
	ActionError        = "error"
	ActionRenew        = "renew"
	ActionSubscribe    = "subscribe"
	ActionUnsubscribe  = "unsubscribe"
	ActionSubscribed   = "subscribed"
	ActionUnsubscribed = "unsubscribed"
	ActionResync       = "resync"
)

// Error codes carried in the value of an error envelope.
const (
	CodeMalformed      = "malformed"
	CodeUnknownRoute   = "unknown_route"
	CodeUnknownAction  = "unknown_action"
	CodeParamsRejected = "params_rejected"
	CodeRequestFailed  = "request_failed"
)

// Standard error messages
const (
	ErrMalformedMessage     = "message could not be parsed"
	ErrUnknownRoute         = "unknown route"
	ErrUnknownAction        = "unknown action"
	ErrParamsRejected       = "parameters rejected, refresh if unexpected"
	ErrRequestFailed        = "request failed"
	ErrConnectionClosed     = "connection is closed"
	ErrServerAlreadyRunning = "server already running"
	ErrAuthRequired         = "authentication required"
	ErrInsecureTransport    = "secure transport required"
	ErrOriginMismatch       = "origin not allowed"
	ErrRateLimited          = "rate limit exceeded"
	ErrEchoTimeout          = "echo timeout"
	ErrExpired              = "connection expired"
	ErrNoSubscriptions      = "no subscriptions"
	ErrSendFailed           = "send failed"
	ErrMessageTooLarge      = "message too large"
	ErrShuttingDown         = "server shutting down"
)
