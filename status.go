package webphone

import "webphone/internal/reconnect"

// ClientStatus enumerates the Reconnectable Transport's lifecycle states.
// It is an alias over internal/reconnect.Status: the state machine that
// owns these transitions lives there (C4), this package only re-exports its
// vocabulary.
type ClientStatus = reconnect.Status

const (
	StatusDisconnected  = reconnect.StatusDisconnected
	StatusConnecting    = reconnect.StatusConnecting
	StatusConnected     = reconnect.StatusConnected
	StatusRecovering    = reconnect.StatusRecovering
	StatusDisconnecting = reconnect.StatusDisconnecting
)

// StatusStream fans out ClientStatus transitions to any number of
// observers; see internal/reconnect.StatusStream for the implementation.
type StatusStream = reconnect.StatusStream
