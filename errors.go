package webphone

// Error kinds from spec.md §7. Each is a small concrete struct rather than a
// bare sentinel so callers can extract the carried detail (SIP cause code,
// offending DTMF character, missing feature) while still matching with
// errors.As.

// FeatureUnsupportedError is fatal at startup: the required-feature probe
// found WebRTC, WebSocket or getUserMedia missing.
type FeatureUnsupportedError struct {
	Feature string
}

func (e *FeatureUnsupportedError) Error() string {
	return "required feature unsupported: " + e.Feature
}

// WsTimeoutError is returned by Connect when the WebSocket transport fails to
// come up within TransportConfig.WSTimeout.
type WsTimeoutError struct{}

func (e *WsTimeoutError) Error() string {
	return "Could not connect to the websocket in time."
}

// AuthRejectedError is fatal: the registrar refused the configured credentials.
type AuthRejectedError struct {
	Cause error
}

func (e *AuthRejectedError) Error() string { return "sip registration rejected: " + causeText(e.Cause) }
func (e *AuthRejectedError) Unwrap() error { return e.Cause }

// TransportLostError marks a mid-session transport failure that triggers
// recovery; it is not normally surfaced to callers since recovery handles it
// internally, but is exposed for status/diagnostic consumers.
type TransportLostError struct {
	Cause error
}

func (e *TransportLostError) Error() string { return "sip transport lost: " + causeText(e.Cause) }
func (e *TransportLostError) Unwrap() error { return e.Cause }

// NotConnectedError is returned when an operation requires CONNECTED status.
type NotConnectedError struct{}

func (e *NotConnectedError) Error() string { return "client is not connected" }

// RecoveringError is returned by Connect when status = RECOVERING.
type RecoveringError struct{}

func (e *RecoveringError) Error() string { return "Can not connect while trying to recover." }

// ConnectCancelledError is returned to a pending Connect caller when
// Disconnect interrupts CONNECTING.
type ConnectCancelledError struct{}

func (e *ConnectCancelledError) Error() string { return "connect cancelled by disconnect" }

// InviteFailedError wraps an outbound INVITE rejection or timeout.
type InviteFailedError struct {
	SIPCode int
	Cause   error
}

func (e *InviteFailedError) Error() string { return "invite failed: " + causeText(e.Cause) }
func (e *InviteFailedError) Unwrap() error { return e.Cause }

// ReinviteFailedError wraps a failed hold/unhold/SDH-rebuild re-INVITE.
type ReinviteFailedError struct {
	Cause error
}

func (e *ReinviteFailedError) Error() string { return "reinvite failed: " + causeText(e.Cause) }
func (e *ReinviteFailedError) Unwrap() error { return e.Cause }

// TransferFailedError wraps a REFER that was not accepted.
type TransferFailedError struct {
	Cause error
}

func (e *TransferFailedError) Error() string { return "transfer failed: " + causeText(e.Cause) }
func (e *TransferFailedError) Unwrap() error { return e.Cause }

// MisconfiguredAccountError surfaces a BYE carrying
// X-Asterisk-Hangupcausecode: 58, distinctly from a normal hangup so the
// embedding app can prompt for reconfiguration.
type MisconfiguredAccountError struct{}

func (e *MisconfiguredAccountError) Error() string {
	return "account misconfigured (asterisk hangup cause 58)"
}

// InvalidDTMFError is returned synchronously when a tone string violates
// [0-9A-D#*,].
type InvalidDTMFError struct {
	Tones string
}

func (e *InvalidDTMFError) Error() string {
	return "invalid dtmf tones: " + e.Tones
}

// SessionAbortedError rejects a pending accept/hold when the session is
// terminated out from under it (forced teardown, recovery abandonment).
type SessionAbortedError struct {
	Reason string
}

func (e *SessionAbortedError) Error() string {
	if e.Reason == "" {
		return "session aborted"
	}
	return "session aborted: " + e.Reason
}

func causeText(err error) string {
	if err == nil {
		return "unknown cause"
	}
	return err.Error()
}
