// Package ua implements spec component C3: a thin capability façade over a
// SIP stack (github.com/emiago/sipgo, the real implementation in
// sipgo_adapter.go) carried over a secure WebSocket (github.com/gorilla/websocket,
// wstransport.go). It is deliberately dumb: it never interprets connection
// status (that is the reconnect engine's job, package webphone/internal/reconnect).
// Outbound requests are built with sipgo's sip.Request; inbound frames are
// decoded by the minimal line parser in wireproto.go.
package ua

import (
	"context"
	"time"
)

// EventKind enumerates the UA-level event stream from spec.md §4.1.
type EventKind int

const (
	EventRegistered EventKind = iota
	EventRegistrationFailed
	EventUnregistered
	EventTransportCreated
	EventInvite
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventRegistered:
		return "registered"
	case EventRegistrationFailed:
		return "registrationFailed"
	case EventUnregistered:
		return "unregistered"
	case EventTransportCreated:
		return "transportCreated"
	case EventInvite:
		return "invite"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ErrorKind classifies a SIPError without exposing sipgo/transport types to
// callers, per spec.md §4.1 "{kind, cause, sipCode?}".
type ErrorKind int

const (
	ErrKindNone ErrorKind = iota
	ErrKindAuth
	ErrKindNetwork
	ErrKindTimeout
	ErrKindProtocol
)

// SIPError is the adapter's normalized error envelope.
type SIPError struct {
	Kind    ErrorKind
	Cause   error
	SIPCode int // 0 when not applicable
}

func (e *SIPError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "sip error"
}

func (e *SIPError) Unwrap() error { return e.Cause }

// Event is a single UA-level occurrence.
type Event struct {
	Kind   EventKind
	Err    *SIPError
	Invite *IncomingInvite // set only when Kind == EventInvite
}

// IncomingInvite is surfaced to the Client Facade when the UA receives an
// inbound INVITE; the facade wraps it into a Session (spec.md §4.4).
type IncomingInvite struct {
	CallID  string
	Headers Headers
	Dialog  DialogHandle
}

// Headers carries the subset of SIP headers the data model needs to derive
// Session.remoteIdentity (spec.md §3, §8 property 7) without exposing sipgo
// header types to the rest of the module.
type Headers struct {
	PAssertedIdentity string
	RemotePartyID     string
	From              string
	// AsteriskHangupCause holds X-Asterisk-Hangupcausecode when present on a
	// BYE/response, used to detect spec.md §7's MisconfiguredAccount.
	AsteriskHangupCause string
}

// SessionEventKind enumerates the per-call sub-stream from spec.md §4.1.
type SessionEventKind int

const (
	SessEvAccepted SessionEventKind = iota
	SessEvRejected
	SessEvFailed
	SessEvTerminated
	SessEvBye
	SessEvReinviteAccepted
	SessEvReinviteFailed
	SessEvReferRequested
	SessEvSDHCreated
	SessEvRinging
)

// SessionEvent is a single per-call occurrence, carrying the headers of the
// triggering SIP message (for remoteIdentity/hangup-cause inspection) and an
// error when the event reports a failure.
type SessionEvent struct {
	Kind    SessionEventKind
	Headers Headers
	Err     *SIPError
}

// InviteOptions configures an outbound INVITE.
type InviteOptions struct {
	DisplayName string
}

// DialogHandle is the live SIP dialog behind a Session. The real
// implementation is this package's dialog type; tests substitute a stub.
type DialogHandle interface {
	CallID() string
	Accept(ctx context.Context) error
	Reject(ctx context.Context, statusCode int) error
	Bye(ctx context.Context) error
	// Reinvite renegotiates media (hold/unhold or a rebuilt SDH). onHold
	// is the hold state the caller is asking for.
	Reinvite(ctx context.Context, onHold bool) error
	// ReferBlind issues a blind transfer to target.
	ReferBlind(ctx context.Context, target string) error
	// ReferAttended issues a transfer with Replaces pointing at the dialog
	// identified by replacesCallID (spec.md's attended-transfer decision).
	ReferAttended(ctx context.Context, target, replacesCallID string) error
	SendDTMF(ctx context.Context, tones string) error
	Events() <-chan SessionEvent
}

// UA is the capability surface the reconnect engine drives. Start/Stop bound
// the underlying transport + registration lifecycle; everything else maps
// 1:1 onto spec.md §4.1.
type UA interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error
	Invite(ctx context.Context, target string, opts InviteOptions) (DialogHandle, error)
	Events() <-chan Event
}

// Config is the subset of the public TransportConfig the adapter needs,
// re-declared here to avoid an import cycle with the root package.
type Config struct {
	AccountURI   string
	AuthUser     string
	AuthPassword string
	WSServers    []string
	WSTimeout    time.Duration
	UserAgent    string
	RegExpires   int
	ICEServers   []string
}

// Factory builds a fresh UA for one connection attempt. The reconnect engine
// calls it once per (re)connect so that a lost transport never reuses stale
// sipgo/websocket state (spec.md invariant 1: at most one UA per Client).
type Factory func(cfg Config) (UA, error)
