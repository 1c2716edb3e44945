package webphone

import (
	"context"
	"strings"
	"sync"

	"github.com/go-faster/errors"
	"github.com/pion/webrtc/v4"

	"webphone/internal/media"
	"webphone/internal/stats"
	"webphone/internal/ua"
)

// SessionState enumerates the per-call state machine (spec.md §4.4).
type SessionState int

const (
	SessionInitial SessionState = iota
	SessionRinging
	SessionActive
	SessionOnHold
	SessionTerminating
	SessionTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionInitial:
		return "INITIAL"
	case SessionRinging:
		return "RINGING"
	case SessionActive:
		return "ACTIVE"
	case SessionOnHold:
		return "ON_HOLD"
	case SessionTerminating:
		return "TERMINATING"
	case SessionTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// RemoteIdentity is the parsed display-name/user pair derived from the
// first present header among P-Asserted-Identity, Remote-Party-Id, From
// (spec.md §3, testable property 7).
type RemoteIdentity struct {
	DisplayName string
	URI         string
}

// settleOnce is a one-shot result gate used for accept()/hold() single-flight
// semantics: every caller awaiting the same underlying re-INVITE/accept
// observes the same outcome (spec.md §8 property 5).
type settleOnce struct {
	done chan struct{}
	err  error
	once sync.Once
}

func newSettleOnce() *settleOnce { return &settleOnce{done: make(chan struct{})} }

func (s *settleOnce) settle(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *settleOnce) wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session is the per-call state machine (spec.md §4.4, C6). It is created
// for both outbound and inbound INVITEs and owns exactly one SessionMedia
// and one SessionStats sampler for its entire lifetime.
type Session struct {
	callID      string
	dialog      ua.DialogHandle
	Media       *media.SessionMedia
	Stats       *stats.Sampler
	outbound    bool
	mediaConfig media.Config

	mu             sync.Mutex
	state          SessionState
	holdState      bool
	saidBye        bool
	remoteIdentity RemoteIdentity
	identityParsed bool
	headers        ua.Headers

	// acceptResult gates the single in-flight answer decision: whichever of
	// Accept/Reject runs first claims it, and the other observes its
	// outcome instead of racing its own response onto the wire (spec.md
	// §5's synchronous mutual-exclusion requirement).
	acceptResult *settleOnce
	answerOwner  answerDecision
	holdResult   *settleOnce // in-flight hold/unhold re-INVITE, keyed by target holdState
	holdTarget   bool
	terminated   *settleOnce
}

// answerDecision records which call claimed the pending acceptResult gate.
type answerDecision int

const (
	answerNone answerDecision = iota
	answerAccept
	answerReject
)

func newSession(callID string, dialog ua.DialogHandle, m *media.SessionMedia, sampler *stats.Sampler, outbound bool, mediaConfig media.Config) *Session {
	s := &Session{
		callID:      callID,
		dialog:      dialog,
		Media:       m,
		Stats:       sampler,
		outbound:    outbound,
		mediaConfig: mediaConfig,
		state:       SessionInitial,
		terminated:  newSettleOnce(),
	}
	if !outbound {
		s.state = SessionRinging
	}
	go s.pump()
	return s
}

// CallID returns the SIP Call-ID identifying this session.
func (s *Session) CallID() string { return s.callID }

// State returns the current state-machine state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HoldState reflects the most recently *successful* re-INVITE (spec.md
// invariant 5), not a pending one.
func (s *Session) HoldState() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holdState
}

// RemoteIdentity derives lazily from the first present header among
// P-Asserted-Identity, Remote-Party-Id, From (spec.md §3, testable
// property 7).
func (s *Session) RemoteIdentity() RemoteIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.identityParsed {
		s.remoteIdentity = parseRemoteIdentity(s.headers)
		s.identityParsed = true
	}
	return s.remoteIdentity
}

func parseRemoteIdentity(h ua.Headers) RemoteIdentity {
	for _, raw := range []string{h.PAssertedIdentity, h.RemotePartyID, h.From} {
		if raw == "" {
			continue
		}
		return parseIdentityHeader(raw)
	}
	return RemoteIdentity{}
}

// parseIdentityHeader extracts "Display Name" <sip:user@host> into its
// parts, tolerating a bare sip: URI with no display name.
func parseIdentityHeader(raw string) RemoteIdentity {
	raw = strings.TrimSpace(raw)
	var display, uri string

	if i := strings.Index(raw, "<"); i >= 0 {
		display = strings.Trim(strings.TrimSpace(raw[:i]), `"`)
		if j := strings.Index(raw[i:], ">"); j >= 0 {
			uri = raw[i+1 : i+j]
		} else {
			uri = strings.TrimSpace(raw[i+1:])
		}
	} else {
		uri = raw
	}
	return RemoteIdentity{DisplayName: display, URI: uri}
}

// pump is the single terminal sink reading the dialog's event stream and
// translating it into state-machine transitions (spec.md §4.4's
// "terminated detection" design).
func (s *Session) pump() {
	for ev := range s.dialog.Events() {
		s.handleEvent(ev)
	}
}

func (s *Session) handleEvent(ev ua.SessionEvent) {
	s.mu.Lock()
	s.headers = ev.Headers
	s.identityParsed = false
	terminal := s.state == SessionTerminated
	s.mu.Unlock()
	if terminal {
		return // invariant 4: no further event mutates a terminated session
	}

	switch ev.Kind {
	case ua.SessEvRinging:
		s.mu.Lock()
		if s.state == SessionInitial {
			s.state = SessionRinging
		}
		s.mu.Unlock()

	case ua.SessEvAccepted:
		s.mu.Lock()
		s.state = SessionActive
		result := s.acceptResult
		s.mu.Unlock()
		if result != nil {
			result.settle(nil)
		}

	case ua.SessEvRejected:
		s.mu.Lock()
		result := s.acceptResult
		s.mu.Unlock()
		if result != nil {
			result.settle(&SessionAbortedError{Reason: "rejected"})
		}

	case ua.SessEvFailed:
		s.mu.Lock()
		result := s.acceptResult
		s.mu.Unlock()
		var cause error = &InviteFailedError{Cause: ev.Err}
		if result != nil {
			result.settle(cause)
		}
		s.finish(cause)

	case ua.SessEvBye:
		s.mu.Lock()
		s.saidBye = true
		s.mu.Unlock()
		cause := terminationCauseFromHeaders(ev.Headers)
		s.finish(cause)

	case ua.SessEvTerminated:
		s.finish(nil)

	case ua.SessEvReinviteAccepted:
		s.mu.Lock()
		s.holdState = s.holdTarget
		s.state = holdStateToSessionState(s.holdState)
		result := s.holdResult
		s.holdResult = nil
		s.mu.Unlock()
		if result != nil {
			result.settle(nil)
		}

	case ua.SessEvReinviteFailed:
		s.mu.Lock()
		result := s.holdResult
		s.holdResult = nil
		s.mu.Unlock()
		if result != nil {
			result.settle(&ReinviteFailedError{Cause: ev.Err})
		}

	case ua.SessEvSDHCreated:
		// No state-machine transition; arms the stats sampler (spec.md §4.6).
		if s.Stats != nil {
			s.Stats.Start(context.Background())
		}

	case ua.SessEvReferRequested:
		// No state-machine transition; surfaced for diagnostics only.
	}
}

func terminationCauseFromHeaders(h ua.Headers) error {
	if h.AsteriskHangupCause == "58" {
		return &MisconfiguredAccountError{}
	}
	return nil
}

func holdStateToSessionState(hold bool) SessionState {
	if hold {
		return SessionOnHold
	}
	return SessionActive
}

// finish runs the terminal sink exactly once: it records saidBye (already
// set by the BYE branch), stops the stats sampler, and rejects any
// still-pending accept/hold with SessionAbortedError, or the given cause.
func (s *Session) finish(cause error) {
	s.mu.Lock()
	if s.state == SessionTerminated {
		s.mu.Unlock()
		return
	}
	s.state = SessionTerminated
	pendingAccept := s.acceptResult
	pendingHold := s.holdResult
	s.acceptResult = nil
	s.holdResult = nil
	s.mu.Unlock()

	if s.Stats != nil {
		s.Stats.Stop()
	}
	if s.Media != nil {
		_ = s.Media.Close()
	}

	if pendingAccept != nil {
		pendingAccept.settle(&SessionAbortedError{})
	}
	if pendingHold != nil {
		pendingHold.settle(&SessionAbortedError{})
	}

	s.terminated.settle(cause)
}

// Accept answers an inbound RINGING session (spec.md §4.4). If a Reject is
// already in flight for this session, Accept throws synchronously instead
// of racing its own 200 OK onto the wire.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SessionRinging {
		s.mu.Unlock()
		return errors.New("invalid operation: session is not ringing")
	}
	if s.acceptResult != nil {
		result, owner := s.acceptResult, s.answerOwner
		s.mu.Unlock()
		if owner == answerReject {
			return errors.New("invalid operation: session is already being rejected")
		}
		return result.wait(ctx)
	}
	result := newSettleOnce()
	s.acceptResult = result
	s.answerOwner = answerAccept
	s.mu.Unlock()

	if err := s.dialog.Accept(ctx); err != nil {
		result.settle(err)
	}
	return result.wait(ctx)
}

// Reject declines an inbound RINGING session. If an Accept is already in
// flight, Reject throws synchronously rather than silently losing the race
// (spec.md §5); if another Reject already won, it's a no-op.
func (s *Session) Reject(ctx context.Context, statusCode int) error {
	s.mu.Lock()
	if s.state != SessionRinging {
		s.mu.Unlock()
		return errors.New("invalid operation: session is accepted")
	}
	if s.acceptResult != nil {
		result, owner := s.acceptResult, s.answerOwner
		s.mu.Unlock()
		if owner == answerAccept {
			return errors.New("invalid operation: session is already being accepted")
		}
		return result.wait(ctx)
	}
	result := newSettleOnce()
	s.acceptResult = result
	s.answerOwner = answerReject
	s.mu.Unlock()

	err := s.dialog.Reject(ctx, statusCode)
	result.settle(err)
	return err
}

// Terminated returns a channel-backed wait for the terminal event, with
// MisconfiguredAccount surfaced distinctly per spec.md §4.4.
func (s *Session) Terminated(ctx context.Context) error {
	return s.terminated.wait(ctx)
}

// Terminate requests termination regardless of current state, short of
// TERMINATED. It returns the same result as Terminated().
func (s *Session) Terminate(ctx context.Context) error {
	s.mu.Lock()
	already := s.state == SessionTerminated
	s.mu.Unlock()
	if already {
		return s.terminated.wait(ctx)
	}
	s.mu.Lock()
	s.state = SessionTerminating
	s.mu.Unlock()
	_ = s.dialog.Bye(ctx)
	return s.terminated.wait(ctx)
}

// Bye fires a BYE without waiting for the terminal event.
func (s *Session) Bye(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SessionActive && s.state != SessionOnHold {
		s.mu.Unlock()
		return errors.New("invalid operation: session is not active")
	}
	s.mu.Unlock()
	return s.dialog.Bye(ctx)
}

// Hold places the session on hold; idempotent per spec.md's hold
// idempotence contract (testable property 5): a second Hold call while one
// is in flight observes the same settleOnce.
func (s *Session) Hold(ctx context.Context) error {
	return s.setHoldState(ctx, true)
}

// Unhold takes the session off hold.
func (s *Session) Unhold(ctx context.Context) error {
	return s.setHoldState(ctx, false)
}

func (s *Session) setHoldState(ctx context.Context, flag bool) error {
	s.mu.Lock()
	if s.state != SessionActive && s.state != SessionOnHold {
		s.mu.Unlock()
		return errors.New("invalid operation: session is not active")
	}
	if s.holdState == flag && s.holdResult == nil {
		s.mu.Unlock()
		return nil
	}
	if s.holdResult != nil && s.holdTarget == flag {
		result := s.holdResult
		s.mu.Unlock()
		return result.wait(ctx)
	}

	result := newSettleOnce()
	s.holdResult = result
	s.holdTarget = flag
	s.mu.Unlock()

	if err := s.dialog.Reinvite(ctx, flag); err != nil {
		result.settle(&ReinviteFailedError{Cause: err})
	}
	return result.wait(ctx)
}

// DTMF sends DTMF tones, validating them synchronously against
// [0-9A-D#*,] (spec.md §4.4, testable property 6).
func (s *Session) DTMF(ctx context.Context, tones string) error {
	if err := validateDTMF(tones); err != nil {
		return err
	}
	s.mu.Lock()
	active := s.state == SessionActive || s.state == SessionOnHold
	s.mu.Unlock()
	if !active {
		return &NotConnectedError{}
	}
	return s.dialog.SendDTMF(ctx, tones)
}

// Transfer issues a blind (string target) or attended (*Session target,
// via REFER-with-Replaces) call transfer — spec.md §9's resolved Open
// Question 1.
func (s *Session) Transfer(ctx context.Context, target any) error {
	s.mu.Lock()
	active := s.state == SessionActive || s.state == SessionOnHold
	s.mu.Unlock()
	if !active {
		return &NotConnectedError{}
	}

	switch t := target.(type) {
	case string:
		if err := s.dialog.ReferBlind(ctx, t); err != nil {
			return &TransferFailedError{Cause: err}
		}
		return nil
	case *Session:
		if err := s.dialog.ReferAttended(ctx, t.remoteTargetURI(), t.CallID()); err != nil {
			return &TransferFailedError{Cause: err}
		}
		return nil
	default:
		return errors.New("transfer target must be a string URI or *Session")
	}
}

func (s *Session) remoteTargetURI() string {
	return s.RemoteIdentity().URI
}

// RebuildSessionDescriptionHandler swaps the peer connection and triggers a
// fresh re-INVITE (spec.md §4.4); it returns its own awaitable result
// (spec.md §9's resolved Open Question 2 — no bare fire-and-forget
// reinvite is exposed).
func (s *Session) RebuildSessionDescriptionHandler(ctx context.Context) error {
	return s.rebuildSessionDescriptionHandler(ctx, nil, "")
}

// SetInputDevice switches the capture track this session sends, trying an
// in-place RTPSender.ReplaceTrack first and falling back to a full
// SessionDescriptionHandler rebuild when the sender can't accept the
// replacement — e.g. a codec/format change the existing sender wasn't
// negotiated for (spec.md §4.5's device-reconfiguration fallback).
func (s *Session) SetInputDevice(ctx context.Context, track webrtc.TrackLocal, deviceID string) error {
	if s.Media == nil {
		return errors.New("invalid operation: session has no media")
	}
	if s.Media.ReplaceTrack(track, deviceID) {
		return nil
	}
	return s.rebuildSessionDescriptionHandler(ctx, track, deviceID)
}

func (s *Session) rebuildSessionDescriptionHandler(ctx context.Context, track webrtc.TrackLocal, deviceID string) error {
	s.mu.Lock()
	if s.state != SessionActive && s.state != SessionOnHold {
		s.mu.Unlock()
		return errors.New("invalid operation: session is not active")
	}
	holdFlag := s.holdState
	if s.holdResult != nil {
		result := s.holdResult
		s.mu.Unlock()
		return result.wait(ctx)
	}
	result := newSettleOnce()
	s.holdResult = result
	s.holdTarget = holdFlag
	s.mu.Unlock()

	if err := s.rebuildMedia(track, deviceID); err != nil {
		rebuildErr := &ReinviteFailedError{Cause: err}
		result.settle(rebuildErr)
		s.mu.Lock()
		s.holdResult = nil
		s.mu.Unlock()
		return rebuildErr
	}

	if err := s.dialog.Reinvite(ctx, holdFlag); err != nil {
		result.settle(&ReinviteFailedError{Cause: err})
	}
	return result.wait(ctx)
}

// rebuildMedia builds a fresh peer connection, swaps it into s.Media, and
// restarts the stats sampler against it, following the Stop/swap/Start
// sequence spec.md §4.6 requires so a rebuild never leaves the sampler
// polling a stale connection.
func (s *Session) rebuildMedia(track webrtc.TrackLocal, deviceID string) error {
	if s.Media == nil {
		return nil
	}
	pc, err := media.NewPeerConnection(s.mediaConfig)
	if err != nil {
		return err
	}
	if s.Stats != nil {
		s.Stats.Stop()
	}
	if err := s.Media.Rebind(pc, track, deviceID); err != nil {
		return err
	}
	if s.Stats != nil {
		s.Stats.Rebind(pc)
		s.Stats.Start(context.Background())
	}
	return nil
}

// survivesPeerConnection reports whether this session's media peer
// connection is still usable, used by the Client's recovery hook to decide
// between keeping or abandoning a session per spec.md §4.2's conservative
// recovery rule.
func (s *Session) survivesPeerConnection() bool {
	if s.Media == nil {
		return false
	}
	pc := s.Media.PeerConnection()
	if pc == nil {
		return false
	}
	return pc.ConnectionState() != webrtc.PeerConnectionStateClosed
}

// abandon terminates the session with cause recovery-abandoned, used when
// recovery gives up or a surviving session's peer connection didn't make it
// through the transport drop.
func (s *Session) abandon() {
	s.finish(&SessionAbortedError{Reason: "recovery-abandoned"})
}
