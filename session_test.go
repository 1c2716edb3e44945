package webphone

import (
	"context"
	"errors"
	"testing"
	"time"

	"webphone/internal/media"
	"webphone/internal/ua"
)

// fakeDialog is a DialogHandle test double letting a test push SessionEvents
// on demand and observe which dialog calls fired.
type fakeDialog struct {
	callID string
	events chan ua.SessionEvent

	acceptCalls   int
	rejectCalls   int
	byeCalls      int
	reinviteCalls []bool
	referBlind    []string
	referAttended [][2]string
	dtmfSent      []string

	acceptErr   error
	reinviteErr error
}

func newFakeDialog(callID string) *fakeDialog {
	return &fakeDialog{callID: callID, events: make(chan ua.SessionEvent, 8)}
}

func (d *fakeDialog) CallID() string { return d.callID }

func (d *fakeDialog) Accept(ctx context.Context) error {
	d.acceptCalls++
	return d.acceptErr
}

func (d *fakeDialog) Reject(ctx context.Context, statusCode int) error {
	d.rejectCalls++
	return nil
}

func (d *fakeDialog) Bye(ctx context.Context) error {
	d.byeCalls++
	return nil
}

func (d *fakeDialog) Reinvite(ctx context.Context, onHold bool) error {
	d.reinviteCalls = append(d.reinviteCalls, onHold)
	return d.reinviteErr
}

func (d *fakeDialog) ReferBlind(ctx context.Context, target string) error {
	d.referBlind = append(d.referBlind, target)
	return nil
}

func (d *fakeDialog) ReferAttended(ctx context.Context, target, replacesCallID string) error {
	d.referAttended = append(d.referAttended, [2]string{target, replacesCallID})
	return nil
}

func (d *fakeDialog) SendDTMF(ctx context.Context, tones string) error {
	d.dtmfSent = append(d.dtmfSent, tones)
	return nil
}

func (d *fakeDialog) Events() <-chan ua.SessionEvent { return d.events }

func waitForSessionState(t *testing.T, s *Session, want SessionState) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session never reached state %v, stuck at %v", want, s.State())
}

func TestInboundSessionStartsRinging(t *testing.T) {
	t.Parallel()
	d := newFakeDialog("call-1")
	s := newSession("call-1", d, nil, nil, false, media.Config{})
	if s.State() != SessionRinging {
		t.Fatalf("state = %v, want RINGING for inbound session", s.State())
	}
}

func TestOutboundSessionStartsInitial(t *testing.T) {
	t.Parallel()
	d := newFakeDialog("call-2")
	s := newSession("call-2", d, nil, nil, true, media.Config{})
	if s.State() != SessionInitial {
		t.Fatalf("state = %v, want INITIAL for outbound session", s.State())
	}
}

func TestAcceptTransitionsToActiveOnAcceptedEvent(t *testing.T) {
	t.Parallel()
	d := newFakeDialog("call-3")
	s := newSession("call-3", d, nil, nil, false, media.Config{})

	done := make(chan error, 1)
	go func() {
		done <- s.Accept(context.Background())
	}()

	deadline := time.Now().Add(time.Second)
	for d.acceptCalls == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	d.events <- ua.SessionEvent{Kind: ua.SessEvAccepted}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Accept returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Accept never settled")
	}
	if s.State() != SessionActive {
		t.Fatalf("state = %v, want ACTIVE", s.State())
	}
}

func TestAcceptIsSingleFlight(t *testing.T) {
	t.Parallel()
	d := newFakeDialog("call-4")
	s := newSession("call-4", d, nil, nil, false, media.Config{})

	results := make(chan error, 2)
	go func() { results <- s.Accept(context.Background()) }()
	go func() { results <- s.Accept(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for d.acceptCalls == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	d.events <- ua.SessionEvent{Kind: ua.SessEvAccepted}

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("Accept returned %v, want nil", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Accept never settled")
		}
	}
	if d.acceptCalls != 1 {
		t.Fatalf("dialog.Accept called %d times, want exactly 1", d.acceptCalls)
	}
}

func TestRejectRejectsFromRinging(t *testing.T) {
	t.Parallel()
	d := newFakeDialog("call-5")
	s := newSession("call-5", d, nil, nil, false, media.Config{})

	if err := s.Reject(context.Background(), 486); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if d.rejectCalls != 1 {
		t.Fatalf("dialog.Reject called %d times, want 1", d.rejectCalls)
	}
}

func TestByeTerminatesWithMisconfiguredAccount(t *testing.T) {
	t.Parallel()
	d := newFakeDialog("call-6")
	s := newSession("call-6", d, nil, nil, false, media.Config{})

	d.events <- ua.SessionEvent{Kind: ua.SessEvAccepted}
	waitForSessionState(t, s, SessionActive)

	d.events <- ua.SessionEvent{
		Kind:    ua.SessEvBye,
		Headers: ua.Headers{AsteriskHangupCause: "58"},
	}

	err := s.Terminated(context.Background())
	var misconfigured *MisconfiguredAccountError
	if !errors.As(err, &misconfigured) {
		t.Fatalf("Terminated() = %v, want *MisconfiguredAccountError", err)
	}
}

func TestTerminatedSessionIgnoresFurtherEvents(t *testing.T) {
	t.Parallel()
	d := newFakeDialog("call-7")
	s := newSession("call-7", d, nil, nil, false, media.Config{})

	d.events <- ua.SessionEvent{Kind: ua.SessEvTerminated}
	if err := s.Terminated(context.Background()); err != nil {
		t.Fatalf("Terminated() = %v, want nil", err)
	}

	d.events <- ua.SessionEvent{Kind: ua.SessEvAccepted}
	time.Sleep(10 * time.Millisecond)
	if s.State() != SessionTerminated {
		t.Fatalf("state = %v, want TERMINATED to stick (invariant 4)", s.State())
	}
}

func TestHoldIsIdempotentWhileInFlight(t *testing.T) {
	t.Parallel()
	d := newFakeDialog("call-8")
	s := newSession("call-8", d, nil, nil, false, media.Config{})
	d.events <- ua.SessionEvent{Kind: ua.SessEvAccepted}
	waitForSessionState(t, s, SessionActive)

	results := make(chan error, 2)
	go func() { results <- s.Hold(context.Background()) }()
	go func() { results <- s.Hold(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for len(d.reinviteCalls) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	d.events <- ua.SessionEvent{Kind: ua.SessEvReinviteAccepted}

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("Hold returned %v, want nil", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Hold never settled")
		}
	}
	if len(d.reinviteCalls) != 1 {
		t.Fatalf("dialog.Reinvite called %d times, want exactly 1 (testable property 5)", len(d.reinviteCalls))
	}
	if !s.HoldState() {
		t.Fatal("expected HoldState() true after hold settles")
	}
}

func TestHoldWhenAlreadyOnHoldIsANoop(t *testing.T) {
	t.Parallel()
	d := newFakeDialog("call-9")
	s := newSession("call-9", d, nil, nil, false, media.Config{})
	d.events <- ua.SessionEvent{Kind: ua.SessEvAccepted}
	waitForSessionState(t, s, SessionActive)

	go func() { d.events <- ua.SessionEvent{Kind: ua.SessEvReinviteAccepted} }()
	if err := s.Hold(context.Background()); err != nil {
		t.Fatalf("Hold: %v", err)
	}
	waitForSessionState(t, s, SessionOnHold)

	if err := s.Hold(context.Background()); err != nil {
		t.Fatalf("second Hold: %v", err)
	}
	if len(d.reinviteCalls) != 1 {
		t.Fatalf("dialog.Reinvite called %d times, want 1 (no re-INVITE when already on hold)", len(d.reinviteCalls))
	}
}

func TestDTMFValidatesBeforeSending(t *testing.T) {
	t.Parallel()
	d := newFakeDialog("call-10")
	s := newSession("call-10", d, nil, nil, false, media.Config{})
	d.events <- ua.SessionEvent{Kind: ua.SessEvAccepted}
	waitForSessionState(t, s, SessionActive)

	var invalid *InvalidDTMFError
	if err := s.DTMF(context.Background(), "1!2"); !errors.As(err, &invalid) {
		t.Fatalf("DTMF with invalid tones = %v, want *InvalidDTMFError", err)
	}
	if len(d.dtmfSent) != 0 {
		t.Fatal("dialog.SendDTMF must not be called for invalid tones")
	}

	if err := s.DTMF(context.Background(), "123A#*,"); err != nil {
		t.Fatalf("DTMF with valid tones: %v", err)
	}
	if len(d.dtmfSent) != 1 {
		t.Fatalf("dialog.SendDTMF called %d times, want 1", len(d.dtmfSent))
	}
}

func TestDTMFRejectedWhenNotActive(t *testing.T) {
	t.Parallel()
	d := newFakeDialog("call-11")
	s := newSession("call-11", d, nil, nil, false, media.Config{})

	var notConnected *NotConnectedError
	if err := s.DTMF(context.Background(), "123"); !errors.As(err, &notConnected) {
		t.Fatalf("DTMF before ACTIVE = %v, want *NotConnectedError", err)
	}
}

func TestTransferBlindUsesReferBlind(t *testing.T) {
	t.Parallel()
	d := newFakeDialog("call-12")
	s := newSession("call-12", d, nil, nil, false, media.Config{})
	d.events <- ua.SessionEvent{Kind: ua.SessEvAccepted}
	waitForSessionState(t, s, SessionActive)

	if err := s.Transfer(context.Background(), "sip:bob@example.com"); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if len(d.referBlind) != 1 || d.referBlind[0] != "sip:bob@example.com" {
		t.Fatalf("referBlind = %v, want one call to sip:bob@example.com", d.referBlind)
	}
}

func TestTransferAttendedUsesReferAttendedWithReplaces(t *testing.T) {
	t.Parallel()
	dA := newFakeDialog("call-13")
	a := newSession("call-13", dA, nil, nil, false, media.Config{})
	dA.events <- ua.SessionEvent{Kind: ua.SessEvAccepted}
	waitForSessionState(t, a, SessionActive)

	dB := newFakeDialog("call-14")
	b := newSession("call-14", dB, nil, nil, false, media.Config{})
	dB.events <- ua.SessionEvent{
		Kind:    ua.SessEvAccepted,
		Headers: ua.Headers{From: `"Carol" <sip:carol@example.com>`},
	}
	waitForSessionState(t, b, SessionActive)

	if err := a.Transfer(context.Background(), b); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if len(dA.referAttended) != 1 {
		t.Fatalf("referAttended calls = %d, want 1", len(dA.referAttended))
	}
	got := dA.referAttended[0]
	if got[0] != "sip:carol@example.com" || got[1] != "call-14" {
		t.Fatalf("referAttended = %v, want [sip:carol@example.com call-14]", got)
	}
}

func TestParseIdentityHeaderWithDisplayName(t *testing.T) {
	t.Parallel()
	got := parseIdentityHeader(`"Alice Example" <sip:alice@example.com>`)
	if got.DisplayName != "Alice Example" || got.URI != "sip:alice@example.com" {
		t.Fatalf("got %+v", got)
	}
}

func TestParseIdentityHeaderBareURI(t *testing.T) {
	t.Parallel()
	got := parseIdentityHeader("sip:alice@example.com")
	if got.DisplayName != "" || got.URI != "sip:alice@example.com" {
		t.Fatalf("got %+v", got)
	}
}

func TestRemoteIdentityPrefersPAssertedIdentity(t *testing.T) {
	t.Parallel()
	d := newFakeDialog("call-15")
	s := newSession("call-15", d, nil, nil, false, media.Config{})

	d.events <- ua.SessionEvent{Kind: ua.SessEvRinging, Headers: ua.Headers{
		PAssertedIdentity: `"PAI Name" <sip:pai@example.com>`,
		From:               `"From Name" <sip:from@example.com>`,
	}}
	time.Sleep(10 * time.Millisecond)

	got := s.RemoteIdentity()
	if got.URI != "sip:pai@example.com" {
		t.Fatalf("RemoteIdentity() = %+v, want P-Asserted-Identity to win", got)
	}
}
