package ua

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/go-faster/errors"

	"webphone/internal/logging"
)

// dialog is the Adapter's DialogHandle implementation: one per inbound or
// outbound INVITE, torn down on BYE/terminal failure. All state mutation
// happens under mu so Accept/Reject/Bye/Reinvite can be called concurrently
// with handleWireFrame feeding events in. It drives its own request
// encoding through Adapter.sendRequest rather than sipgo transaction
// objects, since the adapter never starts sipgo's own transport (see the
// Adapter doc comment in sipgo_adapter.go).
type dialog struct {
	adapter *Adapter
	callID  string

	mu          sync.Mutex
	inviteFrame *inboundFrame // the inbound INVITE this dialog answers, if any
	toTag       string        // tag we mint when answering an inbound INVITE
	localCSeq   int           // last CSeq number sent in this dialog
	terminated  bool

	// decision settles exactly once to either "accepted" or "rejected" so a
	// racing Accept/Reject pair on the same inbound INVITE can't both win
	// (spec.md §5's synchronous mutual-exclusion requirement).
	decision *settleOnce

	events chan SessionEvent
}

// settleOnce is a one-shot result gate: the first settle wins, every
// subsequent wait observes that same outcome.
type settleOnce struct {
	done chan struct{}
	err  error
	once sync.Once
}

func newSettleOnce() *settleOnce {
	return &settleOnce{done: make(chan struct{})}
}

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

func newDialog(a *Adapter, callID string) *dialog {
	return &dialog{
		adapter: a,
		callID:  callID,
		events:  make(chan SessionEvent, 16),
	}
}

func (d *dialog) CallID() string { return d.callID }

func (d *dialog) Events() <-chan SessionEvent { return d.events }

func (d *dialog) emit(ev SessionEvent) {
	select {
	case d.events <- ev:
	default:
		logging.Warnf("ua: session event stream full for %s, dropping %s", d.callID, ev.Kind)
	}
}

// attachInboundRequest records the inbound INVITE frame this dialog answers
// and emits SessEvRinging once it's ready for Accept/Reject.
func (d *dialog) attachInboundRequest(f *inboundFrame) {
	d.mu.Lock()
	d.inviteFrame = f
	d.mu.Unlock()
	d.emit(SessionEvent{Kind: SessEvRinging})
}

// driveOutbound watches the correlation channel for an outbound INVITE,
// translating provisional/final responses into SessionEvents.
func (d *dialog) driveOutbound(ctx context.Context, ch chan *inboundFrame) {
	for {
		select {
		case res, ok := <-ch:
			if !ok {
				return
			}
			switch {
			case res.statusCode == 180 || res.statusCode == 183:
				d.emit(SessionEvent{Kind: SessEvRinging})
			case res.statusCode >= 200 && res.statusCode < 300:
				d.emit(SessionEvent{Kind: SessEvAccepted, Headers: headersFromFrame(res)})
				d.emit(SessionEvent{Kind: SessEvSDHCreated})
				return
			case res.statusCode >= 300:
				d.emit(SessionEvent{
					Kind:    SessEvFailed,
					Headers: headersFromFrame(res),
					Err:     &SIPError{Kind: classifyStatus(sip.StatusCode(res.statusCode)), Cause: fmt.Errorf("invite rejected: %d %s", res.statusCode, res.reason), SIPCode: res.statusCode},
				})
				return
			}
		case <-ctx.Done():
			d.emit(SessionEvent{Kind: SessEvFailed, Err: &SIPError{Kind: ErrKindTimeout, Cause: ctx.Err()}})
			return
		}
	}
}

// claimDecision returns the settleOnce that arbitrates between a racing
// Accept and Reject on the same inbound INVITE: whichever call reaches here
// first owns the decision and actually sends a response; the other observes
// the first call's outcome instead.
func (d *dialog) claimDecision() (own bool, decision *settleOnce) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.decision != nil {
		return false, d.decision
	}
	d.decision = newSettleOnce()
	return true, d.decision
}

// Accept answers an inbound INVITE with a final 200 response.
func (d *dialog) Accept(ctx context.Context) error {
	own, decision := d.claimDecision()
	if !own {
		if err := decision.wait(ctx); err != nil {
			return err
		}
		return nil
	}

	d.mu.Lock()
	f := d.inviteFrame
	tag := d.toTag
	d.mu.Unlock()
	if f == nil {
		err := errors.New("accept: no inbound invite")
		decision.settle(err)
		return err
	}

	if err := d.adapter.ws.Send(buildResponse(f, 200, "OK", tag, d.adapter.contact, nil)); err != nil {
		sipErr := &SIPError{Kind: ErrKindProtocol, Cause: err}
		decision.settle(sipErr)
		return sipErr
	}
	decision.settle(nil)
	d.emit(SessionEvent{Kind: SessEvAccepted})
	d.emit(SessionEvent{Kind: SessEvSDHCreated})
	return nil
}

// Reject declines an inbound INVITE with statusCode (e.g. 486 Busy Here, 603
// Decline).
func (d *dialog) Reject(ctx context.Context, statusCode int) error {
	own, decision := d.claimDecision()
	if !own {
		// Accept already won the race: Reject is a no-op rather than an
		// error, matching spec.md §5 (the loser observes, doesn't fail).
		_ = decision.wait(ctx)
		return nil
	}

	d.mu.Lock()
	f := d.inviteFrame
	tag := d.toTag
	d.mu.Unlock()
	if f == nil {
		err := errors.New("reject: no inbound invite")
		decision.settle(err)
		return err
	}

	if err := d.adapter.ws.Send(buildResponse(f, statusCode, "Rejected", tag, d.adapter.contact, nil)); err != nil {
		sipErr := &SIPError{Kind: ErrKindProtocol, Cause: err}
		decision.settle(sipErr)
		return sipErr
	}
	decision.settle(errors.New("rejected"))

	d.mu.Lock()
	d.terminated = true
	d.mu.Unlock()
	d.adapter.dropDialog(d.callID)
	d.emit(SessionEvent{Kind: SessEvRejected})
	d.emit(SessionEvent{Kind: SessEvTerminated})
	return nil
}

// inDialogRequest builds a request carrying this dialog's Call-ID and the
// next local CSeq number.
func (d *dialog) inDialogRequest(method sip.RequestMethod) *sip.Request {
	d.mu.Lock()
	d.localCSeq++
	n := d.localCSeq
	d.mu.Unlock()

	req := sip.NewRequest(method, sip.Uri{})
	d.adapter.populateRequest(req, n, d.callID)
	return req
}

// Bye terminates an established dialog from our side.
func (d *dialog) Bye(ctx context.Context) error {
	d.mu.Lock()
	if d.terminated {
		d.mu.Unlock()
		return nil
	}
	d.terminated = true
	d.mu.Unlock()

	req := d.inDialogRequest(sip.BYE)
	if _, err := d.adapter.sendRequest(ctx, req, nil); err != nil {
		return &SIPError{Kind: ErrKindNetwork, Cause: err}
	}
	d.adapter.dropDialog(d.callID)
	d.emit(SessionEvent{Kind: SessEvTerminated})
	return nil
}

func (d *dialog) onRemoteBye(f *inboundFrame) {
	d.mu.Lock()
	if d.terminated {
		d.mu.Unlock()
		return
	}
	d.terminated = true
	d.mu.Unlock()

	d.adapter.dropDialog(d.callID)
	d.emit(SessionEvent{Kind: SessEvBye, Headers: headersFromFrame(f)})
	d.emit(SessionEvent{Kind: SessEvTerminated})
}

// Reinvite sends an in-dialog re-INVITE and waits for its final response.
// The request carries no SDP body, and onHold is not encoded in it.
func (d *dialog) Reinvite(ctx context.Context, onHold bool) error {
	req := d.inDialogRequest(sip.INVITE)
	if _, err := d.adapter.sendRequest(ctx, req, nil); err != nil {
		d.emit(SessionEvent{Kind: SessEvReinviteFailed, Err: &SIPError{Kind: ErrKindNetwork, Cause: err}})
		return &SIPError{Kind: ErrKindNetwork, Cause: err}
	}
	d.emit(SessionEvent{Kind: SessEvReinviteAccepted})
	return nil
}

// ReferBlind sends a blind-transfer REFER with a Refer-To pointing directly
// at target.
func (d *dialog) ReferBlind(ctx context.Context, target string) error {
	req := d.inDialogRequest(sip.REFER)
	req.AppendHeader(sip.NewHeader("Refer-To", target))
	if _, err := d.adapter.sendRequest(ctx, req, nil); err != nil {
		return &SIPError{Kind: ErrKindNetwork, Cause: err}
	}
	d.emit(SessionEvent{Kind: SessEvReferRequested})
	return nil
}

// ReferAttended sends an attended-transfer REFER whose Refer-To carries a
// Replaces parameter identifying the dialog being replaced.
func (d *dialog) ReferAttended(ctx context.Context, target, replacesCallID string) error {
	req := d.inDialogRequest(sip.REFER)
	req.AppendHeader(sip.NewHeader("Refer-To", target+"?Replaces="+replacesCallID))
	if _, err := d.adapter.sendRequest(ctx, req, nil); err != nil {
		return &SIPError{Kind: ErrKindNetwork, Cause: err}
	}
	d.emit(SessionEvent{Kind: SessEvReferRequested})
	return nil
}

// SendDTMF sends tones via SIP INFO (application/dtmf-relay), the common
// fallback when RFC 4733 RTP telephone-events aren't negotiated.
func (d *dialog) SendDTMF(ctx context.Context, tones string) error {
	req := d.inDialogRequest(sip.INFO)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
	req.SetBody([]byte("Signal=" + tones))
	if _, err := d.adapter.sendRequest(ctx, req, nil); err != nil {
		return &SIPError{Kind: ErrKindNetwork, Cause: err}
	}
	return nil
}
