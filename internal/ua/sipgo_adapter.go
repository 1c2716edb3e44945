package ua

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"webphone/internal/logging"
)

// Adapter implements UA using github.com/emiago/sipgo's sip.Request type
// for outbound message modeling, carried end to end over
// wsTransport (the wire, see wstransport.go). Earlier revisions of this
// adapter built sipgo.Client/sipgo.Server transaction objects, but those
// bind to sipgo's own UDP/TCP transport manager, which this module never
// starts — every transaction would silently dial nothing. Since sipgo has
// no corpus-attested way to hand it an already-established wss connection,
// the adapter instead owns transaction correlation itself (pending,
// keyed by Call-ID+CSeq per RFC 3261 §17.1.3) and drives every request and
// response through wsTransport.Send/onMessage directly.
type Adapter struct {
	cfg Config
	ws  *wsTransport

	events chan Event

	dialogsMu sync.Mutex
	dialogs   map[string]*dialog

	pendingMu sync.Mutex
	pending   map[string]chan *inboundFrame

	cseqMu    sync.Mutex
	cseq      int
	fromTag   string
	localHost string
	contact   string
}

// NewAdapter builds an Adapter. It performs no I/O; call Start to dial.
func NewAdapter(cfg Config) (UA, error) {
	token := uuid.NewString()
	a := &Adapter{
		cfg:       cfg,
		ws:        newWSTransport(cfg.WSServers, cfg.UserAgent),
		events:    make(chan Event, 16),
		dialogs:   make(map[string]*dialog),
		pending:   make(map[string]chan *inboundFrame),
		fromTag:   uuid.NewString(),
		localHost: token + ".invalid", // RFC 7118: WS clients have no routable sent-by host
	}
	a.contact = fmt.Sprintf("<sip:%s@%s;transport=ws>", firstNonEmpty(cfg.AuthUser, "anonymous"), a.localHost)

	a.ws.onMessage = a.handleWireFrame
	a.ws.onDisconnect = a.handleTransportDropped

	return a, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (a *Adapter) Events() <-chan Event { return a.events }

func (a *Adapter) emit(ev Event) {
	select {
	case a.events <- ev:
	default:
		logging.Warnf("ua: event stream full, dropping %s", ev.Kind)
	}
}

// Start dials the configured WebSocket endpoints. On success it emits
// EventTransportCreated; the reconnect engine arms its own wsTimeout around
// this call per spec.md §4.2.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.ws.Dial(ctx); err != nil {
		return &SIPError{Kind: ErrKindNetwork, Cause: err}
	}
	a.emit(Event{Kind: EventTransportCreated})
	return nil
}

// Stop tears down the transport unconditionally (forced teardown).
func (a *Adapter) Stop(ctx context.Context) error {
	if err := a.ws.Close(); err != nil {
		return errors.Wrap(err, "close websocket transport")
	}
	return nil
}

func (a *Adapter) handleTransportDropped(err error) {
	logging.Warnf("ua: transport dropped: %v", err)
	a.emit(Event{Kind: EventDisconnected, Err: &SIPError{Kind: ErrKindNetwork, Cause: err}})
}

func (a *Adapter) nextCSeq() int {
	a.cseqMu.Lock()
	defer a.cseqMu.Unlock()
	a.cseq++
	return a.cseq
}

func txKey(callID string, cseqNum int, cseqMethod string) string {
	return callID + "|" + strconv.Itoa(cseqNum) + "|" + cseqMethod
}

// registerPending opens a correlation channel for a request this adapter is
// about to send, keyed by the Call-ID/CSeq it carries.
func (a *Adapter) registerPending(callID string, cseqNum int, cseqMethod string) chan *inboundFrame {
	ch := make(chan *inboundFrame, 4)
	a.pendingMu.Lock()
	a.pending[txKey(callID, cseqNum, cseqMethod)] = ch
	a.pendingMu.Unlock()
	return ch
}

func (a *Adapter) forgetPending(callID string, cseqNum int, cseqMethod string) {
	a.pendingMu.Lock()
	delete(a.pending, txKey(callID, cseqNum, cseqMethod))
	a.pendingMu.Unlock()
}

// populateRequest fills in the headers sipgo's own client transaction layer
// would normally add (Via/CSeq/Call-ID/From/Contact/Max-Forwards), since
// this adapter bypasses that layer to keep every byte on wsTransport. callID
// is the caller's choice: a fresh one for a new dialog-initiating request
// (REGISTER, out-of-dialog INVITE), or the dialog's existing Call-ID for an
// in-dialog request (BYE, re-INVITE, REFER, INFO).
func (a *Adapter) populateRequest(req *sip.Request, cseqNum int, callID string) {
	branch := "z9hG4bK" + uuid.NewString()
	req.AppendHeader(sip.NewHeader("Via", fmt.Sprintf("SIP/2.0/WSS %s;branch=%s;rport", a.localHost, branch)))
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.AppendHeader(sip.NewHeader("Call-ID", callID))
	req.AppendHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d %s", cseqNum, string(req.Method))))
	req.AppendHeader(sip.NewHeader("From", fmt.Sprintf("<%s>;tag=%s", a.cfg.AccountURI, a.fromTag)))
	req.AppendHeader(sip.NewHeader("Contact", a.contact))
}

// sendRequest encodes req, writes it to wsTransport, and blocks for its
// final response (>=200), forwarding provisional responses to onProvisional
// as they arrive.
func (a *Adapter) sendRequest(ctx context.Context, req *sip.Request, onProvisional func(*inboundFrame)) (*inboundFrame, error) {
	callID := req.CallID().Value()
	cseqNum, cseqMethod := req.CSeq().SeqNo, string(req.Method)
	ch := a.registerPending(callID, int(cseqNum), cseqMethod)
	defer a.forgetPending(callID, int(cseqNum), cseqMethod)

	if err := a.ws.Send([]byte(req.String())); err != nil {
		return nil, errors.Wrap(err, "send sip request")
	}

	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return nil, errors.New("transaction closed")
			}
			if frame.statusCode < 200 {
				if onProvisional != nil {
					onProvisional(frame)
				}
				continue
			}
			return frame, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Register sends REGISTER and waits for the final response, emitting
// EventRegistered or EventRegistrationFailed. The reconnect engine treats
// a nil return from the first Register after Start as the
// CONNECTING->CONNECTED barrier (spec.md §4.2).
func (a *Adapter) Register(ctx context.Context) error {
	req, err := a.buildRegister(false)
	if err != nil {
		return err
	}

	res, err := a.sendRequest(ctx, req, nil)
	if err != nil {
		sipErr := &SIPError{Kind: ErrKindTimeout, Cause: err}
		if ctx.Err() == nil {
			sipErr.Kind = ErrKindNetwork
		}
		a.emit(Event{Kind: EventRegistrationFailed, Err: sipErr})
		return sipErr
	}
	if res.statusCode >= 200 && res.statusCode < 300 {
		a.emit(Event{Kind: EventRegistered})
		return nil
	}
	sipErr := &SIPError{Kind: classifyStatus(sip.StatusCode(res.statusCode)), Cause: fmt.Errorf("register failed: %d %s", res.statusCode, res.reason), SIPCode: res.statusCode}
	a.emit(Event{Kind: EventRegistrationFailed, Err: sipErr})
	return sipErr
}

// Unregister sends a zero-Expires REGISTER (graceful de-registration).
func (a *Adapter) Unregister(ctx context.Context) error {
	req, err := a.buildRegister(true)
	if err != nil {
		return err
	}
	res, err := a.sendRequest(ctx, req, nil)
	if err != nil || res.statusCode >= 300 {
		a.emit(Event{Kind: EventUnregistered, Err: &SIPError{Kind: ErrKindProtocol, Cause: errors.New("unregister rejected")}})
		return nil
	}
	a.emit(Event{Kind: EventUnregistered})
	return nil
}

func (a *Adapter) buildRegister(unregister bool) (*sip.Request, error) {
	recipient, err := sip.ParseUri(a.cfg.AccountURI)
	if err != nil {
		return nil, errors.Wrap(err, "parse account uri")
	}
	req := sip.NewRequest(sip.REGISTER, recipient)
	a.populateRequest(req, a.nextCSeq(), uuid.NewString())
	expires := a.cfg.RegExpires
	if unregister {
		expires = 0
	}
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expires)))
	if a.cfg.AuthUser != "" {
		req.AppendHeader(sip.NewHeader("X-Auth-User", a.cfg.AuthUser))
	}
	return req, nil
}

// Invite issues an outbound INVITE and returns a DialogHandle for the
// resulting (early or confirmed) dialog.
func (a *Adapter) Invite(ctx context.Context, target string, opts InviteOptions) (DialogHandle, error) {
	recipient, err := sip.ParseUri(target)
	if err != nil {
		return nil, errors.Wrap(err, "parse invite target")
	}
	req := sip.NewRequest(sip.INVITE, recipient)
	a.populateRequest(req, a.nextCSeq(), uuid.NewString())
	if opts.DisplayName != "" {
		req.AppendHeader(sip.NewHeader("Display-Name", opts.DisplayName))
	}

	callID := req.CallID().Value()
	cseqNum := int(req.CSeq().SeqNo)
	d := newDialog(a, callID)
	d.localCSeq = cseqNum
	a.registerDialog(d)

	ch := a.registerPending(callID, cseqNum, string(sip.INVITE))
	if err := a.ws.Send([]byte(req.String())); err != nil {
		a.forgetPending(callID, cseqNum, string(sip.INVITE))
		a.dropDialog(callID)
		return nil, &SIPError{Kind: ErrKindNetwork, Cause: err}
	}
	go d.driveOutbound(ctx, ch)
	return d, nil
}

func (a *Adapter) registerDialog(d *dialog) {
	a.dialogsMu.Lock()
	a.dialogs[d.CallID()] = d
	a.dialogsMu.Unlock()
}

func (a *Adapter) dropDialog(callID string) {
	a.dialogsMu.Lock()
	delete(a.dialogs, callID)
	a.dialogsMu.Unlock()
}

func (a *Adapter) dialogFor(callID string) *dialog {
	a.dialogsMu.Lock()
	defer a.dialogsMu.Unlock()
	return a.dialogs[callID]
}

// handleWireFrame is wsTransport's onMessage callback: every inbound SIP
// message, request or response, arrives here as one complete WebSocket text
// frame (RFC 7118). It is the other half of sendRequest's correlation: a
// response is routed to whichever pending channel matches its Call-ID and
// CSeq, and a request is routed to the matching (or freshly created)
// dialog.
func (a *Adapter) handleWireFrame(frame []byte) {
	f, err := parseInboundFrame(frame)
	if err != nil {
		logging.Warnf("ua: dropping unparsable sip frame: %v", err)
		return
	}

	if f.isResponse {
		cseqNum, cseqMethod := f.cseq()
		a.pendingMu.Lock()
		ch := a.pending[txKey(f.callID(), cseqNum, cseqMethod)]
		a.pendingMu.Unlock()
		if ch == nil {
			logging.Warnf("ua: response for unknown transaction %s %d, dropping", f.callID(), f.statusCode)
			return
		}
		select {
		case ch <- f:
		default:
			logging.Warnf("ua: transaction channel full for %s, dropping response", f.callID())
		}
		return
	}

	switch f.method {
	case string(sip.INVITE):
		a.handleInboundInvite(f)
	case string(sip.BYE):
		a.handleInboundBye(f)
	case string(sip.ACK):
		// ACK confirms a 2xx we already processed into SessEvAccepted.
	default:
		logging.Warnf("ua: unhandled inbound method %s, replying 501", f.method)
		a.respond(f, 501, "Not Implemented")
	}
}

func (a *Adapter) respond(req *inboundFrame, code int, reason string) {
	toTag := uuid.NewString()
	if err := a.ws.Send(buildResponse(req, code, reason, toTag, a.contact, nil)); err != nil {
		logging.Warnf("ua: failed to send %d response: %v", code, err)
	}
}

func (a *Adapter) handleInboundInvite(f *inboundFrame) {
	callID := f.callID()
	d := newDialog(a, callID)
	d.toTag = uuid.NewString()
	a.registerDialog(d)
	d.attachInboundRequest(f)

	a.emit(Event{Kind: EventInvite, Invite: &IncomingInvite{
		CallID:  callID,
		Headers: headersFromFrame(f),
		Dialog:  d,
	}})
}

func (a *Adapter) handleInboundBye(f *inboundFrame) {
	d := a.dialogFor(f.callID())
	a.respond(f, 200, "OK")
	if d == nil {
		return
	}
	d.onRemoteBye(f)
}

func classifyStatus(code sip.StatusCode) ErrorKind {
	switch {
	case code == 401 || code == 403 || code == 407:
		return ErrKindAuth
	case code >= 500:
		return ErrKindProtocol
	default:
		return ErrKindProtocol
	}
}

func headersFromFrame(f *inboundFrame) Headers {
	return Headers{
		PAssertedIdentity:   f.header("P-Asserted-Identity"),
		RemotePartyID:       f.header("Remote-Party-Id"),
		From:                f.header("From"),
		AsteriskHangupCause: f.header("X-Asterisk-Hangupcausecode"),
	}
}
