// Package webphone is a client library for registering a SIP softphone
// identity over secure WebSocket and carrying call media with WebRTC. The
// Client Facade (this file) exposes connect/disconnect/invite and fans out
// inbound calls; internal/reconnect owns the connection lifecycle and
// recovery state machine that makes this tolerant of transient network loss.
package webphone

import (
	"context"
	"sync"
	"time"

	"webphone/internal/environment"
	"webphone/internal/lifecycle"
	"webphone/internal/logging"
	"webphone/internal/media"
	"webphone/internal/reconnect"
	"webphone/internal/stats"
	"webphone/internal/ua"
)

const defaultReachabilityTarget = "1.1.1.1:443"

// Client is the top-level object an embedding application constructs: one
// per softphone identity. It is safe for concurrent use.
type Client struct {
	cfg       TransportConfig
	engine    *reconnect.Engine
	probe     *environment.Probe
	native    *environment.NativeSource
	lifecycle *lifecycle.Manager

	mu       sync.Mutex
	sessions map[string]*Session

	sessionAddedMu  sync.Mutex
	sessionAddedSub map[chan *Session]struct{}
}

// ClientOption customizes Client construction.
type ClientOption func(*Client)

// WithEnvironmentSource overrides the default reachability-polling
// environment source, e.g. to plug in a browser host binding.
func WithEnvironmentSource(src environment.Source) ClientOption {
	return func(c *Client) {
		c.probe = environment.New(environment.AllFeatures(), src)
	}
}

// NewClient builds a Client over cfg. It does not connect; call Connect.
func NewClient(cfg TransportConfig, opts ...ClientOption) (*Client, error) {
	c := &Client{
		cfg:             cfg,
		sessions:        make(map[string]*Session),
		sessionAddedSub: make(map[chan *Session]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.lifecycle = lifecycle.New(context.Background())

	if c.probe == nil {
		native := environment.NewNativeSource(defaultReachabilityTarget, 10*time.Second, nil)
		c.native = native
		c.probe = environment.New(environment.AllFeatures(), native)

		err := c.lifecycle.Register("environment",
			func(ctx context.Context) error {
				native.Start(ctx)
				return nil
			},
			func(context.Context) error {
				native.Stop()
				return nil
			},
		)
		if err != nil {
			return nil, err
		}
	}

	if missing, ok := c.probe.CheckRequiredFeatures(); !ok {
		return nil, &FeatureUnsupportedError{Feature: missing.String()}
	}

	if err := c.lifecycle.StartAll(); err != nil {
		return nil, err
	}

	c.engine = reconnect.New(cfg.uaConfig(), ua.NewAdapter, c.probe, nil, reconnect.Hooks{
		OnRecovered: c.onRecovered,
		OnGiveUp:    c.onGiveUp,
		OnInvite:    c.onInboundInvite,
	})

	return c, nil
}

// Status returns the current ClientStatus.
func (c *Client) Status() ClientStatus { return c.engine.Status().Current() }

// Subscribe returns a channel that immediately receives the current status
// and every subsequent transition.
func (c *Client) Subscribe() (<-chan ClientStatus, func()) {
	return c.engine.Status().Subscribe()
}

// Connect implements spec.md §4.2/§4.3's connect(). It is idempotent and
// single-flight; see internal/reconnect.Engine.Connect.
func (c *Client) Connect(ctx context.Context) (bool, error) {
	if err := c.engine.Connect(ctx); err != nil {
		return false, translateConnectError(err)
	}
	return true, nil
}

func translateConnectError(err error) error {
	switch {
	case err == reconnect.ErrWsTimeout:
		return &WsTimeoutError{}
	case err == reconnect.ErrAuthRejected:
		return &AuthRejectedError{Cause: err}
	case err == reconnect.ErrRecovering:
		return &RecoveringError{}
	case err == reconnect.ErrConnectCancelled:
		return &ConnectCancelledError{}
	default:
		return err
	}
}

// Disconnect implements spec.md §4.3's disconnect({hasRegistered?}): a
// graceful unregister-then-stop when hasRegistered is true, a forced
// teardown otherwise.
func (c *Client) Disconnect(ctx context.Context, hasRegistered bool) error {
	return c.engine.Disconnect(ctx, hasRegistered)
}

// InviteOptions configures an outbound call.
type InviteOptions struct {
	DisplayName string
}

// Invite places an outbound call; allowed only when CONNECTED (spec.md
// §4.3), rejected otherwise with NotConnectedError.
func (c *Client) Invite(ctx context.Context, target string, opts InviteOptions) (*Session, error) {
	dialog, err := c.engine.Invite(ctx, target, ua.InviteOptions{DisplayName: opts.DisplayName})
	if err != nil {
		if err == reconnect.ErrNotConnected {
			return nil, &NotConnectedError{}
		}
		return nil, err
	}

	sess, err := c.buildSession(dialog, true)
	if err != nil {
		_ = dialog.Bye(ctx)
		return nil, err
	}
	c.addSession(sess)
	return sess, nil
}

func (c *Client) onInboundInvite(invite *ua.IncomingInvite) {
	sess, err := c.buildSession(invite.Dialog, false)
	if err != nil {
		logging.Warnf("webphone: failed to build session for inbound invite %s: %v", invite.CallID, err)
		_ = invite.Dialog.Reject(context.Background(), 500)
		return
	}
	c.addSession(sess)
}

func (c *Client) buildSession(dialog ua.DialogHandle, outbound bool) (*Session, error) {
	mediaConfig := media.Config{ICEServers: c.cfg.ICEServers}
	pc, err := media.NewPeerConnection(mediaConfig)
	if err != nil {
		return nil, err
	}
	m := media.NewSessionMedia(pc)
	sampler := stats.New(pc, nil)
	return newSession(dialog.CallID(), dialog, m, sampler, outbound, mediaConfig), nil
}

func (c *Client) addSession(sess *Session) {
	c.mu.Lock()
	c.sessions[sess.CallID()] = sess
	c.mu.Unlock()

	go func() {
		_ = sess.Terminated(context.Background())
		c.mu.Lock()
		delete(c.sessions, sess.CallID())
		c.mu.Unlock()
	}()

	c.broadcastSessionAdded(sess)
}

// SubscribeSessionAdded returns a channel receiving every Session created
// from here on, for both outbound and inbound invites (spec.md §4.3's
// sessionAdded event).
func (c *Client) SubscribeSessionAdded() (ch <-chan *Session, unsubscribe func()) {
	out := make(chan *Session, 4)
	c.sessionAddedMu.Lock()
	c.sessionAddedSub[out] = struct{}{}
	c.sessionAddedMu.Unlock()

	return out, func() {
		c.sessionAddedMu.Lock()
		delete(c.sessionAddedSub, out)
		c.sessionAddedMu.Unlock()
	}
}

func (c *Client) broadcastSessionAdded(sess *Session) {
	c.sessionAddedMu.Lock()
	defer c.sessionAddedMu.Unlock()
	for ch := range c.sessionAddedSub {
		select {
		case ch <- sess:
		default:
			logging.Warn("webphone: sessionAdded subscriber channel full, dropping")
		}
	}
}

// Sessions returns a snapshot of the currently live sessions.
func (c *Client) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// onRecovered runs after a fresh registration lands during RECOVERING: each
// live session survives only if its peer connection survived the drop
// (spec.md §4.2's conservative recovery rule); the rest are abandoned.
func (c *Client) onRecovered() {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		if !s.survivesPeerConnection() {
			s.abandon()
		}
	}
}

// onGiveUp runs when recovery gives up: every live session is abandoned.
func (c *Client) onGiveUp() {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.abandon()
	}
}

// Close tears down every lifecycle node this Client started, in the exact
// reverse of its start order. Callers supplying their own environment source
// via WithEnvironmentSource own that source's lifecycle themselves.
func (c *Client) Close() {
	if err := c.lifecycle.Shutdown(); err != nil {
		logging.Warnf("webphone: client shutdown: %v", err)
	}
}
