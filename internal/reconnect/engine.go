// Package reconnect implements spec component C4, the connection lifecycle
// and recovery engine: it owns the single UA Adapter instance, drives the
// DISCONNECTED/CONNECTING/CONNECTED/RECOVERING/DISCONNECTING state machine,
// and retries with jittered backoff when the transport drops mid-call. It is
// the largest and most design-dense package in the module, mirroring the
// teacher's telegram connection manager (generation-channel wait/wake) but
// generalized into an explicit, testable state machine instead of a single
// online/offline bit.
package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"

	"webphone/internal/clock"
	"webphone/internal/environment"
	"webphone/internal/logging"
	"webphone/internal/ua"
)

// Sentinel errors surfaced by Connect/Disconnect/Invite. The root package
// maps these onto its typed public error structs (spec.md §7) so this
// package never needs to import the root package.
var (
	ErrWsTimeout        = errors.New("websocket did not connect in time")
	ErrAuthRejected     = errors.New("registrar rejected credentials")
	ErrRecovering       = errors.New("can not connect while trying to recover")
	ErrNotConnected     = errors.New("client is not connected")
	ErrConnectCancelled = errors.New("connect cancelled by disconnect")
)

// Hooks lets the Client Facade react to recovery outcomes without this
// package knowing anything about Session or media (spec.md §4.2's "active
// sessions survive recovery only if the peer connection survives").
type Hooks struct {
	// OnRecovered is called after a fresh `registered` lands during
	// RECOVERING, right after status flips back to CONNECTED. The Client uses it
	// to ask each live Session whether its peer connection survived.
	OnRecovered func()
	// OnGiveUp is called when recovery abandons (terminal registrar
	// failure, or an explicit Disconnect during RECOVERING). The Client
	// uses it to terminate every live Session with cause
	// recovery-abandoned.
	OnGiveUp func()
	// OnInvite is called for every inbound INVITE surfaced by the current
	// UA, for as long as the engine is watching it.
	OnInvite func(invite *ua.IncomingInvite)
}

const (
	recoveryBase = 500 * time.Millisecond
	recoveryCap  = 30 * time.Second
)

// Engine owns ClientStatus and the single live UA Adapter.
type Engine struct {
	cfg     ua.Config
	factory ua.Factory
	probe   *environment.Probe
	clk     clock.Clock
	hooks   Hooks

	status *StatusStream

	mu            sync.Mutex
	currentUA     ua.UA
	connectWait   chan struct{} // closed when the in-flight connect settles
	connectErr    error
	cancelAttempt context.CancelFunc // cancels the in-flight connect/recovery attempt
}

// New builds an Engine. clk defaults to clock.Real{} when nil.
func New(cfg ua.Config, factory ua.Factory, probe *environment.Probe, clk clock.Clock, hooks Hooks) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{
		cfg:     cfg,
		factory: factory,
		probe:   probe,
		clk:     clk,
		hooks:   hooks,
		status:  NewStatusStream(),
	}
}

// Status returns the StatusStream so callers can read the current status or
// subscribe to transitions.
func (e *Engine) Status() *StatusStream { return e.status }

// CurrentUA returns the live UA Adapter, or nil when not connected. Callers
// (the Client Facade's Invite) must check Status() == StatusConnected first;
// this is a convenience accessor, not itself a synchronization point.
func (e *Engine) CurrentUA() ua.UA {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentUA
}

// Connect implements spec.md §4.2's connect(): idempotent, single-flight,
// and rejecting outright during RECOVERING (testable property 3).
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	switch e.status.Current() {
	case StatusConnected:
		e.mu.Unlock()
		return nil // property 2: resolves true without calling ua.start
	case StatusRecovering:
		e.mu.Unlock()
		return ErrRecovering
	case StatusConnecting:
		wait := e.connectWait
		e.mu.Unlock()
		select {
		case <-wait:
			e.mu.Lock()
			err := e.connectErr
			e.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	case StatusDisconnecting:
		wait := e.connectWait
		e.mu.Unlock()
		if wait != nil {
			select {
			case <-wait:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return e.Connect(ctx)
	}

	// StatusDisconnected: we are the single flight owner.
	wait := make(chan struct{})
	e.connectWait = wait
	e.connectErr = nil
	attemptCtx, cancel := context.WithCancel(context.Background())
	e.cancelAttempt = cancel
	e.status.Set(StatusConnecting)
	e.mu.Unlock()

	err := e.runConnect(ctx, attemptCtx)

	e.mu.Lock()
	e.connectErr = err
	if err != nil {
		e.status.Set(StatusDisconnected)
	} else {
		e.status.Set(StatusConnected)
		go e.watchCurrentUA()
	}
	close(wait)
	e.mu.Unlock()

	return err
}

// classifyDialErr distinguishes a wsTimeout from a connect cancelled by
// Disconnect: dialCtx derives from attemptCtx via context.WithTimeout, so
// its Err() reports context.Canceled when attemptCtx's cancel (armed by
// Disconnect during CONNECTING) fired first, and context.DeadlineExceeded
// when dialCtx's own WSTimeout elapsed first.
func classifyDialErr(dialCtx context.Context) error {
	if errors.Is(dialCtx.Err(), context.Canceled) {
		return ErrConnectCancelled
	}
	return ErrWsTimeout
}

func (e *Engine) runConnect(callerCtx, attemptCtx context.Context) error {
	dialCtx, cancel := context.WithTimeout(attemptCtx, e.cfg.WSTimeout)
	defer cancel()

	newUA, err := e.factory(e.cfg)
	if err != nil {
		return errors.Wrap(err, "build ua")
	}

	if err := newUA.Start(dialCtx); err != nil {
		return classifyDialErr(dialCtx)
	}

	if err := newUA.Register(dialCtx); err != nil {
		_ = newUA.Stop(context.Background())
		var sipErr *ua.SIPError
		if errors.As(err, &sipErr) && sipErr.Kind == ua.ErrKindAuth {
			return ErrAuthRejected
		}
		return classifyDialErr(dialCtx)
	}

	select {
	case <-callerCtx.Done():
		_ = newUA.Stop(context.Background())
		return ErrConnectCancelled
	default:
	}

	e.mu.Lock()
	e.currentUA = newUA
	e.mu.Unlock()
	return nil
}

// watchCurrentUA observes the connected UA's event stream for
// EventDisconnected and kicks off recovery. It exits once the UA it was
// watching is no longer the engine's current UA (superseded by recovery or
// a fresh Connect).
func (e *Engine) watchCurrentUA() {
	e.mu.Lock()
	watched := e.currentUA
	e.mu.Unlock()
	if watched == nil {
		return
	}

	for ev := range watched.Events() {
		switch ev.Kind {
		case ua.EventInvite:
			if e.hooks.OnInvite != nil {
				e.hooks.OnInvite(ev.Invite)
			}
		case ua.EventDisconnected:
			e.mu.Lock()
			stillCurrent := e.currentUA == watched && e.status.Current() == StatusConnected
			e.mu.Unlock()
			if stillCurrent {
				logging.Warn("reconnect: transport lost while connected, entering recovery")
				e.beginRecovery()
			}
			return
		}
	}
}

func (e *Engine) beginRecovery() {
	e.mu.Lock()
	if e.status.Current() != StatusConnected {
		e.mu.Unlock()
		return
	}
	recoverCtx, cancel := context.WithCancel(context.Background())
	e.cancelAttempt = cancel
	e.status.Set(StatusRecovering)
	e.mu.Unlock()

	go e.recoveryLoop(recoverCtx)
}

// recoveryBackOff adapts clock.RecoveryPolicy into a backoff.BackOff driving
// backoff.RetryNotify below. Its NextBackOff does the actual waiting spec.md
// §4.2 requires — suspending for SignalOnline while offline, and waking the
// backoff sleep early on SignalVisible — then returns 0 so RetryNotify's own
// sleep is a no-op; ctx cancellation or a closed online wait map to
// backoff.Stop so RetryNotify unwinds instead of sleeping again.
type recoveryBackOff struct {
	ctx    context.Context
	engine *Engine
	policy *clock.RecoveryPolicy
	sig    <-chan environment.Signal
}

func (b *recoveryBackOff) NextBackOff() time.Duration {
	if b.ctx.Err() != nil {
		return backoff.Stop
	}
	if !b.engine.probe.Online() {
		if !b.engine.waitForOnline(b.ctx, b.sig) {
			return backoff.Stop
		}
	}
	delay := b.policy.NextBackOff()
	if !b.engine.waitBackoff(b.ctx, delay, b.sig) {
		return backoff.Stop
	}
	return 0
}

func (b *recoveryBackOff) Reset() { b.policy.Reset() }

func (e *Engine) recoveryLoop(ctx context.Context) {
	onlineCh := make(chan environment.Signal, 4)
	unsubscribe := e.probe.Subscribe(ctx, onlineCh)
	defer unsubscribe()

	bo := &recoveryBackOff{
		ctx:    ctx,
		engine: e,
		policy: clock.NewRecoveryPolicy(recoveryBase, recoveryCap),
		sig:    onlineCh,
	}

	giveUp := false
	_ = backoff.RetryNotify(func() error {
		newUA, err := e.factory(e.cfg)
		if err != nil {
			return errors.Wrap(err, "rebuild ua")
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.WSTimeout)
		startErr := newUA.Start(attemptCtx)
		var regErr error
		if startErr == nil {
			regErr = newUA.Register(attemptCtx)
		}
		cancel()

		if startErr == nil && regErr == nil {
			e.mu.Lock()
			e.currentUA = newUA
			e.status.Set(StatusConnected)
			e.mu.Unlock()
			if e.hooks.OnRecovered != nil {
				e.hooks.OnRecovered()
			}
			go e.watchCurrentUA()
			return nil
		}

		_ = newUA.Stop(context.Background())

		var sipErr *ua.SIPError
		if errors.As(regErr, &sipErr) && sipErr.Kind == ua.ErrKindAuth {
			giveUp = true
			return backoff.Permanent(ErrAuthRejected)
		}

		attemptErr := startErr
		if attemptErr == nil {
			attemptErr = regErr
		}
		return errors.Wrap(attemptErr, "recovery attempt failed")
	}, bo, func(err error, delay time.Duration) {
		logging.Warnf("reconnect: recovery attempt failed, retrying: %v", err)
	})

	if giveUp {
		e.mu.Lock()
		e.status.Set(StatusDisconnected)
		e.mu.Unlock()
		if e.hooks.OnGiveUp != nil {
			e.hooks.OnGiveUp()
		}
	}
}

func (e *Engine) waitForOnline(ctx context.Context, sig <-chan environment.Signal) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case s := <-sig:
			if s == environment.SignalOnline {
				return true
			}
		}
	}
}

// waitBackoff sleeps for delay, waking early (without counting as a failed
// attempt) on SignalVisible, per spec.md §4.2.
func (e *Engine) waitBackoff(ctx context.Context, delay time.Duration, sig <-chan environment.Signal) bool {
	timer := e.clk.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C():
			return true
		case s := <-sig:
			switch s {
			case environment.SignalVisible:
				return true
			case environment.SignalOffline:
				return e.waitForOnline(ctx, sig)
			}
		}
	}
}

// Disconnect implements spec.md §4.3's disconnect(): graceful
// unregister-then-stop from CONNECTED, cancellation of a pending CONNECTING,
// and abandonment of an in-progress RECOVERING.
func (e *Engine) Disconnect(ctx context.Context, hasRegistered bool) error {
	e.mu.Lock()
	switch e.status.Current() {
	case StatusDisconnected:
		e.mu.Unlock()
		return nil
	case StatusConnecting:
		if e.cancelAttempt != nil {
			e.cancelAttempt()
		}
		wait := e.connectWait
		e.mu.Unlock()
		if wait != nil {
			<-wait
		}
		return nil
	case StatusRecovering:
		if e.cancelAttempt != nil {
			e.cancelAttempt()
		}
		cur := e.currentUA
		e.currentUA = nil
		e.status.Set(StatusDisconnected)
		e.mu.Unlock()
		if e.hooks.OnGiveUp != nil {
			e.hooks.OnGiveUp()
		}
		if cur != nil {
			_ = cur.Stop(context.Background())
		}
		return nil
	case StatusDisconnecting:
		e.mu.Unlock()
		return nil
	}

	// StatusConnected
	cur := e.currentUA
	e.status.Set(StatusDisconnecting)
	e.mu.Unlock()

	if cur != nil {
		if hasRegistered {
			if err := cur.Unregister(ctx); err != nil {
				logging.Warnf("reconnect: graceful unregister failed: %v", err)
			}
		}
		if err := cur.Stop(ctx); err != nil {
			logging.Warnf("reconnect: ua stop failed: %v", err)
		}
	}

	e.mu.Lock()
	e.currentUA = nil
	e.status.Set(StatusDisconnected)
	e.mu.Unlock()
	return nil
}

// Invite passes through to the current UA, enforcing spec.md §4.3's gate
// that invite() is only allowed when CONNECTED.
func (e *Engine) Invite(ctx context.Context, target string, opts ua.InviteOptions) (ua.DialogHandle, error) {
	e.mu.Lock()
	if e.status.Current() != StatusConnected || e.currentUA == nil {
		e.mu.Unlock()
		return nil, ErrNotConnected
	}
	cur := e.currentUA
	e.mu.Unlock()

	return cur.Invite(ctx, target, opts)
}
