package environment

import (
	"context"
	"net"
	"sync"
	"time"

	"webphone/internal/clock"
	"webphone/internal/logging"
)

// NativeSource is the default Source for a non-browser embedding: it polls a
// reachability target to approximate navigator.onLine, and lets the host
// application push visibility changes explicitly (there being no
// document.visibilityState outside a browser tab). This is what spec.md's
// design note means by "encapsulate behind an injected environment object":
// a browser host binding can implement the same Source interface instead.
type NativeSource struct {
	dialTarget string
	interval   time.Duration
	clk        clock.Clock

	mu      sync.Mutex
	online  bool
	visible bool
	subs    map[chan<- Signal]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewNativeSource builds a Source that dials dialTarget (host:port, e.g.
// "1.1.1.1:443") every interval to detect connectivity loss/recovery. The
// dial target should be something reachable independent of the SIP
// registrar, so a registrar outage isn't mistaken for a local network drop.
func NewNativeSource(dialTarget string, interval time.Duration, clk clock.Clock) *NativeSource {
	if clk == nil {
		clk = clock.Real{}
	}
	return &NativeSource{
		dialTarget: dialTarget,
		interval:   interval,
		clk:        clk,
		online:     true,
		visible:    true,
		subs:       make(map[chan<- Signal]struct{}),
	}
}

// Start begins polling in the background until ctx is done or Stop is called.
func (s *NativeSource) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(runCtx)
}

// Stop halts polling.
func (s *NativeSource) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *NativeSource) run(ctx context.Context) {
	defer close(s.done)

	ticker := s.clk.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.poll()
		}
	}
}

func (s *NativeSource) poll() {
	conn, err := net.DialTimeout("tcp", s.dialTarget, 3*time.Second)
	reachable := err == nil
	if conn != nil {
		_ = conn.Close()
	}

	s.mu.Lock()
	was := s.online
	s.online = reachable
	s.mu.Unlock()

	if was == reachable {
		return
	}
	if reachable {
		logging.Info("environment: reachability restored")
		s.broadcast(SignalOnline)
	} else {
		logging.Warn("environment: reachability lost")
		s.broadcast(SignalOffline)
	}
}

// SetVisible lets the host application report focus/visibility changes
// (e.g. a desktop window's focus events, or a WASM host binding forwarding
// document.visibilitychange).
func (s *NativeSource) SetVisible(visible bool) {
	s.mu.Lock()
	was := s.visible
	s.visible = visible
	s.mu.Unlock()

	if was == visible {
		return
	}
	if visible {
		s.broadcast(SignalVisible)
	} else {
		s.broadcast(SignalHidden)
	}
}

func (s *NativeSource) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *NativeSource) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

func (s *NativeSource) Subscribe(ch chan<- Signal) (unsubscribe func()) {
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
}

func (s *NativeSource) broadcast(sig Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- sig:
		default:
			logging.Warnf("environment: subscriber channel full, dropping %s", sig)
		}
	}
}
