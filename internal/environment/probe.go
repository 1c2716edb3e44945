// Package environment implements spec component C2: online/offline and
// page-visibility signals, plus the required-feature probe. It follows the
// design note that globals (the teacher's process-wide audioContext/feature
// flags equivalent) must be encapsulated behind an injected object so tests
// can substitute them, mirroring the teacher's connection-manager generation
// channel for "wake everyone waiting on a state change" without reaching for
// a literal browser API binding.
package environment

import (
	"context"
	"sync"
)

// Signal is a single environment transition delivered to the reconnect engine.
type Signal int

const (
	// SignalOnline reports navigator.onLine flipping to true.
	SignalOnline Signal = iota
	// SignalOffline reports navigator.onLine flipping to false.
	SignalOffline
	// SignalVisible reports document.visibilityState becoming "visible".
	SignalVisible
	// SignalHidden reports document.visibilityState becoming "hidden".
	SignalHidden
)

func (s Signal) String() string {
	switch s {
	case SignalOnline:
		return "online"
	case SignalOffline:
		return "offline"
	case SignalVisible:
		return "visible"
	case SignalHidden:
		return "hidden"
	default:
		return "unknown"
	}
}

// Source is the environment collaborator the reconnect engine consumes. A
// production embedding (browser via a host binding, desktop app via OS
// network-change notifications, a test harness) supplies its own
// implementation; nothing in this package assumes a particular host.
type Source interface {
	// Online reports the last known online/offline state synchronously.
	Online() bool
	// Visible reports the last known page/window visibility synchronously.
	Visible() bool
	// Subscribe registers for future transitions. The returned func
	// unsubscribes. Signals is buffered so a slow consumer cannot block
	// the source.
	Subscribe(ch chan<- Signal) (unsubscribe func())
}

// RequiredFeature names a capability the Probe checks for at startup.
type RequiredFeature int

const (
	FeatureWebRTC RequiredFeature = iota
	FeatureWebSocket
	FeatureGetUserMedia
)

func (f RequiredFeature) String() string {
	switch f {
	case FeatureWebRTC:
		return "WebRTC peer connection"
	case FeatureWebSocket:
		return "WebSocket"
	case FeatureGetUserMedia:
		return "getUserMedia"
	default:
		return "unknown feature"
	}
}

// FeatureChecker reports whether a required capability is present in the
// hosting environment. The production implementation wraps whatever native
// bindings the embedding application provides (e.g. a WASM/js host binding
// for a literal browser; the pion/webrtc + gorilla/websocket stack itself
// for a native embedding, which is always present when linked).
type FeatureChecker interface {
	Has(f RequiredFeature) bool
}

// StaticFeatures is a FeatureChecker over a fixed set, useful for both a
// native Go embedding (always true, since the stack is linked in) and tests.
type StaticFeatures map[RequiredFeature]bool

func (s StaticFeatures) Has(f RequiredFeature) bool { return s[f] }

// AllFeatures reports every required feature present; the usual default for
// a native embedding where pion/webrtc and gorilla/websocket are always
// compiled in.
func AllFeatures() StaticFeatures {
	return StaticFeatures{
		FeatureWebRTC:       true,
		FeatureWebSocket:    true,
		FeatureGetUserMedia: true,
	}
}

// Probe checks required features at startup and exposes the current
// online/visibility signals plus a fan-out subscription for the reconnect
// engine and any number of secondary observers (e.g. diagnostics UIs).
type Probe struct {
	features FeatureChecker
	source   Source

	mu   sync.Mutex
	subs map[chan<- Signal]func()
}

// New builds a Probe over the given feature checker and environment source.
func New(features FeatureChecker, source Source) *Probe {
	return &Probe{features: features, source: source, subs: make(map[chan<- Signal]func())}
}

// CheckRequiredFeatures returns the first missing feature, or ok=true if
// every feature the spec requires (WebRTC, WebSocket, getUserMedia) is
// present.
func (p *Probe) CheckRequiredFeatures() (missing RequiredFeature, ok bool) {
	for _, f := range []RequiredFeature{FeatureWebRTC, FeatureWebSocket, FeatureGetUserMedia} {
		if !p.features.Has(f) {
			return f, false
		}
	}
	return 0, true
}

// Online reports the last known online/offline state.
func (p *Probe) Online() bool { return p.source.Online() }

// Visible reports the last known page/window visibility.
func (p *Probe) Visible() bool { return p.source.Visible() }

// Subscribe forwards every future Source transition onto ch until ctx is
// done or the returned unsubscribe is called.
func (p *Probe) Subscribe(ctx context.Context, ch chan<- Signal) (unsubscribe func()) {
	unsub := p.source.Subscribe(ch)
	stop := make(chan struct{})
	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			unsub()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			release()
		case <-stop:
		}
	}()
	return release
}
