package environment

import (
	"context"
	"sync"
	"testing"
	"time"
)

// stubSource is a Source double that lets a test push signals on demand.
type stubSource struct {
	mu      sync.Mutex
	online  bool
	visible bool
	subs    map[chan<- Signal]struct{}
}

func newStubSource() *stubSource {
	return &stubSource{online: true, visible: true, subs: make(map[chan<- Signal]struct{})}
}

func (s *stubSource) Online() bool  { s.mu.Lock(); defer s.mu.Unlock(); return s.online }
func (s *stubSource) Visible() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.visible }

func (s *stubSource) Subscribe(ch chan<- Signal) (unsubscribe func()) {
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
}

func (s *stubSource) push(sig Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		ch <- sig
	}
}

func TestCheckRequiredFeaturesAllPresent(t *testing.T) {
	t.Parallel()
	p := New(AllFeatures(), newStubSource())
	if _, ok := p.CheckRequiredFeatures(); !ok {
		t.Fatalf("expected all features present")
	}
}

func TestCheckRequiredFeaturesReportsFirstMissing(t *testing.T) {
	t.Parallel()
	features := StaticFeatures{
		FeatureWebRTC:       true,
		FeatureWebSocket:    false,
		FeatureGetUserMedia: true,
	}
	p := New(features, newStubSource())
	missing, ok := p.CheckRequiredFeatures()
	if ok {
		t.Fatalf("expected a missing feature to be reported")
	}
	if missing != FeatureWebSocket {
		t.Fatalf("missing = %v, want %v", missing, FeatureWebSocket)
	}
}

func TestProbeSubscribeForwardsSignals(t *testing.T) {
	t.Parallel()

	src := newStubSource()
	p := New(AllFeatures(), src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan Signal, 4)
	unsubscribe := p.Subscribe(ctx, ch)
	defer unsubscribe()

	src.push(SignalOffline)

	select {
	case sig := <-ch:
		if sig != SignalOffline {
			t.Fatalf("got %v, want %v", sig, SignalOffline)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded signal")
	}
}

func TestProbeSubscribeStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	src := newStubSource()
	p := New(AllFeatures(), src)

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan Signal, 4)
	p.Subscribe(ctx, ch)
	cancel()

	// Give the unsubscribe goroutine a moment to run, then confirm the
	// source no longer has a live subscriber.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		src.mu.Lock()
		n := len(src.subs)
		src.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected cancellation to unsubscribe from the source")
}
