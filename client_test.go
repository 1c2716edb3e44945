package webphone

import (
	"errors"
	"sync"
	"testing"
	"time"

	"webphone/internal/environment"
	"webphone/internal/media"
	"webphone/internal/reconnect"
)

// stubEnvSource is a minimal environment.Source double so tests never spin
// up the real reachability poller.
type stubEnvSource struct {
	mu     sync.Mutex
	online bool
	subs   map[chan<- environment.Signal]struct{}
}

func newStubEnvSource() *stubEnvSource {
	return &stubEnvSource{online: true, subs: make(map[chan<- environment.Signal]struct{})}
}

func (s *stubEnvSource) Online() bool  { return s.online }
func (s *stubEnvSource) Visible() bool { return true }

func (s *stubEnvSource) Subscribe(ch chan<- environment.Signal) func() {
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
}

func testTransportConfig() TransportConfig {
	return TransportConfig{
		Account: AccountConfig{User: "alice", URI: "sip:[email protected]"},
		WSServers: []string{"wss://sip.example.com"},
	}
}

func TestNewClientWithCustomEnvironmentSourceSkipsNativePoller(t *testing.T) {
	t.Parallel()

	client, err := NewClient(testTransportConfig(), WithEnvironmentSource(newStubEnvSource()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	if client.native != nil {
		t.Fatal("expected no native reachability poller when a custom environment source is supplied")
	}
	if client.Status() != StatusDisconnected {
		t.Fatalf("Status() = %v, want DISCONNECTED before Connect", client.Status())
	}
}

func TestNewClientClosesCleanlyWithoutConnect(t *testing.T) {
	t.Parallel()

	client, err := NewClient(testTransportConfig(), WithEnvironmentSource(newStubEnvSource()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.Close()
	client.Close() // lifecycle shutdown must tolerate being asked twice
}

func TestTranslateConnectErrorMapsSentinels(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   error
		want any
	}{
		{reconnect.ErrWsTimeout, &WsTimeoutError{}},
		{reconnect.ErrAuthRejected, &AuthRejectedError{}},
		{reconnect.ErrRecovering, &RecoveringError{}},
		{reconnect.ErrConnectCancelled, &ConnectCancelledError{}},
	}
	for _, tc := range cases {
		got := translateConnectError(tc.in)
		switch tc.want.(type) {
		case *WsTimeoutError:
			var target *WsTimeoutError
			if !errors.As(got, &target) {
				t.Errorf("translateConnectError(%v) = %T, want *WsTimeoutError", tc.in, got)
			}
		case *AuthRejectedError:
			var target *AuthRejectedError
			if !errors.As(got, &target) {
				t.Errorf("translateConnectError(%v) = %T, want *AuthRejectedError", tc.in, got)
			}
		case *RecoveringError:
			var target *RecoveringError
			if !errors.As(got, &target) {
				t.Errorf("translateConnectError(%v) = %T, want *RecoveringError", tc.in, got)
			}
		case *ConnectCancelledError:
			var target *ConnectCancelledError
			if !errors.As(got, &target) {
				t.Errorf("translateConnectError(%v) = %T, want *ConnectCancelledError", tc.in, got)
			}
		}
	}
}

func TestSubscribeSessionAddedFansOutToAllSubscribers(t *testing.T) {
	t.Parallel()

	client, err := NewClient(testTransportConfig(), WithEnvironmentSource(newStubEnvSource()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	chA, unsubA := client.SubscribeSessionAdded()
	defer unsubA()
	chB, unsubB := client.SubscribeSessionAdded()
	defer unsubB()

	d := newFakeDialog("call-new")
	sess := newSession("call-new", d, nil, nil, true, media.Config{})
	client.addSession(sess)

	for _, ch := range []<-chan *Session{chA, chB} {
		select {
		case got := <-ch:
			if got != sess {
				t.Fatal("subscriber received an unexpected session")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the added session")
		}
	}
}

func TestOnRecoveredAbandonsSessionsWhosePeerConnectionDidNotSurvive(t *testing.T) {
	t.Parallel()

	client, err := NewClient(testTransportConfig(), WithEnvironmentSource(newStubEnvSource()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	survivingPC, err := media.NewPeerConnection(media.Config{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	survivingMedia := media.NewSessionMedia(survivingPC)
	surviving := newSession("call-survive", newFakeDialog("call-survive"), survivingMedia, nil, true, media.Config{})
	surviving.state = SessionActive
	client.addSession(surviving)

	// No Media at all means survivesPeerConnection() is always false.
	doomed := newSession("call-doomed", newFakeDialog("call-doomed"), nil, nil, true, media.Config{})
	doomed.state = SessionActive
	client.addSession(doomed)

	client.onRecovered()

	waitForSessionState(t, doomed, SessionTerminated)
	time.Sleep(10 * time.Millisecond)
	if surviving.State() == SessionTerminated {
		t.Fatal("a session whose peer connection survived must not be abandoned on recovery")
	}
}

func TestOnGiveUpAbandonsEverySession(t *testing.T) {
	t.Parallel()

	client, err := NewClient(testTransportConfig(), WithEnvironmentSource(newStubEnvSource()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	pc, err := media.NewPeerConnection(media.Config{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	sess := newSession("call-giveup", newFakeDialog("call-giveup"), media.NewSessionMedia(pc), nil, true, media.Config{})
	sess.state = SessionActive
	client.addSession(sess)

	client.onGiveUp()

	waitForSessionState(t, sess, SessionTerminated)
}
