// Package media implements spec component C7: binding an externally
// captured media track to a *webrtc.PeerConnection, tracking per-direction
// mute independent of re-INVITE, and supporting device reconfiguration via
// either an in-place track replacement or a caller-driven
// rebuildSessionDescriptionHandler fallback. Capturing the track itself
// (getUserMedia-equivalent enumeration/acquisition) is out of scope per
// spec.md's Non-goals; this package only plumbs what it's handed.
package media

import (
	"sync"

	"github.com/go-faster/errors"
	"github.com/pion/webrtc/v4"

	"webphone/internal/logging"
)

// Config configures the peer connection's ICE behavior.
type Config struct {
	ICEServers []string
}

// NewPeerConnection builds a *webrtc.PeerConnection configured with the
// given STUN/TURN endpoints. TURN credential/discovery logic itself is a
// Non-goal (spec.md §1); callers hand in already-resolved URLs.
func NewPeerConnection(cfg Config) (*webrtc.PeerConnection, error) {
	ice := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, url := range cfg.ICEServers {
		ice = append(ice, webrtc.ICEServer{URLs: []string{url}})
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, errors.Wrap(err, "create peer connection")
	}
	return pc, nil
}

// SessionMedia is exclusively owned by one Session for its entire lifetime
// (spec.md §3's SessionMedia ownership invariant).
type SessionMedia struct {
	mu sync.Mutex

	pc     *webrtc.PeerConnection
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal

	inputDevice  string
	outputDevice string
	inputMuted   bool
	outputMuted  bool
}

// NewSessionMedia wraps an already-built peer connection.
func NewSessionMedia(pc *webrtc.PeerConnection) *SessionMedia {
	return &SessionMedia{pc: pc}
}

// PeerConnection exposes the underlying connection for the stats sampler
// (C8) and the Session's recovery-survival check.
func (m *SessionMedia) PeerConnection() *webrtc.PeerConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pc
}

// BindCaptureTrack attaches the capture track handed in by the embedding
// application to the peer connection.
func (m *SessionMedia) BindCaptureTrack(track webrtc.TrackLocal, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sender, err := m.pc.AddTrack(track)
	if err != nil {
		return errors.Wrap(err, "bind capture track")
	}
	m.sender = sender
	m.track = track
	m.inputDevice = deviceID
	return nil
}

// ReplaceTrack swaps the bound capture track in place — used when the
// embedding app switches input devices. It returns false when the sender
// can't accept the replacement (format/codec mismatch), signalling the
// caller to fall back to rebuildSessionDescriptionHandler and a fresh
// re-INVITE instead (spec.md §4.5).
func (m *SessionMedia) ReplaceTrack(track webrtc.TrackLocal, deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sender == nil {
		return false
	}
	if err := m.sender.ReplaceTrack(track); err != nil {
		logging.Warnf("media: replace track failed, falling back to SDH rebuild: %v", err)
		return false
	}
	m.track = track
	m.inputDevice = deviceID
	return true
}

// Rebind swaps this SessionMedia onto a freshly built peer connection — the
// path a SessionDescriptionHandler rebuild takes when ReplaceTrack can't
// serve a device change (spec.md §4.5) or when recovering a session whose
// old connection didn't survive a transport drop. track/deviceID override
// the previously bound capture track; pass a nil track to keep whatever was
// already bound. The old peer connection is closed once the new one has the
// track attached.
func (m *SessionMedia) Rebind(pc *webrtc.PeerConnection, track webrtc.TrackLocal, deviceID string) error {
	m.mu.Lock()
	old := m.pc
	if track == nil {
		track = m.track
		deviceID = m.inputDevice
	}
	m.pc = pc
	m.sender = nil
	m.mu.Unlock()

	if track != nil {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return errors.Wrap(err, "rebind capture track")
		}
		m.mu.Lock()
		m.sender = sender
		m.track = track
		m.inputDevice = deviceID
		m.mu.Unlock()
	}

	if old != nil {
		if err := old.Close(); err != nil {
			logging.Warnf("media: close old peer connection during rebind: %v", err)
		}
	}
	return nil
}

// SetInputMuted flips the input (microphone) mute flag. Implemented by
// disabling at this plumbing layer rather than by re-INVITE, matching
// spec.md §4.5's mute contract; the embedding app's capture layer is
// expected to honor InputMuted() when feeding samples to the track.
func (m *SessionMedia) SetInputMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputMuted = muted
}

func (m *SessionMedia) InputMuted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputMuted
}

// SetOutputMuted flips the output (speaker) mute flag.
func (m *SessionMedia) SetOutputMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputMuted = muted
}

func (m *SessionMedia) OutputMuted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputMuted
}

func (m *SessionMedia) InputDevice() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputDevice
}

func (m *SessionMedia) OutputDevice() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputDevice
}

// SetOutputDevice records the selected playback device identifier. Actual
// audio rendering is a Non-goal; this is bookkeeping the embedding app reads
// back to drive its own <audio> sink selection equivalent.
func (m *SessionMedia) SetOutputDevice(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputDevice = deviceID
}

// Close stops every bound track and tears down the peer connection. It is
// idempotent and is guaranteed to run on every Session exit path (spec.md
// §4.5, §5's "guaranteed cleanup on every exit path").
func (m *SessionMedia) Close() error {
	m.mu.Lock()
	pc := m.pc
	m.pc = nil
	m.mu.Unlock()

	if pc == nil {
		return nil
	}
	if err := pc.Close(); err != nil {
		return errors.Wrap(err, "close peer connection")
	}
	return nil
}
