package webphone

import (
	"regexp"
	"time"

	"webphone/internal/ua"
)

// dtmfPattern matches spec.md §4.4's dtmf(tones) precondition: every
// character must be in [0-9A-D#*,].
var dtmfPattern = regexp.MustCompile(`^[0-9A-D#*,]+$`)

func validateDTMF(tones string) error {
	if tones == "" || !dtmfPattern.MatchString(tones) {
		return &InvalidDTMFError{Tones: tones}
	}
	return nil
}

// MediaTemplate is the {id, volume, muted, audioProcessing?} device
// selection template from spec.md §6, used for both capture (input) and
// playback (output) device selection.
type MediaTemplate struct {
	DeviceID        string
	Volume          float64
	Muted           bool
	AudioProcessing bool
}

// MediaConfig groups the input/output templates handed to SessionMedia (C7)
// when a call is established.
type MediaConfig struct {
	Input  MediaTemplate
	Output MediaTemplate
}

// AccountConfig is the registration identity, spec.md §6's `account.*`.
type AccountConfig struct {
	User     string
	Password string
	URI      string
}

// TransportConfig is immutable after construction (spec.md §3): the
// authoritative account, WebSocket endpoints, timeouts and ICE servers.
type TransportConfig struct {
	Account AccountConfig

	// WSServers is the ordered list of wss:// endpoints tried in turn.
	WSServers []string
	// WSTimeout bounds how long Connect waits for transportCreated+registered
	// before failing with WsTimeoutError. Defaults to 10s when zero.
	WSTimeout time.Duration
	// RegistrationExpires is the SIP registration lifetime in seconds.
	RegistrationExpires int
	// UserAgentString is sent as the SIP User-Agent header.
	UserAgentString string
	// ICEServers configures the peer connection's STUN/TURN list.
	ICEServers []string

	Media MediaConfig
}

func (c TransportConfig) wsTimeout() time.Duration {
	if c.WSTimeout <= 0 {
		return 10 * time.Second
	}
	return c.WSTimeout
}

func (c TransportConfig) registrationExpires() int {
	if c.RegistrationExpires <= 0 {
		return 600
	}
	return c.RegistrationExpires
}

// uaConfig translates the public TransportConfig into the internal ua.Config
// the SIP adapter needs.
func (c TransportConfig) uaConfig() ua.Config {
	return ua.Config{
		AccountURI:   c.Account.URI,
		AuthUser:     c.Account.User,
		AuthPassword: c.Account.Password,
		WSServers:    c.WSServers,
		WSTimeout:    c.wsTimeout(),
		UserAgent:    c.UserAgentString,
		RegExpires:   c.registrationExpires(),
		ICEServers:   c.ICEServers,
	}
}
