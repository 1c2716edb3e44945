package webphone

import (
	"errors"
	"testing"
	"time"
)

func TestValidateDTMFAccepts(t *testing.T) {
	t.Parallel()
	for _, tones := range []string{"0", "123", "0123456789ABCD", "#*,", "1,2,3"} {
		if err := validateDTMF(tones); err != nil {
			t.Errorf("validateDTMF(%q) = %v, want nil", tones, err)
		}
	}
}

func TestValidateDTMFRejects(t *testing.T) {
	t.Parallel()
	for _, tones := range []string{"", "E", "1 2", "1-2", "!"} {
		var invalid *InvalidDTMFError
		if err := validateDTMF(tones); !errors.As(err, &invalid) {
			t.Errorf("validateDTMF(%q) = %v, want *InvalidDTMFError", tones, err)
		}
	}
}

func TestWSTimeoutDefaultsWhenUnset(t *testing.T) {
	t.Parallel()
	cfg := TransportConfig{}
	if got := cfg.wsTimeout(); got != 10*time.Second {
		t.Fatalf("wsTimeout() = %v, want 10s default", got)
	}
}

func TestWSTimeoutHonorsExplicitValue(t *testing.T) {
	t.Parallel()
	cfg := TransportConfig{WSTimeout: 2 * time.Second}
	if got := cfg.wsTimeout(); got != 2*time.Second {
		t.Fatalf("wsTimeout() = %v, want 2s", got)
	}
}

func TestRegistrationExpiresDefaultsWhenUnset(t *testing.T) {
	t.Parallel()
	cfg := TransportConfig{}
	if got := cfg.registrationExpires(); got != 600 {
		t.Fatalf("registrationExpires() = %d, want 600 default", got)
	}
}

func TestRegistrationExpiresHonorsExplicitValue(t *testing.T) {
	t.Parallel()
	cfg := TransportConfig{RegistrationExpires: 120}
	if got := cfg.registrationExpires(); got != 120 {
		t.Fatalf("registrationExpires() = %d, want 120", got)
	}
}

func TestUAConfigTranslatesFields(t *testing.T) {
	t.Parallel()
	cfg := TransportConfig{
		Account: AccountConfig{
			User:     "alice",
			Password: "s3cr3t",
			URI:      "sip:[email protected]",
		},
		WSServers:           []string{"wss://sip1.example.com", "wss://sip2.example.com"},
		RegistrationExpires: 300,
		UserAgentString:     "webphone-test/1.0",
		ICEServers:          []string{"stun:stun.example.com:19302"},
	}

	got := cfg.uaConfig()
	if got.AccountURI != cfg.Account.URI {
		t.Errorf("AccountURI = %q, want %q", got.AccountURI, cfg.Account.URI)
	}
	if got.AuthUser != cfg.Account.User {
		t.Errorf("AuthUser = %q, want %q", got.AuthUser, cfg.Account.User)
	}
	if got.AuthPassword != cfg.Account.Password {
		t.Errorf("AuthPassword = %q, want %q", got.AuthPassword, cfg.Account.Password)
	}
	if len(got.WSServers) != 2 {
		t.Errorf("WSServers = %v, want 2 entries", got.WSServers)
	}
	if got.WSTimeout != 10*time.Second {
		t.Errorf("WSTimeout = %v, want 10s default", got.WSTimeout)
	}
	if got.RegExpires != 300 {
		t.Errorf("RegExpires = %d, want 300", got.RegExpires)
	}
	if got.UserAgent != cfg.UserAgentString {
		t.Errorf("UserAgent = %q, want %q", got.UserAgent, cfg.UserAgentString)
	}
	if len(got.ICEServers) != 1 {
		t.Errorf("ICEServers = %v, want 1 entry", got.ICEServers)
	}
}
