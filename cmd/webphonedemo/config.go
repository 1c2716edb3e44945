// config.go collects the demo binary's own environment configuration: which
// account to register, which WebSocket/ICE endpoints to use, and where to
// write logs. It is deliberately separate from webphone.TransportConfig,
// which knows nothing about files or the process environment.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/term"

	"webphone"
	"webphone/internal/democonsole"
)

const (
	defaultLogLevel    = "info"
	defaultLogFile     = "data/webphonedemo.log"
	defaultWSTimeout   = 10 * time.Second
	defaultRegExpires  = 600
	defaultUserAgent   = "webphonedemo/1.0"
)

// demoConfig bundles the Client's TransportConfig with the demo process's
// own operational knobs (log level/file) that TransportConfig has no
// business knowing about.
type demoConfig struct {
	Transport webphone.TransportConfig
	LogLevel  string
	LogFile   string
}

// loadDemoConfig reads envPath via godotenv and assembles demoConfig,
// accumulating warnings for anything defaulted rather than failing startup
// over a non-essential setting.
func loadDemoConfig(envPath string) (demoConfig, []string, error) {
	if err := godotenv.Load(envPath); err != nil {
		return demoConfig{}, nil, fmt.Errorf("failed to load .env: %w", err)
	}

	uri := strings.TrimSpace(os.Getenv("SIP_URI"))
	if uri == "" {
		return demoConfig{}, nil, fmt.Errorf("env SIP_URI must be set")
	}
	user := strings.TrimSpace(os.Getenv("SIP_USER"))
	if user == "" {
		return demoConfig{}, nil, fmt.Errorf("env SIP_USER must be set")
	}
	var warnings []string

	password := os.Getenv("SIP_PASSWORD")
	if password == "" {
		pw, err := readPasswordFromTerminal()
		if err != nil {
			return demoConfig{}, nil, fmt.Errorf("failed to read SIP password: %w", err)
		}
		password = pw
	}

	wsServers := splitCSV(os.Getenv("WS_SERVERS"))
	if len(wsServers) == 0 {
		return demoConfig{}, nil, fmt.Errorf("env WS_SERVERS must list at least one wss:// endpoint")
	}

	iceServers := splitCSV(os.Getenv("ICE_SERVERS"))

	wsTimeout := parseDurationSecondsDefault("WS_TIMEOUT_SEC", defaultWSTimeout, &warnings)
	regExpires := parseIntDefault("REG_EXPIRES_SEC", defaultRegExpires, &warnings)
	userAgent := sanitizeString("USER_AGENT", os.Getenv("USER_AGENT"), defaultUserAgent, &warnings)
	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), &warnings)
	logFile := sanitizeString("LOG_FILE", os.Getenv("LOG_FILE"), defaultLogFile, &warnings)

	cfg := demoConfig{
		Transport: webphone.TransportConfig{
			Account: webphone.AccountConfig{
				User:     user,
				Password: password,
				URI:      uri,
			},
			WSServers:           wsServers,
			WSTimeout:           wsTimeout,
			RegistrationExpires: regExpires,
			UserAgentString:     userAgent,
			ICEServers:          iceServers,
		},
		LogLevel: logLevel,
		LogFile:  logFile,
	}
	return cfg, warnings, nil
}

// readPasswordFromTerminal prompts for SIP_PASSWORD on the demo console
// without echoing it, for operators who would rather type a credential than
// leave it sitting in a .env file.
func readPasswordFromTerminal() (string, error) {
	democonsole.Print("SIP_PASSWORD is not set; enter it now: ")
	passwordBytes, err := term.ReadPassword(syscall.Stdin)
	democonsole.Println()
	if err != nil {
		return "", err
	}
	return string(passwordBytes), nil
}

func splitCSV(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func sanitizeString(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		*warnings = append(*warnings, fmt.Sprintf("env %s is not set; using default %q", name, fallback))
		return fallback
	}
	return v
}

func sanitizeLogLevel(level string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	case "":
		*warnings = append(*warnings, fmt.Sprintf("env LOG_LEVEL is not set; using default %q", defaultLogLevel))
		return defaultLogLevel
	default:
		*warnings = append(*warnings, fmt.Sprintf("env LOG_LEVEL value %q is invalid; using default %q", level, defaultLogLevel))
		return defaultLogLevel
	}
}

func parseIntDefault(name string, fallback int, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		*warnings = append(*warnings, fmt.Sprintf("env %s is not set; using default %d", name, fallback))
		return fallback
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("env %s value %q is not a valid integer; using default %d", name, value, fallback))
		return fallback
	}
	return v
}

func parseDurationSecondsDefault(name string, fallback time.Duration, warnings *[]string) time.Duration {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		*warnings = append(*warnings, fmt.Sprintf("env %s is not set; using default %s", name, fallback))
		return fallback
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs <= 0 {
		*warnings = append(*warnings, fmt.Sprintf("env %s value %q is invalid; using default %s", name, value, fallback))
		return fallback
	}
	return time.Duration(secs) * time.Second
}
