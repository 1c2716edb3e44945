// Package logging is the library-wide wrapper over zap.
//
// It exposes a package-level logger with a dynamic level and swappable
// writers, so an embedding application can redirect output (e.g. into a
// CLI's readline buffers) without plumbing a logger through every call.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu           sync.Mutex
	log          *zap.Logger
	level        = zap.NewAtomicLevelAt(zap.InfoLevel)
	encoderCfg   = defaultEncoderConfig()
	stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	stderrWriter = zapcore.Lock(zapcore.AddSync(os.Stderr))
)

func defaultEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// rebuildLocked assumes mu is held.
func rebuildLocked() {
	encoder := zapcore.NewConsoleEncoder(encoderCfg)
	core := zapcore.NewCore(encoder, stdoutWriter, level)
	if log != nil {
		_ = log.Sync()
	}
	log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.ErrorOutput(stderrWriter))
}

// Init sets the global log level. Accepted values: debug, info (default),
// warn, error; comparison is case-insensitive.
func Init(levelName string) {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(levelName) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	rebuildLocked()
}

// SetWriters redirects stdout/stderr. nil means "use the OS default".
func SetWriters(stdout, stderr io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if stdout == nil {
		stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	} else {
		stdoutWriter = zapcore.Lock(zapcore.AddSync(stdout))
	}
	if stderr == nil {
		stderrWriter = zapcore.Lock(zapcore.AddSync(os.Stderr))
	} else {
		stderrWriter = zapcore.Lock(zapcore.AddSync(stderr))
	}
	rebuildLocked()
}

// Logger returns the shared *zap.Logger, building it lazily on first use.
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if log == nil {
		rebuildLocked()
	}
	return log
}

func Info(msg string, fields ...zap.Field) { Logger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field) { Logger().Warn(msg, fields...) }

// Debugf/Warnf/Errorf format with fmt.Sprintf, which is how every call site
// in this module logs: a formatted diagnostic string, not structured
// zap.Field data.
func Debugf(format string, a ...any) { Logger().Debug(fmt.Sprintf(format, a...)) }
func Warnf(format string, a ...any)  { Logger().Warn(fmt.Sprintf(format, a...)) }
func Errorf(format string, a ...any) { Logger().Error(fmt.Sprintf(format, a...)) }
