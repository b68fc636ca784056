package util

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/time/rate"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm's default logger.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// SetLogLevel sets the minimum level by name: trace, debug, info, warn, error or off.
func SetLogLevel(name string) error {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		pterm.DefaultLogger.Level = pterm.LogLevelTrace
	case "debug":
		pterm.DefaultLogger.Level = pterm.LogLevelDebug
	case "", "info":
		pterm.DefaultLogger.Level = pterm.LogLevelInfo
	case "warn", "warning":
		pterm.DefaultLogger.Level = pterm.LogLevelWarn
	case "error":
		pterm.DefaultLogger.Level = pterm.LogLevelError
	case "off", "disabled":
		pterm.DefaultLogger.Level = pterm.LogLevelDisabled
	default:
		return fmt.Errorf("unknown log level %q", name)
	}
	return nil
}

// ThrottledLogger emits warnings at a bounded rate and counts what it swallowed.
// It is meant for hot paths fed by the remote peer, such as garbage datagrams.
type ThrottledLogger struct {
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewThrottledLogger allows burst messages, refilling one every interval.
func NewThrottledLogger(interval time.Duration, burst int) *ThrottledLogger {
	return &ThrottledLogger{limiter: rate.NewLimiter(rate.Every(interval), burst)}
}

// Warn logs the message if the rate allows and reports whether it did.
func (l *ThrottledLogger) Warn(format string, args ...interface{}) bool {
	if !l.limiter.Allow() {
		l.suppressed.Add(1)
		return false
	}
	msg := fmt.Sprintf(format, args...)
	if n := l.suppressed.Swap(0); n > 0 {
		msg = fmt.Sprintf("%s (%d similar suppressed)", msg, n)
	}
	pterm.DefaultLogger.Warn(msg)
	return true
}
