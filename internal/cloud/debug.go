package cloud

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hyperengineering/edgeguard/internal/logging"
)

// DebugLogger records every cloud API exchange, including bodies, at debug
// level. A nil *DebugLogger is valid and logs nothing.
type DebugLogger struct {
	logger *slog.Logger
	closer io.Closer
	secret string
}

// NewDebugLogger returns a wire logger, or nil when disabled. Records go to
// logPath as JSON, or to stderr as text when logPath is empty.
func NewDebugLogger(enabled bool, logPath string) (*DebugLogger, error) {
	if !enabled {
		return nil, nil
	}

	cfg := logging.Config{
		Level:     slog.LevelDebug,
		Format:    logging.FormatText,
		Output:    os.Stderr,
		Component: "cloud-wire",
	}

	var closer io.Closer
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open debug log: %w", err)
		}
		cfg.Output = f
		cfg.Format = logging.FormatJSON
		closer = f
	}

	return &DebugLogger{logger: logging.New(cfg), closer: closer}, nil
}

// NewDebugLoggerTo logs to an existing logger. Useful when the host already
// has a debug-level handler.
func NewDebugLoggerTo(logger *slog.Logger) *DebugLogger {
	return &DebugLogger{logger: logging.OrNop(logger)}
}

// Close closes the debug log file, if any.
func (l *DebugLogger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// scrub removes the API key from text that may echo request headers.
func (l *DebugLogger) scrub(s string) string {
	if l.secret == "" {
		return s
	}
	return strings.ReplaceAll(s, l.secret, "[REDACTED]")
}

// LogRequest logs an outgoing request.
func (l *DebugLogger) LogRequest(op, method, url string, body []byte) {
	if l == nil {
		return
	}
	attrs := []any{"op", op, "method", method, "url", url}
	if len(body) > 0 {
		attrs = append(attrs, "body", l.scrub(truncateForLog(string(body), 2000)))
	}
	l.logger.Debug("cloud request", attrs...)
}

// LogResponse logs a response and its latency.
func (l *DebugLogger) LogResponse(op string, statusCode int, body []byte, elapsed time.Duration) {
	if l == nil {
		return
	}
	attrs := []any{"op", op, "status", statusCode, "elapsed_ms", elapsed.Milliseconds()}
	if len(body) > 0 {
		attrs = append(attrs, "body", l.scrub(truncateForLog(string(body), 4000)))
	}
	l.logger.Debug("cloud response", attrs...)
}

// LogError logs a failed exchange.
func (l *DebugLogger) LogError(op string, err error) {
	if l == nil {
		return
	}
	l.logger.Debug("cloud error", "op", op, "error", l.scrub(err.Error()))
}

func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}
