package proxy

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RequestInfo is the slice of a request header kept for the access log.
type RequestInfo struct {
	Line        string
	UserAgent   string
	DSID        string
	ClientAppID string
	Referer     string
	ContentType string
}

// LogRecord is one completed exchange, write-only.
type LogRecord struct {
	Timestamp   time.Time
	RequestLine string
	StatusCode  int
	BodyLength  int64
	UserAgent   string
	DSID        string
	ClientAppID string
	Referer     string
	ContentType string
	TotalBytes  int64
	Duration    time.Duration
}

// AccessLogger appends one tab-separated line per exchange to a shared file
// and mirrors the fields to the structured log. The file is opened, appended
// and closed under a lock per write, so concurrent connections never
// interleave partial lines. A missing or unopenable file drops the line and
// never fails the connection.
type AccessLogger struct {
	log  *zap.Logger
	path string
	mu   sync.Mutex
}

// NewAccessLogger creates an emitter for path; an empty path mirrors to the
// structured log only.
func NewAccessLogger(log *zap.Logger, path string) *AccessLogger {
	return &AccessLogger{log: log, path: path}
}

func (a *AccessLogger) Emit(rec LogRecord) {
	a.log.Info("exchange completed",
		zap.String("request", rec.RequestLine),
		zap.Int("status", rec.StatusCode),
		zap.Int64("bodyLength", rec.BodyLength),
		zap.String("userAgent", orDash(rec.UserAgent)),
		zap.Int64("totalBytes", rec.TotalBytes),
		zap.Duration("duration", rec.Duration))

	if a.path == "" {
		return
	}

	line := formatAccessLine(rec)

	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		a.log.Warn("access log sink unavailable", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		a.log.Warn("access log write failed", zap.Error(err))
	}
}

func formatAccessLine(rec LogRecord) string {
	fields := []string{
		rec.Timestamp.Format("2006-01-02 15:04:05.000"),
		orDash(rec.RequestLine),
		fmt.Sprintf("%d", rec.StatusCode),
		fmt.Sprintf("%d", rec.BodyLength),
		orDash(rec.UserAgent),
		orDash(rec.DSID),
		orDash(rec.ClientAppID),
		orDash(rec.Referer),
		orDash(rec.ContentType),
		fmt.Sprintf("%d", rec.TotalBytes),
		fmt.Sprintf("%.3f", rec.Duration.Seconds()),
	}
	return strings.Join(fields, "\t")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
