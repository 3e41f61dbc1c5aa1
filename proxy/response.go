package proxy

import (
	"bytes"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// StatusUnknown is logged when the response status line cannot be parsed, or
// when no response was observed at all.
const StatusUnknown = -1

type framing int

const (
	framingUnknown framing = iota
	// No header/body separator in the first chunk; the body runs until
	// the connection closes.
	framingCloseDelimited
	framingChunked
	framingContentLength
	framingIdentity
)

// FinalizeFunc receives the accounting result of one exchange.
type FinalizeFunc func(statusCode int, bodyLength, totalBytes int64)

// ResponseTracker infers the message boundary of a tunneled response from the
// live byte stream, purely for accounting. It captures the first chunk
// (status line and headers) and a running byte total; bodies are never
// buffered. Finalization happens exactly once, either when the framing rules
// prove completion or when ForceFinalize is called at disconnect.
type ResponseTracker struct {
	log     *zap.Logger
	onFinal FinalizeFunc

	total         int64
	headerLen     int64
	statusCode    int
	mode          framing
	contentLength int64
	tail          []byte
	seenFirst     bool
	finalized     bool
}

func NewResponseTracker(log *zap.Logger, onFinal FinalizeFunc) *ResponseTracker {
	return &ResponseTracker{
		log:        log,
		onFinal:    onFinal,
		statusCode: StatusUnknown,
	}
}

func (t *ResponseTracker) Finalized() bool { return t.finalized }

// Observe accounts one chunk written toward the client.
func (t *ResponseTracker) Observe(p []byte) {
	if len(p) == 0 {
		return
	}
	t.total += int64(len(p))
	if !t.seenFirst {
		t.seenFirst = true
		t.classify(p)
	}
	t.updateTail(p)
	t.checkComplete()
}

// ForceFinalize closes the exchange with whatever was observed. Safe to call
// after completion; a finalized tracker never emits twice.
func (t *ResponseTracker) ForceFinalize() {
	if t.finalized {
		return
	}
	switch t.mode {
	case framingContentLength:
		if t.bodyBytes() != t.contentLength {
			t.log.Warn("content-length mismatch at disconnect",
				zap.Int64("declared", t.contentLength),
				zap.Int64("observed", t.bodyBytes()))
		}
	case framingChunked:
		t.log.Debug("chunked response cut off at disconnect",
			zap.Int64("observed", t.bodyBytes()))
	}
	t.finalize()
}

func (t *ResponseTracker) classify(first []byte) {
	line := first
	lineLen := int64(len(first))
	if i := bytes.Index(first, []byte("\r\n")); i >= 0 {
		line = first[:i]
		lineLen = int64(i + 2)
	}
	t.statusCode = parseStatusLine(line)
	if t.statusCode == StatusUnknown {
		t.log.Warn("malformed response status line", zap.ByteString("line", line))
	}

	sep := bytes.Index(first, headerDelimiter)
	if sep < 0 {
		// Body follows the status line with no headers to go on.
		t.mode = framingCloseDelimited
		t.headerLen = lineLen
		return
	}
	t.headerLen = int64(sep + 4)

	hdrStart := int(lineLen)
	if hdrStart > sep {
		// Empty header block: the status line's CRLF doubles as the
		// separator.
		hdrStart = sep
	}
	headers := first[hdrStart:sep]
	if te, ok := responseHeaderValue(headers, "Transfer-Encoding"); ok && !strings.EqualFold(te, "identity") {
		t.mode = framingChunked
		return
	}
	if cl, ok := responseHeaderValue(headers, "Content-Length"); ok {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			t.mode = framingContentLength
			t.contentLength = n
			return
		}
	}
	t.mode = framingIdentity
}

func (t *ResponseTracker) checkComplete() {
	if t.finalized {
		return
	}
	switch t.mode {
	case framingChunked:
		if t.bodyBytes() > 0 && bytes.HasSuffix(t.tail, headerDelimiter) {
			t.finalize()
		} else {
			t.log.Debug("chunked response in progress",
				zap.Int64("observed", t.bodyBytes()))
		}
	case framingContentLength:
		if t.bodyBytes() >= t.contentLength {
			if t.bodyBytes() != t.contentLength {
				t.log.Warn("body exceeds declared content-length",
					zap.Int64("declared", t.contentLength),
					zap.Int64("observed", t.bodyBytes()))
			}
			t.finalize()
		}
	}
}

func (t *ResponseTracker) finalize() {
	if t.finalized {
		return
	}
	t.finalized = true
	t.onFinal(t.statusCode, t.bodyBytes(), t.total)
}

func (t *ResponseTracker) bodyBytes() int64 {
	if t.total < t.headerLen {
		return 0
	}
	return t.total - t.headerLen
}

func (t *ResponseTracker) updateTail(p []byte) {
	keep := len(headerDelimiter)
	t.tail = append(t.tail, p...)
	if len(t.tail) > keep {
		t.tail = append(t.tail[:0:0], t.tail[len(t.tail)-keep:]...)
	}
}

// parseStatusLine extracts the status code, or StatusUnknown when the line
// has fewer than three space-separated tokens or a non-numeric code.
func parseStatusLine(line []byte) int {
	parts := strings.Split(strings.TrimSpace(string(line)), " ")
	if len(parts) < 3 {
		return StatusUnknown
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return StatusUnknown
	}
	return code
}

func responseHeaderValue(block []byte, name string) (string, bool) {
	for _, line := range strings.Split(string(block), "\r\n") {
		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(kv[0]), name) {
			return strings.TrimSpace(kv[1]), true
		}
	}
	return "", false
}
