package proxy

// headerDelimiter separates a header block from the body that follows it.
var headerDelimiter = []byte("\r\n\r\n")

// ReadKind tells the transport what to read next.
type ReadKind int

const (
	// ReadHeaderBlock asks for a delimiter read up to and including the
	// header/body boundary.
	ReadHeaderBlock ReadKind = iota
	// ReadContent asks for an N-byte read, or an unbounded read when
	// Length is 0.
	ReadContent
	// ReadAgain asks for another data event without consuming transport
	// bytes.
	ReadAgain
	// ReadStop terminates the connection's read loop.
	ReadStop
)

// NextRead is the scanner's decision about the next transport operation.
type NextRead struct {
	Kind   ReadKind
	Length int
}

// ScanResult is one classified unit: either a parsed header block or a
// verbatim content chunk.
type ScanResult struct {
	Header  *Header
	Content []byte
}

type scanPhase int

const (
	scanAwaitingHeader scanPhase = iota
	scanAwaitingContent
)

// Scanner incrementally classifies successive byte chunks as header blocks or
// content, and decides the read operation that must produce the next chunk.
// It holds no connection state beyond the current phase.
type Scanner struct {
	phase  scanPhase
	length int // pending content length, 0 means until the peer closes
	next   NextRead
}

func NewScanner() *Scanner {
	return &Scanner{next: NextRead{Kind: ReadHeaderBlock}}
}

// Input consumes one chunk. In the awaiting-header phase the chunk must be a
// complete header block; in the awaiting-content phase it is passed through
// untouched, since bodies are opaque to the proxy.
func (s *Scanner) Input(chunk []byte) (ScanResult, error) {
	switch s.phase {
	case scanAwaitingHeader:
		h, err := ParseHeader(chunk)
		if err != nil {
			return ScanResult{}, err
		}
		s.decideAfterHeader(h)
		return ScanResult{Header: h}, nil

	default:
		if s.length > 0 {
			// Bounded body consumed in one exact read; back to
			// header/content alternation.
			s.phase = scanAwaitingHeader
			s.length = 0
			s.next = NextRead{Kind: ReadHeaderBlock}
		} else if len(chunk) == 0 {
			// Unbounded stream drained by the peer closing.
			s.next = NextRead{Kind: ReadStop}
		} else {
			s.next = NextRead{Kind: ReadContent}
		}
		return ScanResult{Content: chunk}, nil
	}
}

// NextAction reports the transport operation that must produce the next
// chunk. Valid after each successful Input.
func (s *Scanner) NextAction() NextRead {
	return s.next
}

func (s *Scanner) decideAfterHeader(h *Header) {
	switch {
	case h.IsConnect:
		// Tunnel payload flows until the connection closes.
		s.phase = scanAwaitingContent
		s.length = 0
		s.next = NextRead{Kind: ReadContent}
	case h.ContentLength() > 0:
		s.phase = scanAwaitingContent
		s.length = h.ContentLength()
		s.next = NextRead{Kind: ReadContent, Length: s.length}
	default:
		s.phase = scanAwaitingHeader
		s.next = NextRead{Kind: ReadHeaderBlock}
	}
}
