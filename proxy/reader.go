package proxy

import (
	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

// ReadState is the client-to-remote sequencing state of a connection.
type ReadState int

const (
	ReadInvalid ReadState = iota
	ReadingFirstHeader
	PendingFirstHeader
	ReadingHeader
	ReadingContent
	ReadStopped
)

func (s ReadState) String() string {
	switch s {
	case ReadingFirstHeader:
		return "reading-first-header"
	case PendingFirstHeader:
		return "pending-first-header"
	case ReadingHeader:
		return "reading-header"
	case ReadingContent:
		return "reading-content"
	case ReadStopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// ReadMachine sequences reads on the client leg. All events must be delivered
// from a single goroutine; the machine never blocks and answers each event
// with the next transport operation.
type ReadMachine struct {
	log      *zap.Logger
	scanner  *Scanner
	observer SessionObserver
	delegate ReadDelegate

	state   ReadState
	session ConnectSession
	pending *Header
	info    RequestInfo
}

func NewReadMachine(log *zap.Logger, observer SessionObserver, delegate ReadDelegate) *ReadMachine {
	return &ReadMachine{
		log:      log,
		scanner:  NewScanner(),
		observer: observer,
		delegate: delegate,
	}
}

func (m *ReadMachine) State() ReadState { return m.state }

// Session is valid once the state has left reading-first-header.
func (m *ReadMachine) Session() ConnectSession { return m.session }

// Info is valid once the state has left reading-first-header.
func (m *ReadMachine) Info() RequestInfo { return m.info }

// Open moves the machine out of the invalid state and asks for the first
// header block.
func (m *ReadMachine) Open() NextRead {
	m.state = ReadingFirstHeader
	return NextRead{Kind: ReadHeaderBlock}
}

// Data handles one completed read. The returned NextRead drives the
// transport; a non-nil error means the connection must be torn down.
func (m *ReadMachine) Data(chunk []byte) (NextRead, error) {
	switch m.state {
	case ReadingFirstHeader:
		return m.firstHeader(chunk)
	case PendingFirstHeader:
		return m.flushPending()
	case ReadingHeader, ReadingContent:
		return m.relay(chunk)
	default:
		return NextRead{Kind: ReadStop}, xerrors.Errorf("read event in state %s", m.state)
	}
}

// Disconnected is terminal from any state.
func (m *ReadMachine) Disconnected() {
	m.state = ReadStopped
}

func (m *ReadMachine) firstHeader(chunk []byte) (NextRead, error) {
	res, err := m.scanner.Input(chunk)
	if err != nil {
		m.state = ReadStopped
		return NextRead{Kind: ReadStop}, err
	}
	h := res.Header
	m.session = ConnectSession{Host: h.Host, Port: h.Port}
	m.info = newRequestInfo(h)

	m.log.Debug("session accepted",
		zap.String("host", h.Host),
		zap.Int("port", h.Port),
		zap.Bool("connect", h.IsConnect))

	m.observer.SessionObserved(m.session)
	if err := m.delegate.SessionAccepted(m.session, h); err != nil {
		m.state = ReadStopped
		return NextRead{Kind: ReadStop}, err
	}

	if h.IsConnect {
		m.state = ReadingContent
		return m.scanner.NextAction(), nil
	}

	// Defer delivering the header until the next read-data event, so the
	// session-accept notifications land before any forwarded bytes.
	if err := rewrite(h); err != nil {
		m.state = ReadStopped
		return NextRead{Kind: ReadStop}, err
	}
	m.pending = h
	m.state = PendingFirstHeader
	return NextRead{Kind: ReadAgain}, nil
}

func (m *ReadMachine) flushPending() (NextRead, error) {
	h := m.pending
	m.pending = nil
	if err := m.delegate.Forward(h.Serialize()); err != nil {
		m.state = ReadStopped
		return NextRead{Kind: ReadStop}, err
	}
	return m.advance(m.scanner.NextAction())
}

func (m *ReadMachine) relay(chunk []byte) (NextRead, error) {
	res, err := m.scanner.Input(chunk)
	if err != nil {
		m.state = ReadStopped
		return NextRead{Kind: ReadStop}, err
	}

	var out []byte
	if res.Header != nil {
		if err := rewrite(res.Header); err != nil {
			m.state = ReadStopped
			return NextRead{Kind: ReadStop}, err
		}
		out = res.Header.Serialize()
	} else {
		out = res.Content
	}
	if len(out) > 0 {
		if err := m.delegate.Forward(out); err != nil {
			m.state = ReadStopped
			return NextRead{Kind: ReadStop}, err
		}
	}
	return m.advance(m.scanner.NextAction())
}

func (m *ReadMachine) advance(next NextRead) (NextRead, error) {
	switch next.Kind {
	case ReadHeaderBlock:
		m.state = ReadingHeader
	case ReadContent:
		m.state = ReadingContent
	case ReadStop:
		m.state = ReadStopped
	}
	return next, nil
}

func rewrite(h *Header) error {
	h.RemoveProxyHeaders()
	return h.RewriteToRelativePath()
}

func newRequestInfo(h *Header) RequestInfo {
	info := RequestInfo{Line: h.RequestLine()}
	info.UserAgent, _ = h.Get("User-Agent")
	info.DSID, _ = h.Get("X-DSID")
	info.ClientAppID, _ = h.Get("X-Client-App-Id")
	info.Referer, _ = h.Get("Referer")
	info.ContentType, _ = h.Get("Content-Type")
	return info
}
