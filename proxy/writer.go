package proxy

import (
	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

// WriteState is the remote-to-client sequencing state of a connection.
type WriteState int

const (
	WriteInvalid WriteState = iota
	SendingConnectResponse
	Forwarding
	WriteStopped
)

func (s WriteState) String() string {
	switch s {
	case SendingConnectResponse:
		return "sending-connect-response"
	case Forwarding:
		return "forwarding"
	case WriteStopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// connectEstablished is the only response this proxy ever synthesizes.
const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// WriteMachine sequences writes on the client leg. For CONNECT connections it
// sends the tunnel-established response before entering forwarding; otherwise
// it forwards immediately. The ready-to-forward notification fires exactly
// once either way. All events must be delivered from a single goroutine.
type WriteMachine struct {
	log      *zap.Logger
	delegate WriteDelegate
	observer ForwardObserver
	tracker  *ResponseTracker // nil unless the connection is a CONNECT tunnel

	state    WriteState
	session  ConnectSession
	total    int64
	notified bool
}

func NewWriteMachine(log *zap.Logger, delegate WriteDelegate, observer ForwardObserver, tracker *ResponseTracker) *WriteMachine {
	return &WriteMachine{
		log:      log,
		delegate: delegate,
		observer: observer,
		tracker:  tracker,
	}
}

func (m *WriteMachine) State() WriteState { return m.state }

// Total is the number of bytes relayed to the client so far.
func (m *WriteMachine) Total() int64 { return m.total }

// Start is called once the remote leg is established. For CONNECT it sends
// the success status line; the relay returning acknowledges the send.
func (m *WriteMachine) Start(s ConnectSession, isConnect bool) error {
	if m.state != WriteInvalid {
		return xerrors.Errorf("start in state %s", m.state)
	}
	m.session = s

	if isConnect {
		m.state = SendingConnectResponse
		if err := m.delegate.Relay([]byte(connectEstablished)); err != nil {
			m.state = WriteStopped
			return err
		}
	}
	m.state = Forwarding
	m.notifyReady()
	return nil
}

// Data relays one chunk of remote bytes and, for CONNECT tunnels, feeds the
// length analyzer.
func (m *WriteMachine) Data(p []byte) error {
	if m.state != Forwarding {
		return xerrors.Errorf("write event in state %s", m.state)
	}
	if err := m.delegate.Relay(p); err != nil {
		m.state = WriteStopped
		return err
	}
	m.total += int64(len(p))
	if m.tracker != nil {
		m.tracker.Observe(p)
	}
	return nil
}

// Disconnected is terminal; an unfinalized tracker is force-finalized with
// whatever was observed.
func (m *WriteMachine) Disconnected() {
	m.state = WriteStopped
	if m.tracker != nil {
		m.tracker.ForceFinalize()
	}
}

func (m *WriteMachine) notifyReady() {
	if m.notified {
		return
	}
	m.notified = true
	m.log.Debug("ready to forward",
		zap.String("host", m.session.Host),
		zap.Int("port", m.session.Port))
	m.observer.ReadyToForward(m.session)
}
