package proxy

import "net"

// ConnectSession is the destination the remote leg must connect to, derived
// once from the first header of a connection.
type ConnectSession struct {
	Host string
	Port int
}

func (s ConnectSession) Addr() string {
	return net.JoinHostPort(s.Host, itoa(s.Port))
}

// SessionObserver is notified once per connection, before any bytes are
// forwarded.
type SessionObserver interface {
	SessionObserved(s ConnectSession)
}

// ReadDelegate receives the read machine's output. SessionAccepted is called
// exactly once, after the observer notification; the remote leg must be
// usable when it returns. Forward delivers client bytes to the remote leg.
type ReadDelegate interface {
	SessionAccepted(s ConnectSession, h *Header) error
	Forward(p []byte) error
}

// WriteDelegate relays remote bytes back to the client.
type WriteDelegate interface {
	Relay(p []byte) error
}

// ForwardObserver is notified once per connection, when the tunnel is ready
// to carry traffic.
type ForwardObserver interface {
	ReadyToForward(s ConnectSession)
}
