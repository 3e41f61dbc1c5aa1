package proxy

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

type Config struct {
	Listen    string
	AccessLog string
	// DNSServer, when set, resolves destinations directly instead of the
	// system resolver.
	DNSServer   string
	DialTimeout time.Duration
	// IdleTimeout bounds a whole connection; 0 disables it.
	IdleTimeout time.Duration
}

type Proxy struct {
	log      *zap.Logger
	cfg      Config
	access   *AccessLogger
	resolver *Resolver
}

func New(log *zap.Logger, cfg Config) *Proxy {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Proxy{
		log:      log,
		cfg:      cfg,
		access:   NewAccessLogger(log, cfg.AccessLog),
		resolver: NewResolver(log, cfg.DNSServer),
	}
}

// Start runs the proxy server
func (p *Proxy) Start() error {
	listener, err := net.Listen("tcp", p.cfg.Listen)
	if err != nil {
		return err
	}
	return p.Serve(listener)
}

// Serve accepts connections on an existing listener.
func (p *Proxy) Serve(listener net.Listener) error {
	defer listener.Close()

	p.log.Info("Proxy server started", zap.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			p.log.Error("Error accepting connection", zap.Error(err))
			continue
		}

		go p.handleConnection(conn)
	}
}

func (p *Proxy) handleConnection(client net.Conn) {
	defer client.Close()
	if p.cfg.IdleTimeout > 0 {
		client.SetDeadline(time.Now().Add(p.cfg.IdleTimeout))
	}

	log := p.log.With(zap.String("conn", uuid.NewString()))
	c := newConnection(p, log, NewStream(client))
	c.run()
}

// connection drives one client/remote socket pair. The client leg goroutine
// owns the read machine, the remote leg goroutine owns the write machine;
// neither machine is ever touched from anywhere else.
type connection struct {
	proxy *Proxy
	log   *zap.Logger

	client Stream
	remote Stream

	reader  *ReadMachine
	writer  *WriteMachine
	tracker *ResponseTracker

	group     *errgroup.Group
	canceled  atomic.Bool
	start     time.Time
	isConnect bool
	emitted   bool
}

func newConnection(p *Proxy, log *zap.Logger, client Stream) *connection {
	c := &connection{
		proxy:  p,
		log:    log,
		client: client,
		start:  time.Now(),
	}
	c.reader = NewReadMachine(log, c, c)
	return c
}

func (c *connection) run() {
	c.group = new(errgroup.Group)
	c.group.Go(c.clientLeg)
	if err := c.group.Wait(); err != nil {
		c.log.Error("connection failed", zap.Error(err))
	}
	c.teardown()
}

func (c *connection) clientLeg() error {
	next := c.reader.Open()
	for {
		if c.canceled.Load() {
			return nil
		}

		var chunk []byte
		var err error
		switch next.Kind {
		case ReadHeaderBlock:
			chunk, err = c.client.ReadUntil(headerDelimiter)
		case ReadContent:
			if next.Length > 0 {
				chunk, err = c.client.ReadExactly(next.Length)
			} else {
				chunk, err = c.client.ReadUnbounded()
			}
		case ReadAgain:
			// Deliver the buffered unit without touching the transport.
		case ReadStop:
			c.reader.Disconnected()
			c.closeRemote()
			return nil
		}
		if err != nil {
			c.reader.Disconnected()
			c.closeRemote()
			return nil
		}

		next, err = c.reader.Data(chunk)
		if err != nil {
			c.cancel()
			c.closeRemote()
			return err
		}
	}
}

func (c *connection) remoteLeg() error {
	for {
		if c.canceled.Load() {
			c.writer.Disconnected()
			return nil
		}

		chunk, err := c.remote.ReadUnbounded()
		if len(chunk) > 0 {
			if werr := c.writer.Data(chunk); werr != nil {
				c.writer.Disconnected()
				c.client.Disconnect()
				return nil
			}
		}
		if err != nil {
			c.writer.Disconnected()
			c.client.Disconnect()
			return nil
		}
	}
}

// SessionAccepted dials the remote leg and starts the write machine. Called
// once per connection by the read machine.
func (c *connection) SessionAccepted(s ConnectSession, h *Header) error {
	c.isConnect = h.IsConnect

	ip, err := c.proxy.resolver.Resolve(s.Host)
	if err != nil {
		return err
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(ip, itoa(s.Port)), c.proxy.cfg.DialTimeout)
	if err != nil {
		return xerrors.Errorf("connect to %s: %w", s.Addr(), err)
	}
	if c.proxy.cfg.IdleTimeout > 0 {
		conn.SetDeadline(time.Now().Add(c.proxy.cfg.IdleTimeout))
	}
	c.remote = NewStream(conn)

	if h.IsConnect {
		c.tracker = NewResponseTracker(c.log, c.finalizeExchange)
	}
	c.writer = NewWriteMachine(c.log, c, c, c.tracker)
	if err := c.writer.Start(s, h.IsConnect); err != nil {
		return err
	}
	c.group.Go(c.remoteLeg)
	return nil
}

// Forward delivers client bytes to the remote leg.
func (c *connection) Forward(p []byte) error {
	return c.remote.Write(p)
}

// Relay delivers remote bytes to the client.
func (c *connection) Relay(p []byte) error {
	return c.client.Write(p)
}

func (c *connection) SessionObserved(s ConnectSession) {
	c.log.Info("session observed",
		zap.String("host", s.Host),
		zap.Int("port", s.Port))
}

func (c *connection) ReadyToForward(s ConnectSession) {
	c.log.Info("forwarding",
		zap.String("host", s.Host),
		zap.Int("port", s.Port))
}

func (c *connection) finalizeExchange(status int, bodyLen, total int64) {
	c.emitted = true
	info := c.reader.Info()
	c.proxy.access.Emit(LogRecord{
		Timestamp:   time.Now(),
		RequestLine: info.Line,
		StatusCode:  status,
		BodyLength:  bodyLen,
		UserAgent:   info.UserAgent,
		DSID:        info.DSID,
		ClientAppID: info.ClientAppID,
		Referer:     info.Referer,
		ContentType: info.ContentType,
		TotalBytes:  total,
		Duration:    time.Since(c.start),
	})
}

func (c *connection) teardown() {
	c.cancel()
	c.client.Disconnect()
	c.closeRemote()

	if c.tracker != nil {
		c.tracker.ForceFinalize()
	}
	// Plain-HTTP exchanges have no tracker; account them here.
	if !c.emitted && c.writer != nil {
		c.finalizeExchange(StatusUnknown, c.writer.Total(), c.writer.Total())
	}
}

func (c *connection) cancel() {
	c.canceled.Store(true)
}

func (c *connection) closeRemote() {
	if c.remote != nil {
		c.remote.Disconnect()
	}
}
