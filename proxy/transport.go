package proxy

import (
	"bufio"
	"bytes"
	"io"
	"net"

	"golang.org/x/xerrors"
)

// forwardBufferSize bounds a single unbounded read.
const forwardBufferSize = 32 * 1024

// Stream is the byte-stream transport the state machines are driven by. All
// calls block; the goroutine driving a connection leg owns its stream.
type Stream interface {
	// ReadUntil reads up to and including delim.
	ReadUntil(delim []byte) ([]byte, error)
	// ReadExactly reads exactly n bytes.
	ReadExactly(n int) ([]byte, error)
	// ReadUnbounded reads whatever is available, one chunk at a time.
	ReadUnbounded() ([]byte, error)
	Write(p []byte) error
	Disconnect() error
}

type netStream struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewStream wraps a net.Conn in the Stream contract.
func NewStream(conn net.Conn) Stream {
	return &netStream{conn: conn, r: bufio.NewReader(conn)}
}

func (s *netStream) ReadUntil(delim []byte) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := s.r.ReadBytes('\n')
		buf.Write(line)
		if err != nil {
			return nil, xerrors.Errorf("read until delimiter: %w", err)
		}
		if bytes.HasSuffix(buf.Bytes(), delim) {
			return buf.Bytes(), nil
		}
	}
}

func (s *netStream) ReadExactly(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, xerrors.Errorf("read %d bytes: %w", n, err)
	}
	return buf, nil
}

func (s *netStream) ReadUnbounded() ([]byte, error) {
	buf := make([]byte, forwardBufferSize)
	n, err := s.r.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}

func (s *netStream) Write(p []byte) error {
	_, err := s.conn.Write(p)
	return err
}

func (s *netStream) Disconnect() error {
	return s.conn.Close()
}
