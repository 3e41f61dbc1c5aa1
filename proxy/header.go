package proxy

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// ErrMalformedHeader is returned when a request line or header line cannot be
// parsed. It is fatal to the connection.
var ErrMalformedHeader = xerrors.New("malformed header")

type headerField struct {
	Name  string
	Value string
}

// Header is a parsed request header block: the request line plus an ordered
// list of fields with case-insensitive names. Host and Port always resolve to
// a real destination once ParseHeader succeeds.
type Header struct {
	Method  string
	Target  string
	Version string

	Host      string
	Port      int
	IsConnect bool

	fields []headerField
}

// ParseHeader parses a raw header block. The block must end at the
// header/body boundary (double CRLF). Later occurrences of a field name
// overwrite earlier ones.
func ParseHeader(raw []byte) (*Header, error) {
	lines := strings.Split(string(raw), "\r\n")

	parts := strings.Split(strings.TrimSpace(lines[0]), " ")
	if len(parts) < 3 {
		return nil, xerrors.Errorf("request line %q: %w", lines[0], ErrMalformedHeader)
	}

	h := &Header{
		Method:  parts[0],
		Target:  parts[1],
		Version: parts[2],
	}
	h.IsConnect = h.Method == "CONNECT"

	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			return nil, xerrors.Errorf("header line %q: %w", line, ErrMalformedHeader)
		}
		h.Set(strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1]))
	}

	if err := h.resolveDestination(); err != nil {
		return nil, err
	}
	return h, nil
}

// Get returns the value of the named field, matching case-insensitively.
func (h *Header) Get(name string) (string, bool) {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Set overwrites the named field in place, or appends it.
func (h *Header) Set(name, value string) {
	for i, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			h.fields[i].Value = value
			return
		}
	}
	h.fields = append(h.fields, headerField{Name: name, Value: value})
}

// Del removes the named field.
func (h *Header) Del(name string) {
	for i, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			h.fields = append(h.fields[:i], h.fields[i+1:]...)
			return
		}
	}
}

// RemoveProxyHeaders strips fields meaningful only between the client and
// this proxy.
func (h *Header) RemoveProxyHeaders() {
	h.Del("Proxy-Connection")
	h.Del("Proxy-Authorization")
}

// RewriteToRelativePath replaces an absolute-URI target with its path and
// query, ensuring a Host field is present. No-op for CONNECT and for targets
// that are already relative.
func (h *Header) RewriteToRelativePath() error {
	if h.IsConnect || !strings.Contains(h.Target, "://") {
		return nil
	}
	authority, _, _, pathq, err := parseAbsoluteURI(h.Target)
	if err != nil {
		return err
	}
	h.Target = pathq
	if _, ok := h.Get("Host"); !ok {
		h.Set("Host", authority)
	}
	return nil
}

// RequestLine re-renders the request line without the trailing CRLF.
func (h *Header) RequestLine() string {
	return fmt.Sprintf("%s %s %s", h.Method, h.Target, h.Version)
}

// Serialize re-renders the request line and fields, in original order, with
// the terminating blank line.
func (h *Header) Serialize() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s\r\n", h.RequestLine())
	for _, f := range h.fields {
		fmt.Fprintf(&b, "%s: %s\r\n", f.Name, f.Value)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// ContentLength returns the declared body length, or 0 if absent or invalid.
func (h *Header) ContentLength() int {
	v, ok := h.Get("Content-Length")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (h *Header) resolveDestination() error {
	if h.IsConnect {
		// The authority must carry an explicit port; a bare host is
		// rejected rather than defaulted.
		idx := strings.LastIndex(h.Target, ":")
		if idx <= 0 || idx == len(h.Target)-1 {
			return xerrors.Errorf("CONNECT target %q has no port: %w", h.Target, ErrMalformedHeader)
		}
		port, err := strconv.Atoi(h.Target[idx+1:])
		if err != nil || port <= 0 || port > 65535 {
			return xerrors.Errorf("CONNECT target %q has a bad port: %w", h.Target, ErrMalformedHeader)
		}
		h.Host = h.Target[:idx]
		h.Port = port
		return nil
	}

	if strings.Contains(h.Target, "://") {
		_, host, port, _, err := parseAbsoluteURI(h.Target)
		if err != nil {
			return err
		}
		h.Host = host
		h.Port = port
		return nil
	}

	hostValue, ok := h.Get("Host")
	if !ok {
		return xerrors.Errorf("relative target %q without Host field: %w", h.Target, ErrMalformedHeader)
	}
	host, port, err := splitHostOptionalPort(hostValue, 80)
	if err != nil {
		return err
	}
	h.Host = host
	h.Port = port
	return nil
}

// parseAbsoluteURI splits an http absolute URI into authority, host, port and
// path+query. Only the http scheme is accepted.
func parseAbsoluteURI(target string) (authority, host string, port int, pathq string, err error) {
	idx := strings.Index(target, "://")
	if !strings.EqualFold(target[:idx], "http") {
		return "", "", 0, "", xerrors.Errorf("unsupported scheme in target %q: %w", target, ErrMalformedHeader)
	}
	rest := target[idx+3:]

	authority = rest
	pathq = "/"
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		authority = rest[:slash]
		pathq = rest[slash:]
	}
	if authority == "" {
		return "", "", 0, "", xerrors.Errorf("empty authority in target %q: %w", target, ErrMalformedHeader)
	}

	host, port, err = splitHostOptionalPort(authority, 80)
	if err != nil {
		return "", "", 0, "", err
	}
	return authority, host, port, pathq, nil
}

func splitHostOptionalPort(s string, def int) (string, int, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return s, def, nil
	}
	port, err := strconv.Atoi(s[idx+1:])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, xerrors.Errorf("bad port in %q: %w", s, ErrMalformedHeader)
	}
	return s[:idx], port, nil
}

func itoa(n int) string { return strconv.Itoa(n) }
