package proxy

import (
	"net"
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

// Resolver maps a destination host to a dialable address. With no server
// configured the host is returned as-is and the dialer's default resolution
// applies; with one configured, an A query goes to that server directly.
type Resolver struct {
	log    *zap.Logger
	server string
	client *dns.Client
}

func NewResolver(log *zap.Logger, server string) *Resolver {
	if server != "" && !strings.Contains(server, ":") {
		server += ":53"
	}
	return &Resolver{log: log, server: server, client: new(dns.Client)}
}

func (r *Resolver) Resolve(host string) (string, error) {
	if r.server == "" || net.ParseIP(host) != nil {
		return host, nil
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	resp, _, err := r.client.Exchange(m, r.server)
	if err != nil {
		return "", xerrors.Errorf("resolve %s via %s: %w", host, r.server, err)
	}
	for _, ans := range resp.Answer {
		if a, ok := ans.(*dns.A); ok {
			r.log.Debug("resolved destination",
				zap.String("host", host),
				zap.String("ip", a.A.String()))
			return a.A.String(), nil
		}
	}
	return "", xerrors.Errorf("no A records for %s", host)
}
