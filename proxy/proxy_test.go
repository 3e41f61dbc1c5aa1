package proxy_test

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"httpleg/proxy"
)

// startProxy runs a proxy on an ephemeral port and returns its address.
func startProxy(t *testing.T, accessLog string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	p := proxy.New(zap.NewNop(), proxy.Config{AccessLog: accessLog})
	go p.Serve(ln)
	return ln.Addr().String()
}

// startOrigin runs a one-shot TCP origin that reads until the header/body
// boundary and answers with response.
func startOrigin(t *testing.T, response string, gotRequest chan<- string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		var req bytes.Buffer
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			req.WriteString(line)
			if line == "\r\n" {
				break
			}
		}
		gotRequest <- req.String()
		conn.Write([]byte(response))
	}()
	return ln.Addr().String()
}

func TestProxyConnectTunnel(t *testing.T) {
	t.Parallel()

	accessLog := filepath.Join(t.TempDir(), "access.log")
	gotRequest := make(chan string, 1)
	origin := startOrigin(t, "HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\npong", gotRequest)
	addr := startProxy(t, accessLog)

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("CONNECT " + origin + " HTTP/1.1\r\nUser-Agent: TestAgent/1.0\r\n\r\n"))
	require.NoError(t, err)

	// Tunnel-established response comes first.
	r := bufio.NewReader(client)
	established := make([]byte, len("HTTP/1.1 200 Connection Established\r\n\r\n"))
	_, err = io.ReadFull(r, established)
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 200 Connection Established\r\n\r\n", string(established))

	// Tunneled bytes pass through unmodified in both directions.
	_, err = client.Write([]byte("GET /ping HTTP/1.1\r\nHost: ignored\r\n\r\n"))
	require.NoError(t, err)

	require.Equal(t, "GET /ping HTTP/1.1\r\nHost: ignored\r\n\r\n", <-gotRequest)

	resp := make([]byte, len("HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\npong"))
	_, err = io.ReadFull(r, resp)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(resp), "pong"))

	// The exchange is finalized by the content-length match and logged once.
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(accessLog)
		return err == nil && strings.Count(string(data), "\n") == 1
	}, 5*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(accessLog)
	require.NoError(t, err)
	fields := strings.Split(strings.TrimSuffix(string(data), "\n"), "\t")
	require.Len(t, fields, 11)
	require.Equal(t, "CONNECT "+origin+" HTTP/1.1", fields[1])
	require.Equal(t, "200", fields[2])
	require.Equal(t, "4", fields[3])
	require.Equal(t, "TestAgent/1.0", fields[4])
}

func TestProxyPlainRequestIsRewritten(t *testing.T) {
	t.Parallel()

	gotRequest := make(chan string, 1)
	origin := startOrigin(t, "HTTP/1.1 204 No Content\r\n\r\n", gotRequest)
	addr := startProxy(t, "")

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("GET http://" + origin + "/hello HTTP/1.1\r\n" +
		"Host: " + origin + "\r\n" +
		"Proxy-Connection: keep-alive\r\n\r\n"))
	require.NoError(t, err)

	forwarded := <-gotRequest
	require.True(t, strings.HasPrefix(forwarded, "GET /hello HTTP/1.1\r\n"),
		"absolute URI must be rewritten to a relative path, got %q", forwarded)
	require.NotContains(t, forwarded, "Proxy-Connection")
	require.Contains(t, forwarded, "Host: "+origin)

	resp := make([]byte, len("HTTP/1.1 204 No Content\r\n\r\n"))
	_, err = io.ReadFull(bufio.NewReader(client), resp)
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 204 No Content\r\n\r\n", string(resp))
}

func TestProxyMalformedRequestDisconnects(t *testing.T) {
	t.Parallel()

	addr := startProxy(t, "")

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("GET\r\n\r\n"))
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	_, err = client.Read(buf)
	require.Error(t, err, "the connection closes without forwarding anything")
}
