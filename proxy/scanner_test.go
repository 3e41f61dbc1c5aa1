package proxy_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"httpleg/proxy"
)

func TestScanner(t *testing.T) {
	t.Parallel()

	t.Run("connect header switches to unbounded content", func(t *testing.T) {
		t.Parallel()
		s := proxy.NewScanner()
		res, err := s.Input([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n"))
		require.NoError(t, err)
		require.NotNil(t, res.Header)
		require.Equal(t, proxy.NextRead{Kind: proxy.ReadContent, Length: 0}, s.NextAction())
	})

	t.Run("bodyless request loops on headers", func(t *testing.T) {
		t.Parallel()
		s := proxy.NewScanner()
		res, err := s.Input([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
		require.NoError(t, err)
		require.NotNil(t, res.Header)
		require.Equal(t, proxy.NextRead{Kind: proxy.ReadHeaderBlock}, s.NextAction())
	})

	t.Run("declared body alternates content then header", func(t *testing.T) {
		t.Parallel()
		s := proxy.NewScanner()
		res, err := s.Input([]byte("POST /submit HTTP/1.1\r\nHost: example.com\r\nContent-Length: 4\r\n\r\n"))
		require.NoError(t, err)
		require.NotNil(t, res.Header)
		require.Equal(t, proxy.NextRead{Kind: proxy.ReadContent, Length: 4}, s.NextAction())

		res, err = s.Input([]byte("a=1b"))
		require.NoError(t, err)
		require.Equal(t, []byte("a=1b"), res.Content)
		require.Equal(t, proxy.NextRead{Kind: proxy.ReadHeaderBlock}, s.NextAction())
	})

	t.Run("content passes through verbatim", func(t *testing.T) {
		t.Parallel()
		s := proxy.NewScanner()
		_, err := s.Input([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n"))
		require.NoError(t, err)

		payload := []byte{0x16, 0x03, 0x01, 0x00, 0x05}
		res, err := s.Input(payload)
		require.NoError(t, err)
		require.Nil(t, res.Header)
		require.Equal(t, payload, res.Content)
		require.Equal(t, proxy.NextRead{Kind: proxy.ReadContent, Length: 0}, s.NextAction())
	})

	t.Run("empty unbounded chunk stops", func(t *testing.T) {
		t.Parallel()
		s := proxy.NewScanner()
		_, err := s.Input([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n"))
		require.NoError(t, err)

		res, err := s.Input(nil)
		require.NoError(t, err)
		require.Empty(t, res.Content)
		require.Equal(t, proxy.NextRead{Kind: proxy.ReadStop}, s.NextAction())
	})

	t.Run("malformed header propagates", func(t *testing.T) {
		t.Parallel()
		s := proxy.NewScanner()
		_, err := s.Input([]byte("GET\r\n\r\n"))
		require.ErrorIs(t, err, proxy.ErrMalformedHeader)
	})
}
