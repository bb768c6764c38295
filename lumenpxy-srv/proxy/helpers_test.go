package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/stretchr/testify/require"

	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/config"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/stats"
)

// recordingSink collects records for assertions.
type recordingSink struct {
	mu      sync.Mutex
	records []stats.ConnectionRecord
}

func (s *recordingSink) Record(rec stats.ConnectionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *recordingSink) Records() []stats.ConnectionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stats.ConnectionRecord(nil), s.records...)
}

// waitForRecords waits until at least n records arrived.
func (s *recordingSink) waitForRecords(t *testing.T, n int) []stats.ConnectionRecord {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.Records()) >= n
	}, 3*time.Second, 10*time.Millisecond, "expected %d records", n)
	return s.Records()
}

// redirectDialer sends every dial to a fixed address and remembers what
// was asked for.
type redirectDialer struct {
	to    string
	dials atomic.Int64

	mu        sync.Mutex
	requested []string
}

func (d *redirectDialer) DialStream(ctx context.Context, addr string) (transport.StreamConn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	d.requested = append(d.requested, addr)
	d.mu.Unlock()
	return (&transport.TCPDialer{}).DialStream(ctx, d.to)
}

func (d *redirectDialer) Requested() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.requested...)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.Settings.BlockAds = false
	cfg.Settings.MaxConnections = 50
	cfg.Settings.ConnectionTimeoutSeconds = 5
	return cfg
}

// startTestProxy runs a proxy on a random local port until the test ends.
func startTestProxy(t *testing.T, cfg *config.Config, opts ...Option) (*Proxy, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	p, err := NewProxy(cfg, config.NewSettingsStore(cfg.Settings), sink, opts...)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.StartWithListener(listener); err != nil && err != http.ErrServerClosed {
			t.Errorf("Proxy server error: %v", err)
		}
	}()
	t.Cleanup(func() {
		_ = p.Stop()
		<-done
	})

	require.Eventually(t, func() bool { return p.Addr() != "" }, time.Second, 5*time.Millisecond)
	return p, sink
}

// startEchoServer echoes every connection until the peer half-closes,
// then closes its write side.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				_, _ = io.CopyBuffer(struct{ io.Writer }{c}, struct{ io.Reader }{c}, buf)
				if tcp, ok := c.(*net.TCPConn); ok {
					_ = tcp.CloseWrite()
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// openTunnel sends CONNECT target and returns the connection positioned
// after the response head together with the status line.
func openTunnel(t *testing.T, proxyAddr, target string) (net.Conn, *bufio.Reader, string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", proxyAddr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = io.WriteString(conn, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\nUser-Agent: tunnel-test\r\n\r\n")
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	require.NoError(t, err)
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn, br, status
}
