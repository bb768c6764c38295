package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	go_socks5 "github.com/armon/go-socks5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/config"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/stats"
)

func TestSplitTunnelTarget(t *testing.T) {
	tests := []struct {
		target  string
		host    string
		port    int
		wantErr bool
	}{
		{"example.com:443", "example.com", 443, false},
		{"example.com", "example.com", 443, false},
		{"[::1]:8443", "::1", 8443, false},
		{"example.com:0", "", 0, true},
		{"example.com:http", "", 0, true},
		{":443", "", 0, true},
		{"", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			host, port, err := splitTunnelTarget(tt.target)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
		})
	}
}

func TestTunnelRejectsDisallowedPorts(t *testing.T) {
	dialer := &redirectDialer{to: startEchoServer(t)}
	p, sink := startTestProxy(t, testConfig(), WithStreamDialer(dialer))

	for _, port := range []int{80, 22, 9999} {
		t.Run(fmt.Sprintf("port %d", port), func(t *testing.T) {
			conn, br, status := openTunnel(t, p.Addr(), fmt.Sprintf("example.test:%d", port))
			assert.Equal(t, "HTTP/1.1 403 Forbidden\r\n", status)

			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, err := br.ReadByte()
			assert.Error(t, err, "connection should be closed after 403")
		})
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), dialer.dials.Load())
	assert.Empty(t, sink.Records())
}

func TestTunnelAllowedPorts(t *testing.T) {
	for _, port := range []int{443, 8443, 993, 995} {
		assert.True(t, IsTunnelPortAllowed(port), "port %d", port)
	}
	assert.False(t, IsTunnelPortAllowed(80))
}

func TestTunnelEstablishesAndRelays(t *testing.T) {
	dialer := &redirectDialer{to: startEchoServer(t)}
	p, sink := startTestProxy(t, testConfig(), WithStreamDialer(dialer))

	conn, br, status := openTunnel(t, p.Addr(), "secure.test:443")
	require.Equal(t, "HTTP/1.1 200 Connection Established\r\n", status)

	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(br, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	records := sink.waitForRecords(t, 1)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, stats.StatusConnected, rec.Status)
	assert.Equal(t, stats.ProtocolHTTPS, rec.Protocol)
	assert.Equal(t, "https://secure.test:443", rec.URL)
	assert.Equal(t, "tunnel-test", rec.UserAgent)
	require.NotNil(t, rec.ResponseTimeMs)
	assert.GreaterOrEqual(t, *rec.ResponseTimeMs, int64(0))

	assert.Equal(t, []string{"secure.test:443"}, dialer.Requested())
	require.Eventually(t, func() bool { return len(p.Tunnels()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "secure.test:443", p.Tunnels()[0].Target)
}

func TestTunnelStatusLineAndProxyAgent(t *testing.T) {
	dialer := &redirectDialer{to: startEchoServer(t)}
	cfg := testConfig()
	cfg.ProxyName = "TestPXY"
	p, _ := startTestProxy(t, cfg, WithStreamDialer(dialer))

	conn, err := net.Dial("tcp", p.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "CONNECT secure.test:443 HTTP/1.1\r\nHost: secure.test:443\r\n\r\n")
	require.NoError(t, err)

	want := "HTTP/1.1 200 Connection Established\r\nProxy-agent: TestPXY\r\n\r\n"
	buf := make([]byte, len(want))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, want, string(buf), "no relayed byte may precede the status line")
}

func TestTunnelDefaultPort(t *testing.T) {
	dialer := &redirectDialer{to: startEchoServer(t)}
	p, _ := startTestProxy(t, testConfig(), WithStreamDialer(dialer))

	_, _, status := openTunnel(t, p.Addr(), "secure.test")
	assert.Equal(t, "HTTP/1.1 200 Connection Established\r\n", status)
	assert.Equal(t, []string{"secure.test:443"}, dialer.Requested())
}

func TestTunnelForwardsPipelinedBytes(t *testing.T) {
	dialer := &redirectDialer{to: startEchoServer(t)}
	p, _ := startTestProxy(t, testConfig(), WithStreamDialer(dialer))

	conn, err := net.Dial("tcp", p.Addr())
	require.NoError(t, err)
	defer conn.Close()

	// The first payload travels in the same write as the CONNECT head.
	_, err = io.WriteString(conn, "CONNECT secure.test:443 HTTP/1.1\r\nHost: secure.test:443\r\n\r\nhello")
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got strings.Builder
	buf := make([]byte, 256)
	for !strings.HasSuffix(got.String(), "hello") {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	assert.True(t, strings.HasPrefix(got.String(), "HTTP/1.1 200 Connection Established\r\n"))
}

func TestTunnelHalfClose(t *testing.T) {
	dialer := &redirectDialer{to: startEchoServer(t)}
	p, _ := startTestProxy(t, testConfig(), WithStreamDialer(dialer))

	conn, br, status := openTunnel(t, p.Addr(), "secure.test:443")
	require.Equal(t, "HTTP/1.1 200 Connection Established\r\n", status)

	payload := strings.Repeat("half-close ", 1000)
	_, err := io.WriteString(conn, payload)
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	// The echo server only finishes after it saw our EOF, so reading to
	// EOF proves the half-close crossed the tunnel in both directions.
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	got, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))

	require.Eventually(t, func() bool { return len(p.Tunnels()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestTunnelIdleTimeout(t *testing.T) {
	dialer := &redirectDialer{to: startEchoServer(t)}
	cfg := testConfig()
	cfg.Settings.ConnectionTimeoutSeconds = 1
	p, _ := startTestProxy(t, cfg, WithStreamDialer(dialer))

	conn, br, status := openTunnel(t, p.Addr(), "secure.test:443")
	require.Equal(t, "HTTP/1.1 200 Connection Established\r\n", status)

	start := time.Now()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := br.ReadByte()
	elapsed := time.Since(start)

	require.Error(t, err, "idle tunnel should be closed")
	assert.Less(t, elapsed, 2500*time.Millisecond)
	assert.Greater(t, elapsed, 500*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(p.Tunnels()) == 0 && p.ActiveConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTunnelsAreIndependent(t *testing.T) {
	dialer := &redirectDialer{to: startEchoServer(t)}
	p, sink := startTestProxy(t, testConfig(), WithStreamDialer(dialer))

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", p.Addr())
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()

			target := fmt.Sprintf("host-%d.test:443", i)
			_, err = io.WriteString(conn, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n")
			if !assert.NoError(t, err) {
				return
			}

			want := "HTTP/1.1 200 Connection Established\r\nProxy-agent: LumenPXY\r\n\r\n"
			head := make([]byte, len(want))
			_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			if _, err := io.ReadFull(conn, head); !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, want, string(head))

			payload := fmt.Sprintf("payload from tunnel %d", i)
			_, err = io.WriteString(conn, payload)
			if !assert.NoError(t, err) {
				return
			}
			got := make([]byte, len(payload))
			if _, err := io.ReadFull(conn, got); assert.NoError(t, err) {
				assert.Equal(t, payload, string(got))
			}
		}(i)
	}
	wg.Wait()

	records := sink.waitForRecords(t, n)
	assert.Len(t, records, n)
	ids := make(map[string]bool)
	for _, rec := range records {
		assert.Equal(t, stats.StatusConnected, rec.Status)
		ids[rec.ID] = true
	}
	assert.Len(t, ids, n, "record ids must be unique")
}

func TestTunnelDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedAddr := ln.Addr().String()
	require.NoError(t, ln.Close())

	dialer := &redirectDialer{to: closedAddr}
	p, sink := startTestProxy(t, testConfig(), WithStreamDialer(dialer))

	_, _, status := openTunnel(t, p.Addr(), "down.test:443")
	assert.Equal(t, "HTTP/1.1 500 Connection Failed\r\n", status)

	records := sink.waitForRecords(t, 1)
	require.Len(t, records, 1)
	assert.Equal(t, stats.StatusFailed, records[0].Status)
	assert.Equal(t, "https://down.test:443", records[0].URL)
	assert.NotNil(t, records[0].ResponseTimeMs)
}

func TestTunnelBlocksAdDomains(t *testing.T) {
	dialer := &redirectDialer{to: startEchoServer(t)}
	cfg := testConfig()
	cfg.Settings.BlockAds = true
	cfg.AdBlock.Domains = []string{"tracker.test"}
	p, sink := startTestProxy(t, cfg, WithStreamDialer(dialer))

	for _, target := range []string{"ads.doubleclick.net:443", "tracker.test:443", "px.tracker.test:443"} {
		_, _, status := openTunnel(t, p.Addr(), target)
		assert.Equal(t, "HTTP/1.1 403 Forbidden\r\n", status, target)
	}

	_, _, status := openTunnel(t, p.Addr(), "nottracker.test:443")
	assert.Equal(t, "HTTP/1.1 200 Connection Established\r\n", status)

	assert.Equal(t, int64(1), dialer.dials.Load())
	assert.Len(t, sink.waitForRecords(t, 1), 1)
}

func TestTunnelLoggingDisabled(t *testing.T) {
	dialer := &redirectDialer{to: startEchoServer(t)}
	cfg := testConfig()
	cfg.Settings.EnableLogging = false
	p, sink := startTestProxy(t, cfg, WithStreamDialer(dialer))

	_, _, status := openTunnel(t, p.Addr(), "secure.test:443")
	require.Equal(t, "HTTP/1.1 200 Connection Established\r\n", status)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, sink.Records())
}

func TestTunnelThroughSocks5Upstream(t *testing.T) {
	echoAddr := startEchoServer(t)

	var mu sync.Mutex
	var socksTargets []string
	socksServer, err := go_socks5.New(&go_socks5.Config{
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			mu.Lock()
			socksTargets = append(socksTargets, addr)
			mu.Unlock()
			var d net.Dialer
			return d.DialContext(ctx, network, echoAddr)
		},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() { _ = socksServer.Serve(ln) }()

	cfg := testConfig()
	cfg.Upstream = config.UpstreamConfig{Type: config.UpstreamSocks5, Address: ln.Addr().String()}
	p, sink := startTestProxy(t, cfg)

	conn, br, status := openTunnel(t, p.Addr(), "127.0.0.1:443")
	require.Equal(t, "HTTP/1.1 200 Connection Established\r\n", status)

	_, err = io.WriteString(conn, "through socks")
	require.NoError(t, err)
	got := make([]byte, len("through socks"))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(br, got)
	require.NoError(t, err)
	assert.Equal(t, "through socks", string(got))

	mu.Lock()
	assert.Equal(t, []string{"127.0.0.1:443"}, socksTargets)
	mu.Unlock()
	assert.Len(t, sink.waitForRecords(t, 1), 1)
}

func TestStopClosesOpenTunnels(t *testing.T) {
	dialer := &redirectDialer{to: startEchoServer(t)}
	p, _ := startTestProxy(t, testConfig(), WithStreamDialer(dialer))

	conn, br, status := openTunnel(t, p.Addr(), "secure.test:443")
	require.Equal(t, "HTTP/1.1 200 Connection Established\r\n", status)
	require.Eventually(t, func() bool { return len(p.Tunnels()) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, p.Stop())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := br.ReadByte()
	assert.Error(t, err)
}
