package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"

	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/config"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/logger"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/proxy"
)

var (
	mode        = flag.String("mode", "tunnel", "What to measure: tunnel (CONNECT relay) or forward (embedded-URL GET)")
	numRequests = flag.Int("numRequests", 100, "Total number of tunnels or requests")
	concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
	testTimeout = flag.Duration("timeout", 30*time.Second, "Overall test timeout")
	dataSize    = flag.Int("dataSize", 1024*1024, "Payload size in bytes per tunnel or request")
)

type result struct {
	bytes int64
	err   error
}

// localDialer sends every CONNECT to the local echo server so the allowed
// tunnel ports need not be bound.
type localDialer struct {
	addr string
	tcp  transport.TCPDialer
}

func (d *localDialer) DialStream(ctx context.Context, _ string) (transport.StreamConn, error) {
	return d.tcp.DialStream(ctx, d.addr)
}

func startEchoServer() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 32*1024)
				_, _ = io.CopyBuffer(struct{ io.Writer }{c}, struct{ io.Reader }{c}, buf)
				if tcp, ok := c.(*net.TCPConn); ok {
					_ = tcp.CloseWrite()
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), nil
}

func startDataServer(payload []byte) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	go func() {
		_ = http.Serve(ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/octet-stream")
			if _, err := w.Write(payload); err != nil {
				logger.Error("failed to write data: %v", err)
			}
		}))
	}()
	return ln.Addr().String(), nil
}

// runTunnel opens one CONNECT tunnel, pushes payload through it and reads
// the echo back.
func runTunnel(ctx context.Context, proxyAddr string, payload []byte) result {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return result{0, fmt.Errorf("dial proxy: %w", err)}
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := io.WriteString(conn, "CONNECT bench.invalid:443 HTTP/1.1\r\nHost: bench.invalid:443\r\n\r\n"); err != nil {
		return result{0, fmt.Errorf("write CONNECT: %w", err)}
	}
	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		return result{0, fmt.Errorf("read status: %w", err)}
	}
	if !strings.Contains(status, " 200 ") {
		return result{0, fmt.Errorf("unexpected status %q", strings.TrimSpace(status))}
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return result{0, fmt.Errorf("read head: %w", err)}
		}
		if line == "\r\n" {
			break
		}
	}

	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Write(payload)
		if err == nil {
			err = conn.(*net.TCPConn).CloseWrite()
		}
		writeErr <- err
	}()

	echoed, err := io.ReadAll(br)
	if err != nil {
		return result{int64(len(echoed)), fmt.Errorf("read echo: %w", err)}
	}
	if err := <-writeErr; err != nil {
		return result{int64(len(echoed)), fmt.Errorf("write payload: %w", err)}
	}
	if !bytes.Equal(echoed, payload) {
		return result{int64(len(echoed)), fmt.Errorf("echo mismatch: got %d bytes, want %d", len(echoed), len(payload))}
	}
	return result{int64(len(payload)) * 2, nil}
}

func runForward(ctx context.Context, client *http.Client, targetURL string) result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, http.NoBody)
	if err != nil {
		return result{0, fmt.Errorf("new request: %w", err)}
	}
	resp, err := client.Do(req)
	if err != nil {
		return result{0, fmt.Errorf("do request: %w", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return result{0, fmt.Errorf("status %d", resp.StatusCode)}
	}
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return result{n, fmt.Errorf("read body: %w", err)}
	}
	if n != int64(*dataSize) {
		return result{n, fmt.Errorf("read %d bytes, want %d", n, *dataSize)}
	}
	return result{n, nil}
}

func main() {
	flag.Parse()
	logger.SetLevel(logger.ERROR)
	if *mode != "tunnel" && *mode != "forward" {
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *testTimeout)
	defer cancel()

	payload := bytes.Repeat([]byte{'a'}, *dataSize)

	echoAddr, err := startEchoServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "echo server: %v\n", err)
		os.Exit(1)
	}
	dataAddr, err := startDataServer(payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "data server: %v\n", err)
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.Settings.BlockAds = false
	cfg.Settings.EnableLogging = false
	cfg.Settings.MaxConnections = *concurrency * 2
	cfg.Settings.ConnectionTimeoutSeconds = 30

	var opts []proxy.Option
	if *mode == "tunnel" {
		opts = append(opts, proxy.WithStreamDialer(&localDialer{addr: echoAddr}))
	}
	p, err := proxy.NewProxy(cfg, nil, nil, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proxy: %v\n", err)
		os.Exit(1)
	}
	proxyLn, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proxy listener: %v\n", err)
		os.Exit(1)
	}
	go func() {
		if err := p.StartWithListener(proxyLn); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "Proxy server error: %v\n", err)
		}
	}()
	defer func() { _ = p.Stop() }()

	proxyAddr := proxyLn.Addr().String()
	client := &http.Client{Timeout: *testTimeout}
	forwardURL := "http://" + proxyAddr + "/http://" + dataAddr + "/data"

	jobs := make(chan struct{})
	results := make(chan result, *numRequests)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				if *mode == "tunnel" {
					results <- runTunnel(ctx, proxyAddr, payload)
				} else {
					results <- runForward(ctx, client, forwardURL)
				}
			}
		}()
	}
	for i := 0; i < *numRequests; i++ {
		jobs <- struct{}{}
	}
	close(jobs)
	wg.Wait()
	close(results)

	success, failures, total := 0, 0, int64(0)
	var firstErr error
	for res := range results {
		if res.err != nil {
			failures++
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		success++
		total += res.bytes
	}
	dur := time.Since(start)

	fmt.Printf("Mode: %s, Duration: %.2f s, Success: %d, Errors: %d\n", *mode, dur.Seconds(), success, failures)
	fmt.Printf("Rate: %.2f/s, Throughput: %.2f MB/s\n", float64(success)/dur.Seconds(), float64(total)/dur.Seconds()/1024/1024)

	if failures > 0 || ctx.Err() == context.DeadlineExceeded {
		if firstErr != nil {
			fmt.Fprintf(os.Stderr, "First error: %v\n", firstErr)
		}
		fmt.Fprintln(os.Stderr, "Test failed: timeout or errors")
		os.Exit(1)
	}
}
