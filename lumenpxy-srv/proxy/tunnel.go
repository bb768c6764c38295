package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/stats"
)

// DefaultTunnelPort is used when a CONNECT target has no port.
const DefaultTunnelPort = 443

// allowedTunnelPorts are the only destinations CONNECT may reach.
var allowedTunnelPorts = map[int]bool{
	443:  true,
	8443: true,
	993:  true,
	995:  true,
}

var (
	responseBadRequest  = []byte("HTTP/1.1 400 Bad Request\r\n\r\n")
	responseForbidden   = []byte("HTTP/1.1 403 Forbidden\r\n\r\n")
	responseConnectFail = []byte("HTTP/1.1 500 Connection Failed\r\n\r\n")
)

// IsTunnelPortAllowed reports whether CONNECT may reach port.
func IsTunnelPortAllowed(port int) bool {
	return allowedTunnelPorts[port]
}

// splitTunnelTarget parses a CONNECT authority into host and port.
func splitTunnelTarget(target string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		var addrErr *net.AddrError
		if errors.As(err, &addrErr) && addrErr.Err == "missing port in address" {
			if target == "" {
				return "", 0, NewProxyError(ErrCodeInvalidAddress, "", err)
			}
			return target, DefaultTunnelPort, nil
		}
		return "", 0, NewProxyError(ErrCodeInvalidAddress, "", err)
	}
	if host == "" {
		return "", 0, NewProxyError(ErrCodeInvalidAddress, "empty host", nil)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, NewProxyError(ErrCodeInvalidPort, "", err)
	}
	return host, port, nil
}

// TunnelInfo describes one relaying tunnel.
type TunnelInfo struct {
	ID            string    `json:"id"`
	Target        string    `json:"target"`
	StartedAt     time.Time `json:"startedAt"`
	BytesSent     int64     `json:"bytesSent"`     // client to origin
	BytesReceived int64     `json:"bytesReceived"` // origin to client
}

// tunnelPair is the client-facing and origin-facing socket of one tunnel.
type tunnelPair struct {
	id        string
	target    string
	startedAt time.Time
	client    net.Conn
	origin    net.Conn

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	closeOnce     sync.Once
}

func (t *tunnelPair) close() {
	t.closeOnce.Do(func() {
		_ = t.client.Close()
		_ = t.origin.Close()
	})
}

func (t *tunnelPair) info() TunnelInfo {
	return TunnelInfo{
		ID:            t.id,
		Target:        t.target,
		StartedAt:     t.startedAt,
		BytesSent:     t.bytesSent.Load(),
		BytesReceived: t.bytesReceived.Load(),
	}
}

type tunnelSet struct {
	mu      sync.Mutex
	tunnels map[string]*tunnelPair
}

func newTunnelSet() *tunnelSet {
	return &tunnelSet{tunnels: make(map[string]*tunnelPair)}
}

func (s *tunnelSet) add(t *tunnelPair) {
	s.mu.Lock()
	s.tunnels[t.id] = t
	s.mu.Unlock()
}

func (s *tunnelSet) remove(t *tunnelPair) {
	s.mu.Lock()
	delete(s.tunnels, t.id)
	s.mu.Unlock()
}

func (s *tunnelSet) snapshot() []TunnelInfo {
	s.mu.Lock()
	out := make([]TunnelInfo, 0, len(s.tunnels))
	for _, t := range s.tunnels {
		out = append(out, t.info())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (s *tunnelSet) closeAll() int {
	s.mu.Lock()
	pairs := make([]*tunnelPair, 0, len(s.tunnels))
	for _, t := range s.tunnels {
		pairs = append(pairs, t)
	}
	s.mu.Unlock()

	for _, t := range pairs {
		t.close()
	}
	return len(pairs)
}

// handleConnect establishes a CONNECT tunnel to target and relays bytes
// until both directions finished or either side failed.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request, target string) {
	start := time.Now()
	log := &connLog{id: connIDFromContext(r.Context())}
	sm := newStateMachine(log)
	defer sm.transition(StateClosed)
	snapshot := p.snapshotFor(r)

	sm.transition(StateResolvingTarget)
	host, port, targetErr := splitTunnelTarget(target)

	hj, ok := w.(http.Hijacker)
	if !ok {
		log.Warn("CONNECT to %s: %v", target, NewProxyError(ErrCodeHTTPHijackNotSupported, "", nil))
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		log.Warn("CONNECT to %s: %v", target, NewProxyError(ErrCodeHTTPHijackFailed, "", err))
		return
	}

	if targetErr != nil {
		log.Debug("Refusing CONNECT to %q: %v", target, targetErr)
		_, _ = clientConn.Write(responseBadRequest)
		_ = clientConn.Close()
		return
	}
	if !IsTunnelPortAllowed(port) {
		log.Debug("Refusing CONNECT to %s: %v", target, NewProxyError(ErrCodePortNotAllowed, "", nil))
		refuse(clientConn)
		return
	}
	if snapshot.BlockAds {
		if blocked, domain := p.adblock.Blocked(host); blocked {
			log.Debug("Refusing CONNECT to %s: %v", target, NewProxyError(ErrCodeBlocklistMatch, "matches "+domain, nil))
			refuse(clientConn)
			return
		}
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	result := &outcome{
		p:         p,
		snapshot:  snapshot,
		url:       "https://" + addr,
		protocol:  stats.ProtocolHTTPS,
		userAgent: r.UserAgent(),
	}

	sm.transition(StateAwaitingUpstream)
	timeout := snapshot.ConnectionTimeout()
	dialCtx, cancel := context.WithTimeout(r.Context(), timeout)
	originStream, err := p.dialer.DialStream(dialCtx, addr)
	cancel()
	elapsed := time.Since(start)
	if err != nil {
		perr := classifyDialError(err)
		result.report(stats.StatusFailed, elapsed)
		log.Warn("CONNECT to %s failed: %v", addr, perr)
		_, _ = clientConn.Write(responseConnectFail)
		_ = clientConn.Close()
		return
	}
	originConn := newIdleConn(originStream, timeout, nil)

	established := fmt.Sprintf("HTTP/1.1 200 Connection Established\r\nProxy-agent: %s\r\n\r\n", p.config.ProxyName)
	if _, err := io.WriteString(clientConn, established); err != nil {
		log.Debug("Client left before tunnel to %s was established: %v", addr, err)
		result.report(stats.StatusDisconnected, elapsed)
		_ = clientConn.Close()
		_ = originConn.Close()
		return
	}
	result.report(stats.StatusConnected, elapsed)
	log.Debug("Tunnel to %s established in %s", addr, elapsed.Round(time.Millisecond))

	// Bytes the client sent right after the CONNECT head.
	if n := clientBuf.Reader.Buffered(); n > 0 {
		head, _ := clientBuf.Reader.Peek(n)
		if _, err := originConn.Write(head); err != nil {
			log.Debug("Forwarding %d buffered bytes to %s failed: %v", n, addr, err)
			_ = clientConn.Close()
			_ = originConn.Close()
			return
		}
	}

	pair := &tunnelPair{
		id:        uuid.NewString(),
		target:    addr,
		startedAt: time.Now(),
		client:    clientConn,
		origin:    originConn,
	}
	p.tunnels.add(pair)
	defer p.tunnels.remove(pair)

	sm.transition(StateRelaying)
	if err := relay(pair); err != nil && !isClosedConnError(err) {
		log.Debug("Tunnel to %s ended: %v", addr, err)
	}
	info := pair.info()
	log.Debug("Tunnel to %s closed after %s (%d bytes sent, %d received)",
		addr, time.Since(pair.startedAt).Round(time.Millisecond), info.BytesSent, info.BytesReceived)
}

func refuse(conn net.Conn) {
	_, _ = conn.Write(responseForbidden)
	_ = conn.Close()
}

// relay copies both directions of t concurrently. EOF on one side
// half-closes the peer and leaves the other direction running; any other
// error, including an idle timeout, tears the whole tunnel down.
func relay(t *tunnelPair) error {
	var g errgroup.Group
	g.Go(func() error {
		return pipe(t, t.origin, t.client, &t.bytesSent)
	})
	g.Go(func() error {
		return pipe(t, t.client, t.origin, &t.bytesReceived)
	})
	err := g.Wait()
	t.close()
	return err
}

type countingWriter struct {
	w     io.Writer
	count *atomic.Int64
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.count.Add(int64(n))
	return n, err
}

func pipe(t *tunnelPair, dst, src net.Conn, count *atomic.Int64) error {
	_, err := copyBuffer(countingWriter{w: dst, count: count}, src)
	if err != nil {
		t.close()
		return err
	}
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil && !isClosedConnError(err) {
			t.close()
			return err
		}
		return nil
	}
	t.close()
	return nil
}
