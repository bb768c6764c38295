package proxy

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/config"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/logger"
)

// ConnectionInfo describes one live accepted socket.
type ConnectionInfo struct {
	ID         string          `json:"id"`
	RemoteAddr string          `json:"remoteAddr"`
	AcceptedAt time.Time       `json:"acceptedAt"`
	Timeout    time.Duration   `json:"timeout"`
	Settings   config.Settings `json:"settings"`
}

// Registry tracks every accepted socket from accept to close.
type Registry struct {
	mu    sync.Mutex
	cond  *sync.Cond
	conns map[*registeredConn]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{conns: make(map[*registeredConn]struct{})}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Count returns the number of live sockets.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Snapshot lists the live sockets, oldest first.
func (r *Registry) Snapshot() []ConnectionInfo {
	r.mu.Lock()
	out := make([]ConnectionInfo, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c.info())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AcceptedAt.Before(out[j].AcceptedAt) })
	return out
}

// Wake re-evaluates blocked Accept calls, e.g. after maxConnections grew.
func (r *Registry) Wake() {
	r.mu.Lock()
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *Registry) add(c *registeredConn) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) remove(c *registeredConn) {
	r.mu.Lock()
	delete(r.conns, c)
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Listen wraps ln so that accepted sockets are registered, get the idle
// timeout of the settings snapshot taken at accept, and are only accepted
// while fewer than maxConnections are live.
func (r *Registry) Listen(ln net.Listener, settings config.SettingsProvider) net.Listener {
	return &registryListener{Listener: ln, registry: r, settings: settings}
}

type registryListener struct {
	net.Listener
	registry *Registry
	settings config.SettingsProvider

	closeOnce sync.Once
	closed    bool // guarded by registry.mu
}

func (l *registryListener) Accept() (net.Conn, error) {
	if err := l.waitForSlot(); err != nil {
		return nil, err
	}

	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	snapshot := l.settings.Current()
	rc := &registeredConn{
		id:         uuid.NewString(),
		acceptedAt: time.Now(),
		settings:   snapshot,
		registry:   l.registry,
	}
	rc.idleConn = newIdleConn(conn, snapshot.ConnectionTimeout(), func() {
		logger.Debug("Connection %s idle for %s, closing", rc.id, snapshot.ConnectionTimeout())
		_ = rc.Close()
	})
	l.registry.add(rc)

	logger.Trace("Accepted connection %s from %s (timeout %s, %d live)",
		rc.id, conn.RemoteAddr(), snapshot.ConnectionTimeout(), l.registry.Count())
	return rc, nil
}

func (l *registryListener) waitForSlot() error {
	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	logged := false
	for !l.closed {
		limit := l.settings.Current().MaxConnections
		if limit <= 0 || len(r.conns) < limit {
			return nil
		}
		if !logged {
			logger.Debug("Connection limit %d reached, waiting for a slot", limit)
			logged = true
		}
		r.cond.Wait()
	}
	return net.ErrClosed
}

func (l *registryListener) Close() error {
	err := l.Listener.Close()
	l.closeOnce.Do(func() {
		l.registry.mu.Lock()
		l.closed = true
		l.registry.cond.Broadcast()
		l.registry.mu.Unlock()
	})
	return err
}

// registeredConn is an accepted socket that leaves the registry exactly once.
type registeredConn struct {
	*idleConn
	id         string
	acceptedAt time.Time
	settings   config.Settings
	registry   *Registry

	closeOnce sync.Once
	closeErr  error
}

func (c *registeredConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.idleConn.Close()
		c.registry.remove(c)
		logger.Trace("Closed connection %s after %s", c.id, time.Since(c.acceptedAt).Round(time.Millisecond))
	})
	return c.closeErr
}

func (c *registeredConn) info() ConnectionInfo {
	return ConnectionInfo{
		ID:         c.id,
		RemoteAddr: c.RemoteAddr().String(),
		AcceptedAt: c.acceptedAt,
		Timeout:    c.settings.ConnectionTimeout(),
		Settings:   c.settings,
	}
}
