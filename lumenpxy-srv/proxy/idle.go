package proxy

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var errIdleTimeout = errors.New("connection idle timeout")

// idleWatchdog closes a socket once no read or write completed for the
// configured timeout. Activity only stores a timestamp, so it never races
// with deadlines net/http sets on the same socket.
type idleWatchdog struct {
	timeout      time.Duration
	lastActivity atomic.Int64
	fired        atomic.Bool
	onExpire     func()

	mu    sync.Mutex
	timer *time.Timer
	done  bool
}

// newIdleWatchdog starts watching. onExpire runs at most once, on the timer
// goroutine. A non-positive timeout disables the watchdog.
func newIdleWatchdog(timeout time.Duration, onExpire func()) *idleWatchdog {
	w := &idleWatchdog{timeout: timeout, onExpire: onExpire}
	w.touch()
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, w.check)
	}
	return w
}

func (w *idleWatchdog) touch() {
	w.lastActivity.Store(time.Now().UnixNano())
}

func (w *idleWatchdog) check() {
	idle := time.Since(time.Unix(0, w.lastActivity.Load()))

	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	if idle < w.timeout {
		w.timer.Reset(w.timeout - idle)
		w.mu.Unlock()
		return
	}
	w.done = true
	w.mu.Unlock()

	w.fired.Store(true)
	w.onExpire()
}

// stop disarms the watchdog without running onExpire.
func (w *idleWatchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

// expired reports whether the watchdog closed the socket.
func (w *idleWatchdog) expired() bool {
	return w.fired.Load()
}

// idleConn is a net.Conn guarded by an idleWatchdog. Reads and writes that
// fail after expiry report errIdleTimeout.
type idleConn struct {
	net.Conn
	watchdog *idleWatchdog
}

// newIdleConn guards conn. On expiry onExpire runs, or conn is closed when
// onExpire is nil.
func newIdleConn(conn net.Conn, timeout time.Duration, onExpire func()) *idleConn {
	c := &idleConn{Conn: conn}
	if onExpire == nil {
		onExpire = func() { _ = conn.Close() }
	}
	c.watchdog = newIdleWatchdog(timeout, onExpire)
	return c
}

func (c *idleConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.watchdog.touch()
	}
	return n, c.wrapErr(err)
}

func (c *idleConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.watchdog.touch()
	}
	return n, c.wrapErr(err)
}

func (c *idleConn) wrapErr(err error) error {
	if err != nil && c.watchdog.expired() {
		return &net.OpError{Op: "idle", Net: "tcp", Addr: c.RemoteAddr(), Err: errIdleTimeout}
	}
	return err
}

func (c *idleConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (c *idleConn) CloseRead() error {
	if cr, ok := c.Conn.(interface{ CloseRead() error }); ok {
		return cr.CloseRead()
	}
	return nil
}

func (c *idleConn) Close() error {
	c.watchdog.stop()
	return c.Conn.Close()
}

// IdleExpired reports whether the socket was closed for inactivity.
func (c *idleConn) IdleExpired() bool {
	return c.watchdog.expired()
}
