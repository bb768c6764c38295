package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"

	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/config"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/logger"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/rewrite"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/stats"
)

type contextKey struct {
	name string
}

var clientKey = &contextKey{name: "http-client"}
var settingsKey = &contextKey{name: "settings"}
var connIDKey = &contextKey{name: "conn-id"}

func WithClient(ctx context.Context, client *http.Client) context.Context {
	return context.WithValue(ctx, clientKey, client)
}

func ClientFromContext(ctx context.Context) (*http.Client, bool) {
	clientVal := ctx.Value(clientKey)
	if clientVal == nil {
		return nil, false
	}
	client, ok := clientVal.(*http.Client)
	return client, ok
}

// WithSettings stores the settings snapshot of the connection a request
// arrived on.
func WithSettings(ctx context.Context, s config.Settings) context.Context {
	return context.WithValue(ctx, settingsKey, s)
}

func SettingsFromContext(ctx context.Context) (config.Settings, bool) {
	s, ok := ctx.Value(settingsKey).(config.Settings)
	return s, ok
}

func withConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey, id)
}

func connIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey).(string)
	if id == "" {
		return "-"
	}
	return id
}

// connLog prefixes every message with the connection id.
type connLog struct {
	id string
}

func (l *connLog) Trace(format string, v ...any) {
	if logger.IsLevelEnabled(logger.TRACE) {
		logger.Trace("%s", logger.WithConnID(l.id, format, v...))
	}
}

func (l *connLog) Debug(format string, v ...any) {
	if logger.IsLevelEnabled(logger.DEBUG) {
		logger.Debug("%s", logger.WithConnID(l.id, format, v...))
	}
}

func (l *connLog) Info(format string, v ...any) {
	logger.Info("%s", logger.WithConnID(l.id, format, v...))
}

func (l *connLog) Warn(format string, v ...any) {
	logger.Warn("%s", logger.WithConnID(l.id, format, v...))
}

// Option customizes a Proxy before it starts.
type Option func(*Proxy)

// WithStreamDialer replaces the dialer built from the upstream config.
func WithStreamDialer(d transport.StreamDialer) Option {
	return func(p *Proxy) {
		p.dialer = d
	}
}

// Proxy is one forwarding proxy listener with its own settings, registry
// and tunnel set. Several may run in one process.
type Proxy struct {
	config   *config.Config
	settings config.SettingsProvider
	sink     stats.Sink
	records  *stats.RecordFactory
	dialer   transport.StreamDialer
	adblock  *AdBlocker
	registry *Registry
	tunnels  *tunnelSet

	mu        sync.Mutex
	server    *http.Server
	listener  net.Listener
	rewriter  *rewrite.Engine
	startedAt time.Time
}

// NewProxy creates a proxy for cfg. settings supplies the snapshot taken
// for every accepted connection; sink receives connection records and may
// be nil.
func NewProxy(cfg *config.Config, settings config.SettingsProvider, sink stats.Sink, opts ...Option) (*Proxy, error) {
	if settings == nil {
		settings = config.NewSettingsStore(cfg.Settings)
	}
	if sink == nil {
		sink = stats.DummySink{}
	}

	p := &Proxy{
		config:   cfg,
		settings: settings,
		sink:     sink,
		records:  stats.NewRecordFactory(),
		registry: NewRegistry(),
		tunnels:  newTunnelSet(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.dialer == nil {
		d, err := newStreamDialer(cfg.Upstream)
		if err != nil {
			return nil, err
		}
		p.dialer = d
	}

	blocker, err := newAdBlockerFromConfig(cfg.AdBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to load ad block list: %w", err)
	}
	p.adblock = blocker

	if sub, ok := settings.(interface{ Subscribe(func(config.Settings)) }); ok {
		sub.Subscribe(func(config.Settings) { p.registry.Wake() })
	}

	return p, nil
}

// Start listens on the configured address and serves until Stop.
func (p *Proxy) Start() error {
	listener, err := net.Listen("tcp", p.config.ListenAddress)
	if err != nil {
		return NewProxyError(ErrCodeListenerCreateFailed, "", err)
	}
	return p.StartWithListener(listener)
}

// StartWithListener serves on listener until Stop. It returns
// http.ErrServerClosed after a clean stop.
func (p *Proxy) StartWithListener(listener net.Listener) error {
	origin := p.config.ResolvePublicOrigin(listener.Addr().String())
	wrapped := p.registry.Listen(listener, p.settings)

	server := &http.Server{
		Handler:           http.HandlerFunc(p.handleRequest),
		ReadHeaderTimeout: 30 * time.Second,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			snapshot := p.settings.Current()
			id := ""
			if rc, ok := c.(*registeredConn); ok {
				snapshot = rc.settings
				id = rc.id
			}
			ctx = WithSettings(ctx, snapshot)
			ctx = WithClient(ctx, p.newClient(snapshot))
			ctx = withConnID(ctx, id)
			return ctx
		},
	}

	p.mu.Lock()
	if p.server != nil {
		p.mu.Unlock()
		return fmt.Errorf("proxy already started")
	}
	p.server = server
	p.listener = listener
	p.rewriter = rewrite.New(origin)
	p.startedAt = time.Now()
	p.mu.Unlock()

	logger.Info("Starting proxy server on %s (public origin %s)", listener.Addr().String(), origin)
	return server.Serve(wrapped)
}

// newClient builds the outbound client for one accepted connection.
// Keep-alives are disabled: every forwarded request gets its own origin
// socket, guarded by the snapshot's idle timeout.
func (p *Proxy) newClient(snapshot config.Settings) *http.Client {
	timeout := snapshot.ConnectionTimeout()
	dial := dialContextFunc(p.dialer)

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			logger.Trace("DialContext: network=%s addr=%s", network, addr)
			dialCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			conn, err := dial(dialCtx, network, addr)
			if err != nil {
				return nil, err
			}
			return newIdleConn(conn, timeout, nil), nil
		},
		DisableKeepAlives:     true,
		DisableCompression:    true,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !snapshot.SSLVerification,
		},
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// clientFor returns the connection's client, or a fresh one for requests
// that did not arrive through the listener.
func (p *Proxy) clientFor(r *http.Request) *http.Client {
	if client, ok := ClientFromContext(r.Context()); ok {
		return client
	}
	return p.newClient(p.snapshotFor(r))
}

func (p *Proxy) snapshotFor(r *http.Request) config.Settings {
	if s, ok := SettingsFromContext(r.Context()); ok {
		return s
	}
	return p.settings.Current()
}

func (p *Proxy) rewriteEngine() *rewrite.Engine {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rewriter == nil {
		p.rewriter = rewrite.New(p.config.ResolvePublicOrigin(p.config.ListenAddress))
	}
	return p.rewriter
}

// emit hands a record to the sink when the snapshot has logging enabled.
func (p *Proxy) emit(snapshot config.Settings, url string, status stats.Status, protocol stats.Protocol, userAgent string, elapsed time.Duration) {
	if !snapshot.EnableLogging {
		return
	}
	p.sink.Record(p.records.New(url, status, protocol, userAgent, elapsed))
}

// outcome emits the single record of one attempt.
type outcome struct {
	once      sync.Once
	p         *Proxy
	snapshot  config.Settings
	url       string
	protocol  stats.Protocol
	userAgent string
}

// report emits the record unless one was already emitted, and reports
// whether this call emitted it.
func (o *outcome) report(status stats.Status, elapsed time.Duration) bool {
	emitted := false
	o.once.Do(func() {
		o.p.emit(o.snapshot, o.url, status, o.protocol, o.userAgent, elapsed)
		emitted = true
	})
	return emitted
}

// Addr returns the bound listener address, or "" before start.
func (p *Proxy) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// PublicOrigin returns the origin rewritten links point at.
func (p *Proxy) PublicOrigin() string {
	return p.rewriteEngine().ProxyOrigin()
}

// Settings returns the settings provider of this proxy.
func (p *Proxy) Settings() config.SettingsProvider {
	return p.settings
}

// ActiveConnections returns the number of accepted sockets still open.
func (p *Proxy) ActiveConnections() int {
	return p.registry.Count()
}

// Connections lists the accepted sockets still open.
func (p *Proxy) Connections() []ConnectionInfo {
	return p.registry.Snapshot()
}

// Tunnels lists the CONNECT tunnels currently relaying.
func (p *Proxy) Tunnels() []TunnelInfo {
	return p.tunnels.snapshot()
}

// StartedAt returns when the proxy started serving.
func (p *Proxy) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// Stop shuts the listener down, waits up to five seconds for in-flight
// requests and closes every open tunnel.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	server := p.server
	p.mu.Unlock()
	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := server.Shutdown(ctx)
	if n := p.tunnels.closeAll(); n > 0 {
		logger.Debug("Closed %d open tunnels on stop", n)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		_ = server.Close()
	}
	return err
}
