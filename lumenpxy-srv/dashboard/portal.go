package dashboard

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/config"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/dashboard/templates"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/logger"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/proxy"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/stats"
)

const (
	// SessionCookieName is the name of the authentication session cookie
	SessionCookieName = "lumenpxy_session"
	// SessionTimeout is the duration for which sessions are valid
	SessionTimeout = 24 * time.Hour
	// maxBodyBytes bounds JSON request bodies
	maxBodyBytes = 1 << 20
)

// ProxyInterface defines what the admin API needs from a running proxy.
type ProxyInterface interface {
	Addr() string
	PublicOrigin() string
	Settings() config.SettingsProvider
	ActiveConnections() int
	Connections() []proxy.ConnectionInfo
	Tunnels() []proxy.TunnelInfo
	StartedAt() time.Time
}

// Portal serves the admin API on its own listener.
type Portal struct {
	config    *config.Config
	store     stats.Store
	hub       *stats.Hub
	proxy     ProxyInterface
	jwtSecret []byte

	mu     sync.Mutex
	server *http.Server
	addr   string
}

// NewPortal creates a new portal instance. hub may be nil, which disables
// the live event stream.
func NewPortal(cfg *config.Config, store stats.Store, hub *stats.Hub, p ProxyInterface) *Portal {
	secret := []byte(cfg.Dashboard.JWTSecret)
	if len(secret) == 0 {
		// Generate a random JWT secret on the fly
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			secret = fmt.Appendf(nil, "lumenpxy-portal-%d", time.Now().UnixNano())
		}
	}
	if store == nil {
		store = stats.NewDummyStore()
	}

	return &Portal{
		config:    cfg,
		store:     store,
		hub:       hub,
		proxy:     p,
		jwtSecret: secret,
	}
}

// Serve answers admin requests on listener until Shutdown.
func (p *Portal) Serve(listener net.Listener) error {
	server := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
	}

	p.mu.Lock()
	if p.server != nil {
		p.mu.Unlock()
		return fmt.Errorf("portal already started")
	}
	p.server = server
	p.addr = listener.Addr().String()
	p.mu.Unlock()

	logger.Info("Starting admin API on %s (authentication %t)", p.addr, p.requiresAuthentication())
	return server.Serve(listener)
}

// Addr returns the bound admin listener address, or "" before Serve.
func (p *Portal) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// Shutdown stops the admin listener and waits for in-flight requests.
func (p *Portal) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	server := p.server
	p.mu.Unlock()
	if server == nil {
		return nil
	}
	logger.Info("Portal resources cleaned up")
	return server.Shutdown(ctx)
}

// ServeHTTP handles HTTP requests for the portal
func (p *Portal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger.Debug("Portal request: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)

	if p.requiresAuthentication() && r.URL.Path != "/login" && !p.isAuthenticated(r) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	switch r.URL.Path {
	case "/":
		p.serveStatusPage(w, r)
	case "/api/connections":
		switch r.Method {
		case http.MethodGet:
			p.serveConnections(w, r)
		case http.MethodDelete:
			p.clearConnections(w, r)
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodDelete)
		}
	case "/api/settings":
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, p.proxy.Settings().Current())
		case http.MethodPut, http.MethodPatch:
			p.updateSettings(w, r)
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodPut)
		}
	case "/api/status":
		p.serveStatus(w, r)
	case "/api/live":
		writeJSON(w, LiveResponse{
			Connections: p.proxy.Connections(),
			Tunnels:     p.proxy.Tunnels(),
			Timestamp:   time.Now(),
		})
	case "/api/browse":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		p.serveBrowse(w, r)
	case "/api/test-connection":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		p.serveTestConnection(w, r)
	case "/api/events":
		p.serveEvents(w, r)
	case "/login":
		p.serveLogin(w, r)
	case "/logout":
		p.serveLogout(w, r)
	default:
		http.NotFound(w, r)
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
}

// serveConnections lists stored records, newest first.
func (p *Portal) serveConnections(w http.ResponseWriter, r *http.Request) {
	filter := stats.Filter{Status: stats.Status(r.URL.Query().Get("status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid status filter")
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		filter.Limit = limit
	}

	records, err := p.store.List(r.Context(), filter)
	if err != nil {
		logger.Error("Failed to get connections: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to get connections")
		return
	}
	if records == nil {
		records = []stats.ConnectionRecord{}
	}
	writeJSON(w, records)
}

func (p *Portal) clearConnections(w http.ResponseWriter, r *http.Request) {
	if err := p.store.Clear(r.Context()); err != nil {
		logger.Error("Failed to clear connections: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to clear connections")
		return
	}
	logger.Info("Connection records cleared from %s", r.RemoteAddr)
	writeJSON(w, ClearResponse{Message: "Connections cleared"})
}

// updateSettings applies a partial settings patch. Connections already
// accepted keep their snapshot.
func (p *Portal) updateSettings(w http.ResponseWriter, r *http.Request) {
	var patch config.SettingsPatch
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid settings data", Details: err.Error()})
		return
	}

	updated, err := p.proxy.Settings().Update(patch)
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid settings data", Details: err.Error()})
		return
	}
	logger.Info("Settings updated from %s: %+v", r.RemoteAddr, updated)
	writeJSON(w, updated)
}

func (p *Portal) serveStatus(w http.ResponseWriter, r *http.Request) {
	recent, err := p.store.List(r.Context(), stats.Filter{Status: stats.StatusConnected})
	if err != nil {
		logger.Error("Failed to get status: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to get status")
		return
	}

	uptime := 0.0
	if started := p.proxy.StartedAt(); !started.IsZero() {
		uptime = time.Since(started).Seconds()
	}
	writeJSON(w, StatusResponse{
		IsOnline:               p.proxy.Addr() != "",
		ProxyPort:              p.proxyPort(),
		PublicOrigin:           p.proxy.PublicOrigin(),
		ActiveConnections:      p.proxy.ActiveConnections(),
		ActiveTunnels:          len(p.proxy.Tunnels()),
		Settings:               p.proxy.Settings().Current(),
		RecentConnectionsCount: len(recent),
		Uptime:                 uptime,
	})
}

func (p *Portal) proxyPort() int {
	_, port, err := net.SplitHostPort(p.proxy.Addr())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

// readTargetURL decodes {"url": ...} and validates it as an absolute
// http(s) URL, answering 400 itself on failure.
func readTargetURL(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req URLRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return "", false
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "URL is required")
		return "", false
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "Invalid URL format")
		return "", false
	}
	return req.URL, true
}

func (p *Portal) serveBrowse(w http.ResponseWriter, r *http.Request) {
	target, ok := readTargetURL(w, r)
	if !ok {
		return
	}
	origin := p.proxy.PublicOrigin()
	writeJSON(w, BrowseResponse{
		Success:      true,
		Message:      "Ready to browse through proxy",
		ProxyURL:     origin + "/" + target,
		DirectAccess: fmt.Sprintf("Use the proxy server at %s in your browser settings", strings.TrimPrefix(origin, "http://")),
	})
}

// serveTestConnection fetches the URL through the running proxy listener.
func (p *Portal) serveTestConnection(w http.ResponseWriter, r *http.Request) {
	target, ok := readTargetURL(w, r)
	if !ok {
		return
	}

	resp := TestConnectionResponse{ProxyURL: p.proxy.PublicOrigin()}
	status, err := p.probe(r.Context(), target)
	if err != nil {
		logger.Debug("Connection test to %s failed: %v", target, err)
		resp.StatusCode = http.StatusBadGateway
		resp.Message = "Connection test failed: " + err.Error()
		writeJSON(w, resp)
		return
	}
	resp.StatusCode = status
	if status >= 500 {
		resp.Message = fmt.Sprintf("Proxy answered with status %d", status)
		writeJSON(w, resp)
		return
	}
	resp.Success = true
	resp.Message = fmt.Sprintf("Connection successful (status %d)", status)
	writeJSON(w, resp)
}

func (p *Portal) probe(ctx context.Context, target string) (int, error) {
	host, port, err := net.SplitHostPort(p.proxy.Addr())
	if err != nil {
		return 0, fmt.Errorf("proxy is not listening")
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	proxyURL := &url.URL{Scheme: "http", Host: net.JoinHostPort(host, port)}

	settings := p.proxy.Settings().Current()
	client := &http.Client{
		Timeout: settings.ConnectionTimeout(),
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			DisableKeepAlives: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", "lumenpxy-connection-test")
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// serveStatusPage serves a simple status page
func (p *Portal) serveStatusPage(w http.ResponseWriter, _ *http.Request) {
	settings := p.proxy.Settings().Current()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, err := fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
	<title>%[1]s</title>
	<style>
		body { font-family: sans-serif; text-align: center; padding-top: 50px; }
		h1 { color: #333; }
		p { color: #666; }
		.status { color: green; }
	</style>
</head>
<body>
	<h1>%[1]s</h1>
	<p class="status">Proxy is active on %[2]s</p>
	<p>Active connections: %[3]d / %[4]d</p>
	<p>Open tunnels: %[5]d</p>
	<p><a href="/logout">Logout</a></p>
</body>
</html>
`, html.EscapeString(p.config.ProxyName), html.EscapeString(p.proxy.PublicOrigin()),
		p.proxy.ActiveConnections(), settings.MaxConnections, len(p.proxy.Tunnels()))
	if err != nil {
		logger.Error("Failed to write status page: %v", err)
	}
}

func (p *Portal) renderLogin(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	err := templates.Login("Login - "+p.config.ProxyName, message).Render(r.Context(), w)
	if err != nil {
		logger.Error("Failed to render login template: %v", err)
	}
}

// serveLogin serves the login page
func (p *Portal) serveLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		if p.isAuthenticated(r) || !p.requiresAuthentication() {
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
		p.renderLogin(w, r, http.StatusOK, "")
		return
	}

	username, password := readCredentials(r)
	logger.Debug("Login attempt for username: %s from %s", username, r.RemoteAddr)

	// Constant-time comparison to prevent timing attacks
	usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(p.config.Dashboard.Username)) == 1
	passwordMatch := subtle.ConstantTimeCompare([]byte(password), []byte(p.config.Dashboard.Password)) == 1

	if !p.requiresAuthentication() || !usernameMatch || !passwordMatch {
		logger.Warn("Failed login attempt for username: %s from %s", username, r.RemoteAddr)
		p.renderLogin(w, r, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	token, err := p.createSession(username)
	if err != nil {
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   int(SessionTimeout.Seconds()),
		SameSite: http.SameSiteLaxMode,
	})
	logger.Info("Successful login for username: %s from %s", username, r.RemoteAddr)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// readCredentials accepts either a form post or a JSON body.
func readCredentials(r *http.Request) (string, string) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
			return "", ""
		}
		return body.Username, body.Password
	}
	return r.FormValue("username"), r.FormValue("password")
}

// serveLogout handles logout
func (p *Portal) serveLogout(w http.ResponseWriter, r *http.Request) {
	logger.Info("User logged out from %s", r.RemoteAddr)
	http.SetCookie(w, p.deleteSession())
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// requiresAuthentication checks if authentication is required (username and password are configured)
func (p *Portal) requiresAuthentication() bool {
	return p.config.Dashboard.Username != "" && p.config.Dashboard.Password != ""
}

// isAuthenticated checks if the request has a valid session
func (p *Portal) isAuthenticated(r *http.Request) bool {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		if err != http.ErrNoCookie {
			logger.Debug("Cookie error: %v", err)
		}
		return false
	}

	token, err := p.parseJWTToken(cookie.Value)
	if err != nil {
		logger.Debug("JWT token validation failed: %v", err)
		return false
	}
	return token.Valid
}

// parseJWTToken parses and validates a JWT token
func (p *Portal) parseJWTToken(tokenString string) (*jwt.Token, error) {
	return jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			logger.Warn("Unexpected JWT signing method: %v", token.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.jwtSecret, nil
	})
}

// createJWTSession creates a new JWT token for the session
func (p *Portal) createJWTSession(username string) (string, error) {
	claims := jwt.MapClaims{
		"username": username,
		"exp":      time.Now().Add(SessionTimeout).Unix(),
		"iat":      time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(p.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

func (p *Portal) createSession(username string) (string, error) {
	logger.Debug("Creating new session for username: %s", username)
	token, err := p.createJWTSession(username)
	if err != nil {
		logger.Error("Failed to create session for username %s: %v", username, err)
	}
	return token, err
}

// deleteSession returns an expired cookie replacing the session
func (p *Portal) deleteSession() *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		SameSite: http.SameSiteLaxMode,
	}
}
