package proxy

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/dashboard/templates"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/logger"
)

type route int

const (
	routeBadRequest route = iota
	routeTunnel
	routeForwardEmbedded
	routeForwardAbsolute
	routeInfo
)

func (r route) String() string {
	switch r {
	case routeTunnel:
		return "tunnel"
	case routeForwardEmbedded:
		return "forward"
	case routeForwardAbsolute:
		return "forward-absolute"
	case routeInfo:
		return "info"
	default:
		return "bad-request"
	}
}

const badRequestMessage = "Bad Request: Please provide a full URL starting with /http:// or /https://"

// classifyRequest picks exactly one route for r and returns the target it
// applies to: the CONNECT authority or the absolute URL to forward.
func classifyRequest(r *http.Request) (route, string) {
	if r.Method == http.MethodConnect {
		target := r.RequestURI
		if target == "" {
			target = r.Host
		}
		return routeTunnel, target
	}

	raw := r.RequestURI
	if raw == "" && r.URL != nil {
		raw = r.URL.RequestURI()
		if r.URL.IsAbs() {
			raw = r.URL.String()
		}
	}

	if strings.HasPrefix(raw, "/http://") || strings.HasPrefix(raw, "/https://") {
		return routeForwardEmbedded, raw[1:]
	}
	if hasSchemePrefix(raw, "http://") || hasSchemePrefix(raw, "https://") {
		return routeForwardAbsolute, raw
	}

	path := raw
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path == "/" || path == "/favicon.ico" || strings.HasPrefix(path, "/api/") {
		return routeInfo, ""
	}
	return routeBadRequest, ""
}

func hasSchemePrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func (p *Proxy) handleRequest(w http.ResponseWriter, r *http.Request) {
	log := &connLog{id: connIDFromContext(r.Context())}
	rt, target := classifyRequest(r)
	log.Debug("%s %s -> %s", r.Method, r.RequestURI, rt)

	switch rt {
	case routeTunnel:
		p.handleConnect(w, r, target)
	case routeForwardEmbedded:
		p.forwardRequest(w, r, target, true)
	case routeForwardAbsolute:
		p.forwardRequest(w, r, target, false)
	case routeInfo:
		p.serveInfoPage(w, r)
	default:
		writeBadRequest(w, badRequestMessage)
	}
}

func (p *Proxy) serveInfoPage(w http.ResponseWriter, r *http.Request) {
	var body bytes.Buffer
	if err := templates.Info(p.config.ProxyName, p.rewriteEngine().ProxyOrigin()).Render(r.Context(), &body); err != nil {
		logger.Error("Failed to render info page: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(body.Len()))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = body.WriteTo(w)
	}
}
