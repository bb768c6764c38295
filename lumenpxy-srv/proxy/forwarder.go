package proxy

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/stats"
)

// hopHeaders are never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authorization",
	"Proxy-Authenticate",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// copyEndToEndHeaders copies src into dst without hop-by-hop headers,
// including any named in src's Connection header.
func copyEndToEndHeaders(dst, src http.Header) {
	skip := make(map[string]bool, len(hopHeaders))
	for _, h := range hopHeaders {
		skip[h] = true
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				skip[http.CanonicalHeaderKey(name)] = true
			}
		}
	}

	for k, vv := range src {
		if skip[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func parseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("unsupported scheme " + u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

// shouldRewrite reports whether a response body is rewritable HTML.
func shouldRewrite(resp *http.Response) bool {
	if !strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/html") {
		return false
	}
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	return enc == "" || enc == "identity"
}

// forwardRequest sends r to target and relays the response. With
// rewriteHTML set, HTML bodies have their links routed back through the
// proxy.
func (p *Proxy) forwardRequest(w http.ResponseWriter, r *http.Request, target string, rewriteHTML bool) {
	start := time.Now()
	log := &connLog{id: connIDFromContext(r.Context())}
	sm := newStateMachine(log)
	defer sm.transition(StateClosed)
	snapshot := p.snapshotFor(r)

	sm.transition(StateResolvingTarget)
	targetURL, err := parseTarget(target)
	if err != nil {
		log.Warn("Invalid target URL %q: %v", target, NewProxyError(ErrCodeInvalidURL, "", err))
		writeBadRequest(w, "Bad Request: Invalid URL")
		return
	}

	if snapshot.BlockAds {
		if blocked, domain := p.adblock.Blocked(targetURL.Host); blocked {
			log.Debug("Blocked request to %s (matches %s)", targetURL.Host, domain)
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("X-Proxy-Error", ErrCodeBlocklistMatch)
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte("Forbidden"))
			return
		}
	}

	protocol := stats.ProtocolHTTP
	if targetURL.Scheme == "https" {
		protocol = stats.ProtocolHTTPS
	}
	result := &outcome{
		p:         p,
		snapshot:  snapshot,
		url:       targetURL.String(),
		protocol:  protocol,
		userAgent: r.UserAgent(),
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL.String(), r.Body)
	if err != nil {
		log.Warn("Failed to build request for %s: %v", targetURL, err)
		writeBadRequest(w, "Bad Request: Invalid URL")
		return
	}
	copyEndToEndHeaders(outReq.Header, r.Header)
	if rewriteHTML {
		// The body must arrive uncompressed to be rewritten.
		outReq.Header.Del("Accept-Encoding")
	}
	outReq.Host = targetURL.Host
	outReq.ContentLength = r.ContentLength
	if r.ContentLength == 0 {
		outReq.Body = http.NoBody
	}
	if _, ok := r.Header["User-Agent"]; !ok {
		// Keep net/http from adding its own.
		outReq.Header.Set("User-Agent", "")
	}

	sm.transition(StateAwaitingUpstream)
	resp, err := p.clientFor(r).Do(outReq)
	if err != nil {
		perr := classifyDialError(err)
		result.report(stats.StatusFailed, time.Since(start))
		log.Warn("Forward to %s failed: %v", targetURL.Host, perr)
		NewBadGatewayResponse(w, perr.Code)
		return
	}
	defer resp.Body.Close()
	headersAt := time.Since(start)
	sm.transition(StateRelaying)

	if rewriteHTML && r.Method != http.MethodHead && shouldRewrite(resp) {
		p.relayRewritten(w, resp, targetURL, result, headersAt, start, log)
		return
	}
	p.relayStream(w, resp, resp.Body, result, headersAt, start, log)
}

// relayRewritten buffers an HTML body up to the rewrite limit. Larger
// bodies fall back to streaming with the already-read prefix.
func (p *Proxy) relayRewritten(w http.ResponseWriter, resp *http.Response, base *url.URL, result *outcome, headersAt time.Duration, start time.Time, log *connLog) {
	limit := p.config.Rewrite.MaxBodyBytes
	if limit <= 0 || resp.ContentLength > limit {
		log.Debug("HTML body of %s exceeds rewrite limit, streaming unmodified", base)
		p.relayStream(w, resp, resp.Body, result, headersAt, start, log)
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		perr := classifyDialError(err)
		result.report(stats.StatusFailed, time.Since(start))
		log.Warn("Reading HTML body from %s failed: %v", base.Host, perr)
		NewBadGatewayResponse(w, perr.Code)
		return
	}
	if int64(len(body)) > limit {
		log.Debug("HTML body of %s exceeds rewrite limit, streaming unmodified", base)
		p.relayStream(w, resp, io.MultiReader(bytes.NewReader(body), resp.Body), result, headersAt, start, log)
		return
	}

	rewritten := p.rewriteEngine().Rewrite(string(body), base)

	h := w.Header()
	copyEndToEndHeaders(h, resp.Header)
	h.Set("Content-Length", strconv.Itoa(len(rewritten)))
	w.WriteHeader(resp.StatusCode)
	if _, err := io.WriteString(w, rewritten); err != nil {
		result.report(stats.StatusDisconnected, headersAt)
		log.Debug("Client went away while writing rewritten body: %v", err)
		return
	}
	result.report(stats.StatusConnected, headersAt)
}

// clientWriter remembers whether a copy failed on the client side.
type clientWriter struct {
	w   io.Writer
	err error
}

func (c *clientWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err != nil {
		c.err = err
	}
	return n, err
}

// relayStream forwards status and headers verbatim and streams body,
// flushing after every chunk.
func (p *Proxy) relayStream(w http.ResponseWriter, resp *http.Response, body io.Reader, result *outcome, headersAt time.Duration, start time.Time, log *connLog) {
	copyEndToEndHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	rc := http.NewResponseController(w)
	if err := rc.EnableFullDuplex(); err != nil {
		log.Trace("Full duplex unavailable: %v", err)
	}

	cw := &clientWriter{w: newFlushWriter(w)}
	n, err := copyBuffer(cw, body)
	if err == nil {
		log.Trace("Streamed %d bytes", n)
		result.report(stats.StatusConnected, headersAt)
		return
	}

	if cw.err != nil {
		result.report(stats.StatusDisconnected, headersAt)
		log.Debug("Client went away after %d bytes: %v", n, cw.err)
	} else {
		result.report(stats.StatusFailed, time.Since(start))
		if isClosedConnError(err) {
			log.Debug("Origin stream ended after %d bytes: %v", n, err)
		} else {
			log.Warn("Origin stream failed after %d bytes: %v", n, classifyDialError(err))
		}
	}
	// Headers are out; abort so the client sees a truncated response.
	panic(http.ErrAbortHandler)
}
