// Package rewrite makes links in proxied HTML documents point back through
// the proxy.
//
// Only href, src and action attributes of start tags are touched. Text,
// comments, and the contents of script and style elements are copied
// byte-for-byte, so CSS url() references and URLs built by scripts are left
// alone.
package rewrite

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

var rewrittenAttrs = map[string]bool{
	"href":   true,
	"src":    true,
	"action": true,
}

// Engine rewrites documents for one proxy origin, such as
// "http://localhost:8001".
type Engine struct {
	proxyOrigin string
	prefix      string
}

// New returns an engine for proxyOrigin. A trailing slash is ignored.
func New(proxyOrigin string) *Engine {
	origin := strings.TrimRight(proxyOrigin, "/")
	return &Engine{proxyOrigin: origin, prefix: origin + "/"}
}

// ProxyOrigin returns the origin rewritten URLs point at.
func (e *Engine) ProxyOrigin() string {
	return e.proxyOrigin
}

// ProxyURL returns the path-embedded proxy URL for an absolute target.
func (e *Engine) ProxyURL(target string) string {
	return e.prefix + target
}

// Strip reverses ProxyURL. It reports false when u is not a proxied
// absolute http(s) URL.
func (e *Engine) Strip(u string) (string, bool) {
	rest, ok := strings.CutPrefix(u, e.prefix)
	if !ok || !isAbsoluteHTTP(rest) {
		return u, false
	}
	return rest, true
}

// RewriteValue rewrites a single attribute value. It reports whether the
// value changed.
func (e *Engine) RewriteValue(val string, base *url.URL) (string, bool) {
	switch {
	case strings.HasPrefix(val, e.prefix):
		// Already routed through this proxy.
		return val, false
	case isAbsoluteHTTP(val):
		return e.prefix + val, true
	case strings.HasPrefix(val, "/") && !strings.HasPrefix(val, "//"):
		if base == nil || base.Host == "" {
			return val, false
		}
		// A root-relative reference keeps only the base origin.
		return e.prefix + originOf(base) + val, true
	default:
		return val, false
	}
}

// Rewrite returns doc with link attributes routed through the proxy and a
// <base> element inserted after the first <head> start tag.
func (e *Engine) Rewrite(doc string, base *url.URL) string {
	var out strings.Builder
	out.Grow(len(doc) + len(doc)/8)

	z := html.NewTokenizer(strings.NewReader(doc))
	injected := false
	for {
		tt := z.Next()
		raw := z.Raw()
		if tt == html.ErrorToken {
			// io.EOF; a strings.Reader cannot fail otherwise.
			out.Write(raw)
			break
		}

		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			out.Write(raw)
			continue
		}

		name, hasAttr := z.TagName()
		if hasAttr {
			out.WriteString(e.rewriteTag(string(raw), base))
		} else {
			out.Write(raw)
		}

		if !injected && string(name) == "head" && tt == html.StartTagToken && base != nil && base.Host != "" {
			out.WriteString(`<base href="`)
			out.WriteString(html.EscapeString(e.prefix + originOf(base) + "/"))
			out.WriteString(`">`)
			injected = true
		}
	}
	return out.String()
}

// rewriteTag rewrites attribute values inside the raw text of one start
// tag, leaving quoting, spacing and other attributes untouched.
func (e *Engine) rewriteTag(tag string, base *url.URL) string {
	var out strings.Builder
	i := 1 // skip '<'
	for i < len(tag) && !isTagSpace(tag[i]) && tag[i] != '>' && tag[i] != '/' {
		i++
	}
	last := 0

	for i < len(tag) {
		for i < len(tag) && (isTagSpace(tag[i]) || tag[i] == '/') {
			i++
		}
		if i >= len(tag) || tag[i] == '>' {
			break
		}

		nameStart := i
		for i < len(tag) && !isTagSpace(tag[i]) && tag[i] != '=' && tag[i] != '>' && tag[i] != '/' {
			i++
		}
		// An attribute name may start with '=' or '/', consume it as a name.
		if i == nameStart {
			i++
			continue
		}
		name := strings.ToLower(tag[nameStart:i])

		j := i
		for j < len(tag) && isTagSpace(tag[j]) {
			j++
		}
		if j >= len(tag) || tag[j] != '=' {
			continue
		}
		j++
		for j < len(tag) && isTagSpace(tag[j]) {
			j++
		}
		if j >= len(tag) {
			i = j
			break
		}

		var valStart, valEnd int
		switch q := tag[j]; q {
		case '"', '\'':
			valStart = j + 1
			end := strings.IndexByte(tag[valStart:], q)
			if end < 0 {
				valEnd = len(tag)
				i = len(tag)
			} else {
				valEnd = valStart + end
				i = valEnd + 1
			}
		default:
			valStart = j
			k := j
			for k < len(tag) && !isTagSpace(tag[k]) && tag[k] != '>' {
				k++
			}
			valEnd = k
			i = k
		}

		if !rewrittenAttrs[name] {
			continue
		}
		if newVal, changed := e.RewriteValue(tag[valStart:valEnd], base); changed {
			out.WriteString(tag[last:valStart])
			out.WriteString(newVal)
			last = valEnd
		}
	}

	if last == 0 {
		return tag
	}
	out.WriteString(tag[last:])
	return out.String()
}

func isAbsoluteHTTP(s string) bool {
	return hasPrefixFold(s, "http://") || hasPrefixFold(s, "https://")
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func isTagSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

func originOf(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
