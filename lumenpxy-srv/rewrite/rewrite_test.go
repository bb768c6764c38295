package rewrite

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const proxyOrigin = "http://localhost:8001"

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestRewriteValue(t *testing.T) {
	e := New(proxyOrigin + "/")
	base := mustURL(t, "https://example.com:8443/dir/page.html?q=1")

	tests := []struct {
		name    string
		in      string
		want    string
		changed bool
	}{
		{"absolute http", "http://cdn.example.org/a.js", "http://localhost:8001/http://cdn.example.org/a.js", true},
		{"absolute https", "https://example.com/x?y=1#z", "http://localhost:8001/https://example.com/x?y=1#z", true},
		{"uppercase scheme", "HTTPS://example.com/", "http://localhost:8001/HTTPS://example.com/", true},
		{"root relative", "/static/app.css", "http://localhost:8001/https://example.com:8443/static/app.css", true},
		{"root", "/", "http://localhost:8001/https://example.com:8443/", true},
		{"protocol relative", "//cdn.example.org/a.js", "//cdn.example.org/a.js", false},
		{"document relative", "img/logo.png", "img/logo.png", false},
		{"fragment", "#top", "#top", false},
		{"mailto", "mailto:a@example.com", "mailto:a@example.com", false},
		{"javascript", "javascript:void(0)", "javascript:void(0)", false},
		{"already proxied", "http://localhost:8001/http://example.com/", "http://localhost:8001/http://example.com/", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := e.RewriteValue(tt.in, base)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.changed, changed)
		})
	}
}

func TestRewriteAttributes(t *testing.T) {
	e := New(proxyOrigin)
	base := mustURL(t, "http://example.com/index.html")

	doc := `<a href="http://other.org/p">x</a>` +
		`<img src='/img/a.png' alt="http://not-a-link.example">` +
		`<form action="/submit" method="post"></form>` +
		`<link rel=stylesheet href=/style.css>` +
		`<a HREF = "https://x.example/" class="c">y</a>` +
		`<a data-href="http://ignored.example/">z</a>`

	want := `<a href="http://localhost:8001/http://other.org/p">x</a>` +
		`<img src='http://localhost:8001/http://example.com/img/a.png' alt="http://not-a-link.example">` +
		`<form action="http://localhost:8001/http://example.com/submit" method="post"></form>` +
		`<link rel=stylesheet href=http://localhost:8001/http://example.com/style.css>` +
		`<a HREF = "http://localhost:8001/https://x.example/" class="c">y</a>` +
		`<a data-href="http://ignored.example/">z</a>`

	assert.Equal(t, want, e.Rewrite(doc, base))
}

func TestRewriteInjectsBaseOnce(t *testing.T) {
	e := New(proxyOrigin)
	base := mustURL(t, "https://example.com/a/b")
	baseTag := `<base href="http://localhost:8001/https://example.com/">`

	for _, head := range []string{"<head>", "<HEAD>", `<Head lang="en">`} {
		t.Run(head, func(t *testing.T) {
			doc := "<!DOCTYPE html><html>" + head + "<title>t</title></head><body><head></head></body></html>"
			out := e.Rewrite(doc, base)
			assert.Equal(t, 1, strings.Count(out, "<base "), out)
			assert.Contains(t, out, head+baseTag)
		})
	}
}

func TestRewriteNoHead(t *testing.T) {
	e := New(proxyOrigin)
	doc := `<header><a href="/x">x</a></header>`
	out := e.Rewrite(doc, mustURL(t, "http://example.com/"))
	assert.NotContains(t, out, "<base")
	assert.Equal(t, `<header><a href="http://localhost:8001/http://example.com/x">x</a></header>`, out)
}

func TestRewriteLeavesScriptStyleAndCommentsAlone(t *testing.T) {
	e := New(proxyOrigin)
	doc := `<script>var s = '<a href="http://example.com/">';</script>` +
		`<style>.a { background: url(/bg.png) } /* href="/x" */</style>` +
		`<!-- <a href="http://example.com/"> -->` +
		`<p>see href="http://example.com/" in text</p>`

	assert.Equal(t, doc, e.Rewrite(doc, mustURL(t, "http://example.com/")))
}

func TestRewritePreservesUntouchedBytes(t *testing.T) {
	e := New(proxyOrigin)
	doc := "<html>\n  <body class=\"x\">\r\n<p>café &amp; crème</p>\n<br/><img/>\n</body>"
	assert.Equal(t, doc, e.Rewrite(doc, mustURL(t, "http://example.com/")))
}

func TestStripRoundTrip(t *testing.T) {
	e := New(proxyOrigin)
	base := mustURL(t, "http://example.com/")

	for _, original := range []string{
		"http://example.com/",
		"https://example.com:8443/path/to?x=1&y=2#frag",
		"http://127.0.0.1:9000/a%20b",
	} {
		rewritten, changed := e.RewriteValue(original, base)
		require.True(t, changed)
		stripped, ok := e.Strip(rewritten)
		require.True(t, ok)
		assert.Equal(t, original, stripped)
	}

	_, ok := e.Strip("http://elsewhere:8001/http://example.com/")
	assert.False(t, ok)
	_, ok = e.Strip("http://localhost:8001/api/status")
	assert.False(t, ok)
}

func TestRewriteDocumentRoundTrip(t *testing.T) {
	e := New(proxyOrigin)
	base := mustURL(t, "http://example.com/")
	links := []string{"http://a.example/1", "https://b.example/2?x=y"}

	doc := `<a href="` + links[0] + `">1</a><img src="` + links[1] + `">`
	out := e.Rewrite(doc, base)

	for _, link := range links {
		proxied := e.ProxyURL(link)
		require.Contains(t, out, proxied)
		stripped, ok := e.Strip(proxied)
		require.True(t, ok)
		assert.Equal(t, link, stripped)
	}
}

func TestRewriteWithoutBase(t *testing.T) {
	e := New(proxyOrigin)
	doc := `<head></head><a href="/x">x</a><a href="http://y.example/">y</a>`
	out := e.Rewrite(doc, nil)
	assert.Equal(t, `<head></head><a href="/x">x</a><a href="http://localhost:8001/http://y.example/">y</a>`, out)
}
