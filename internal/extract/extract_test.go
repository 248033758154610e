package extract

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func urls(refs []Reference) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.URL.String())
	}
	return out
}

func TestCSSReferences(t *testing.T) {
	t.Run("resolved against the stylesheet url", func(t *testing.T) {
		src := []byte(`@import "fonts.css";
body { background: url(../img/bg.png); color: red; }`)
		refs := CSSReferences(src, mustURL(t, "https://example.com/css/site.css"))

		assert.Equal(t, []string{
			"https://example.com/css/fonts.css",
			"https://example.com/img/bg.png",
		}, urls(refs))
		assert.Equal(t, "fonts.css", refs[0].Original)
		assert.Equal(t, "../img/bg.png", refs[1].Original)
	})

	t.Run("font face and listed properties only", func(t *testing.T) {
		src := []byte(`
@import url('print.css') print;
@font-face { font-family: X; src: url(a.woff2) format("woff2"), url("a.woff") format("woff"); }
@media screen {
  .a { list-style-image: url(dot.gif); cursor: url(hand.cur), auto; }
  .b { mask-image: url(m.svg); }
}
.c { filter: url(f.svg#blur); content: "url(nope.png)"; }
.d { background-image: url(data:image/png;base64,AAAA); }
a:hover { background: #fff url( "hover.png" ) no-repeat; }`)
		refs := CSSReferences(src, mustURL(t, "https://example.com/s/main.css"))

		assert.Equal(t, []string{
			"https://example.com/s/print.css",
			"https://example.com/s/a.woff2",
			"https://example.com/s/a.woff",
			"https://example.com/s/dot.gif",
			"https://example.com/s/hand.cur",
			"https://example.com/s/m.svg",
			"https://example.com/s/hover.png",
		}, urls(refs))
	})
}

func TestRewriteCSS(t *testing.T) {
	src := []byte(`@import "fonts.css";
.x { background: url(../img/bg.png) } .y { background: url("keep.png") }`)
	base := mustURL(t, "https://example.com/css/site.css")

	out, n := RewriteCSS(src, base, func(ref Reference) (string, bool) {
		switch ref.URL.Path {
		case "/css/fonts.css":
			return "fonts.css", true
		case "/img/bg.png":
			return "../img/bg file.png", true
		}
		return "", false
	})

	assert.Equal(t, 2, n)
	assert.Equal(t, `@import "fonts.css";
.x { background: url("../img/bg file.png") } .y { background: url("keep.png") }`, string(out))
}

func TestRewriteCSSUntouchedIsByteIdentical(t *testing.T) {
	src := []byte("/* c */ @charset \"utf-8\";\n.a{background:URL( 'x.png' )}\n<!-- .b { color: red } -->")
	out, n := RewriteCSS(src, mustURL(t, "https://example.com/"), func(Reference) (string, bool) {
		return "", false
	})
	assert.Zero(t, n)
	assert.Equal(t, string(src), string(out))
}

func TestHTMLReferences(t *testing.T) {
	page := `<!doctype html><html><head>
<link rel="stylesheet" href="/css/site.css">
<link rel="shortcut icon" href="/favicon.ico">
<link rel="preload stylesheet" href="/css/pre.css">
<meta http-equiv="refresh" content="5; url=/next">
<meta property="og:image" content="https://cdn.example.com/og.png">
<meta name="description" content="https://not-a-resource.example.com/">
<script src="app.js"></script>
<style>.hero { background-image: url(img/hero.jpg); }</style>
</head><body>
<a href="/about">About</a>
<a href="mailto:me@example.com">Mail</a>
<a href="#top">Top</a>
<img src="logo.png" srcset="logo-1x.png 1x, logo-2x.png 2x">
<div style="background: url('/bg.gif')"></div>
<iframe src="//video.example.com/embed/1"></iframe>
</body></html>`

	doc, err := ParseHTML([]byte(page), mustURL(t, "https://example.com/docs/"))
	require.NoError(t, err)

	got := urls(doc.References())
	want := []string{
		"https://example.com/about",
		"https://example.com/docs/logo.png",
		"https://example.com/docs/logo-1x.png",
		"https://example.com/docs/logo-2x.png",
		"https://example.com/docs/app.js",
		"https://example.com/css/site.css",
		"https://example.com/css/pre.css",
		"https://example.com/favicon.ico",
		"https://video.example.com/embed/1",
		"https://example.com/next",
		"https://cdn.example.com/og.png",
		"https://example.com/docs/img/hero.jpg",
		"https://example.com/bg.gif",
	}
	assert.Equal(t, want, got)
}

func TestHTMLBaseHref(t *testing.T) {
	page := `<html><head><base href="https://static.example.com/v2/"></head><body><img src="a.png"></body></html>`
	doc, err := ParseHTML([]byte(page), mustURL(t, "https://example.com/"))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://static.example.com/v2/a.png"}, urls(doc.References()))
}

func TestStripBase(t *testing.T) {
	page := `<html><head><base href="/docs/"><base href="/x/" target="_blank"></head><body></body></html>`
	doc, err := ParseHTML([]byte(page), mustURL(t, "https://example.com/"))
	require.NoError(t, err)
	assert.Equal(t, 2, doc.StripBase())

	out, err := doc.Render()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "href=")
	assert.Contains(t, string(out), `<base target="_blank"/>`)
	assert.Equal(t, 0, doc.StripBase())
}

func TestHTMLRewrite(t *testing.T) {
	page := `<html><body><a href="/about">About</a><a href="https://elsewhere.org/x">X</a>` +
		`<img srcset="a.png 1x, b.png 2x"><div style="background:url(/bg.gif)"></div></body></html>`
	doc, err := ParseHTML([]byte(page), mustURL(t, "https://example.com/"))
	require.NoError(t, err)

	mirrored := map[string]string{
		"https://example.com/about":  "about.html",
		"https://example.com/a.png":  "a.png",
		"https://example.com/bg.gif": "bg.gif",
	}
	n := doc.Rewrite(func(ref Reference) (string, bool) {
		v, ok := mirrored[ref.URL.String()]
		return v, ok
	})
	assert.Equal(t, 3, n)

	out, err := doc.Render()
	require.NoError(t, err)
	html := string(out)
	assert.Contains(t, html, `href="about.html"`)
	assert.Contains(t, html, `href="https://elsewhere.org/x"`)
	assert.Contains(t, html, `srcset="a.png 1x, b.png 2x"`)
	assert.Contains(t, html, `background:url(bg.gif)`)
	assert.False(t, strings.Contains(html, `href="/about"`))
}

func TestSplitRefresh(t *testing.T) {
	prefix, target, suffix, ok := splitRefresh("0; URL='/landing'")
	require.True(t, ok)
	assert.Equal(t, "0; URL='", prefix)
	assert.Equal(t, "/landing", target)
	assert.Equal(t, "'", suffix)

	_, _, _, ok = splitRefresh("30")
	assert.False(t, ok)
}
