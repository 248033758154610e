package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

type attrKind int

const (
	plainAttr attrKind = iota
	srcsetAttr
	refreshAttr
)

type rule struct {
	sel    cascadia.Selector
	attr   string
	kind   attrKind
	filter func(*html.Node) bool
}

func newRule(selector, attr string, kind attrKind) rule {
	return rule{sel: cascadia.MustCompile(selector), attr: attr, kind: kind}
}

func metaRule(selector string, filter func(*html.Node) bool) rule {
	r := newRule(selector, "content", plainAttr)
	r.filter = filter
	return r
}

// rules is the fixed table of link-bearing (selector, attribute) pairs.
var rules = []rule{
	newRule("a[href]", "href", plainAttr),
	newRule("area[href]", "href", plainAttr),
	newRule("img[src]", "src", plainAttr),
	newRule("img[srcset]", "srcset", srcsetAttr),
	newRule("img[data-src]", "data-src", plainAttr),
	newRule("input[type=image][src]", "src", plainAttr),
	newRule("source[src]", "src", plainAttr),
	newRule("source[srcset]", "srcset", srcsetAttr),
	newRule("video[src]", "src", plainAttr),
	newRule("video[poster]", "poster", plainAttr),
	newRule("audio[src]", "src", plainAttr),
	newRule("track[src]", "src", plainAttr),
	newRule("script[src]", "src", plainAttr),
	newRule("link[rel~=stylesheet][href]", "href", plainAttr),
	newRule("link[rel~=icon][href]", "href", plainAttr),
	newRule("link[rel~=apple-touch-icon][href], link[rel~=apple-touch-icon-precomposed][href]", "href", plainAttr),
	newRule("link[rel~=mask-icon][href]", "href", plainAttr),
	newRule("link[rel~=alternate][href]", "href", plainAttr),
	newRule("link[rel~=amphtml][href]", "href", plainAttr),
	newRule("link[rel~=canonical][href]", "href", plainAttr),
	newRule("link[rel~=manifest][href]", "href", plainAttr),
	newRule("link[rel~=search][href]", "href", plainAttr),
	newRule("link[rel~=pingback][href]", "href", plainAttr),
	newRule("link[rel~=preload][href], link[rel~=prefetch][href], link[rel~=modulepreload][href]", "href", plainAttr),
	newRule("link[rel~=preload][imagesrcset]", "imagesrcset", srcsetAttr),
	newRule("iframe[src]", "src", plainAttr),
	newRule("frame[src]", "src", plainAttr),
	newRule("embed[src]", "src", plainAttr),
	newRule("object[data]", "data", plainAttr),
	newRule("meta[http-equiv][content]", "content", refreshAttr),
	metaRule("meta[property][content]", metaNamed("property", "og:image", "og:image:url", "og:image:secure_url", "og:url", "og:audio", "og:video")),
	metaRule("meta[name][content]", metaNamed("name", "twitter:image", "twitter:image:src", "msapplication-tileimage", "msapplication-config", "thumbnail")),
	metaRule("meta[itemprop][content]", metaNamed("itemprop", "image", "thumbnailurl")),
}

var (
	styleElements = cascadia.MustCompile("style")
	styleAttrs    = cascadia.MustCompile("[style]")
	baseElement   = cascadia.MustCompile("base[href]")
)

func metaNamed(attr string, names ...string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		v := strings.ToLower(strings.TrimSpace(getAttr(n, attr)))
		for _, name := range names {
			if v == name {
				return true
			}
		}
		return false
	}
}

// Document is a parsed HTML page together with the URL references resolve
// against.
type Document struct {
	Root *html.Node
	Base *url.URL
}

// ParseHTML parses body. A <base href> overrides docURL as the base for
// relative references.
func ParseHTML(body []byte, docURL *url.URL) (*Document, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	base := docURL
	if n := baseElement.MatchFirst(root); n != nil {
		if u, err := url.Parse(strings.TrimSpace(getAttr(n, "href"))); err == nil {
			base = docURL.ResolveReference(u)
		}
	}
	return &Document{Root: root, Base: base}, nil
}

// References lists attribute references in table order, followed by
// references found in <style> blocks and style attributes.
func (d *Document) References() []Reference {
	var refs []Reference
	d.walk(func(ref Reference) (string, bool) {
		refs = append(refs, ref)
		return "", false
	})
	return refs
}

// Rewrite mutates every reference fn accepts and reports how many changed.
func (d *Document) Rewrite(fn RewriteFunc) int {
	return d.walk(fn)
}

// StripBase removes href from every <base> element, dropping elements left
// without attributes. Rewritten references are relative to the document's
// own location, which a kept <base> would override.
func (d *Document) StripBase() int {
	n := 0
	for _, b := range baseElement.MatchAll(d.Root) {
		kept := b.Attr[:0]
		for _, a := range b.Attr {
			if a.Namespace == "" && a.Key == "href" {
				continue
			}
			kept = append(kept, a)
		}
		b.Attr = kept
		if len(b.Attr) == 0 && b.Parent != nil {
			b.Parent.RemoveChild(b)
		}
		n++
	}
	return n
}

func (d *Document) Render() ([]byte, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, d.Root); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return buf.Bytes(), nil
}

func (d *Document) walk(fn RewriteFunc) int {
	type slot struct {
		node *html.Node
		attr string
	}
	seen := make(map[slot]bool)

	n := 0
	for _, r := range rules {
		for _, node := range r.sel.MatchAll(d.Root) {
			if r.filter != nil && !r.filter(node) {
				continue
			}
			if seen[slot{node, r.attr}] {
				continue
			}
			seen[slot{node, r.attr}] = true
			n += d.visitAttr(node, r, fn)
		}
	}

	for _, node := range styleElements.MatchAll(d.Root) {
		text := node.FirstChild
		if text == nil || text.Type != html.TextNode {
			continue
		}
		out, changed := RewriteCSS([]byte(text.Data), d.Base, fn)
		if changed > 0 {
			text.Data = string(out)
			n += changed
		}
	}

	for _, node := range styleAttrs.MatchAll(d.Root) {
		style := getAttr(node, "style")
		out, changed := RewriteDeclarations(style, d.Base, fn)
		if changed > 0 {
			setAttr(node, "style", out)
			n += changed
		}
	}
	return n
}

func (d *Document) visitAttr(node *html.Node, r rule, fn RewriteFunc) int {
	val, ok := lookupAttr(node, r.attr)
	if !ok {
		return 0
	}

	switch r.kind {
	case srcsetAttr:
		out, changed := rewriteSrcset(val, d.Base, fn)
		if changed > 0 {
			setAttr(node, r.attr, out)
		}
		return changed

	case refreshAttr:
		if !strings.EqualFold(strings.TrimSpace(getAttr(node, "http-equiv")), "refresh") {
			return 0
		}
		prefix, target, suffix, ok := splitRefresh(val)
		if !ok {
			return 0
		}
		repl, changed := d.visit(target, fn)
		if !changed {
			return 0
		}
		setAttr(node, r.attr, prefix+repl+suffix)
		return 1

	default:
		repl, changed := d.visit(val, fn)
		if !changed {
			return 0
		}
		setAttr(node, r.attr, repl)
		return 1
	}
}

func (d *Document) visit(raw string, fn RewriteFunc) (string, bool) {
	abs, ok := resolve(raw, d.Base)
	if !ok {
		return "", false
	}
	return fn(Reference{Original: raw, URL: abs})
}

// rewriteSrcset handles "url descriptor, url descriptor" lists. The attribute
// is rebuilt only when at least one candidate changed.
func rewriteSrcset(val string, base *url.URL, fn RewriteFunc) (string, int) {
	candidates := strings.Split(val, ",")
	changed := 0
	for i, c := range candidates {
		fields := strings.Fields(c)
		if len(fields) == 0 {
			continue
		}
		abs, ok := resolve(fields[0], base)
		if !ok {
			continue
		}
		repl, ok := fn(Reference{Original: fields[0], URL: abs})
		if !ok {
			continue
		}
		fields[0] = repl
		candidates[i] = strings.Join(fields, " ")
		changed++
	}
	if changed == 0 {
		return val, 0
	}
	for i := range candidates {
		candidates[i] = strings.TrimSpace(candidates[i])
	}
	return strings.Join(candidates, ", "), changed
}

// splitRefresh separates "5; url='/next'" into "5; url='", "/next" and "'".
func splitRefresh(content string) (prefix, target, suffix string, ok bool) {
	lower := strings.ToLower(content)
	i := strings.Index(lower, "url")
	if i < 0 {
		return "", "", "", false
	}
	j := i + 3
	for j < len(content) && (content[j] == ' ' || content[j] == '=') {
		j++
	}
	target = strings.Trim(content[j:], `'" `)
	if target == "" {
		return "", "", "", false
	}
	start := strings.Index(content[j:], target) + j
	end := start + len(target)
	return content[:start], target, content[end:], true
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func getAttr(n *html.Node, key string) string {
	v, _ := lookupAttr(n, key)
	return v
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}
