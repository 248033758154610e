package crawl

import (
	"net/url"

	"go-mirror/internal/cache"
	"go-mirror/internal/extract"
	"go-mirror/internal/mediatype"
	"go-mirror/internal/mirrorpath"
	"go-mirror/internal/urlnorm"
)

// Rewriter maps references onto paths inside the mirror. A reference is only
// rewritten when its target, after following cached redirects, has a cached
// body; the cache is the only source for that decision.
type Rewriter struct {
	cache   cache.Store
	opts    urlnorm.Options
	maxHops int
}

func NewRewriter(store cache.Store, opts urlnorm.Options, redirectLimit int) *Rewriter {
	return &Rewriter{cache: store, opts: opts, maxHops: redirectLimit}
}

// Resolve follows the redirect chain that starts at u. It returns the final
// URL and its metadata, or false when the chain ends in an error entry, an
// uncached URL, a loop or more hops than the redirect limit.
func (r *Rewriter) Resolve(u *url.URL) (*url.URL, cache.Metadata, bool) {
	seen := make(map[string]bool)
	cur := u
	for hop := 0; hop <= r.maxHops; hop++ {
		key := cur.String()
		if seen[key] {
			return nil, cache.Metadata{}, false
		}
		seen[key] = true

		meta, err := r.cache.Stat(key)
		if err != nil || meta.IsError() {
			return nil, cache.Metadata{}, false
		}
		if !meta.IsRedirect() {
			return cur, meta, true
		}

		next, err := urlnorm.Canonicalize(meta.Redirected, cur, r.opts)
		if err != nil {
			return nil, cache.Metadata{}, false
		}
		cur = next
	}
	return nil, cache.Metadata{}, false
}

// Target computes the replacement for ref inside the document stored at
// docPath. The fragment of the original reference is carried over.
func (r *Rewriter) Target(docPath string, ref extract.Reference) (string, bool) {
	canonical, err := urlnorm.Canonicalize(ref.URL.String(), nil, r.opts)
	if err != nil {
		return "", false
	}
	final, meta, ok := r.Resolve(canonical)
	if !ok {
		return "", false
	}

	rel := mirrorpath.RelativeRef(docPath, mirrorpath.ToMirrorPath(final, MIMEOf(meta)))
	if ref.URL.Fragment != "" {
		rel += "#" + ref.URL.EscapedFragment()
	}
	return rel, true
}

// Func returns an extract.RewriteFunc for the document stored at docPath.
func (r *Rewriter) Func(docPath string) extract.RewriteFunc {
	return func(ref extract.Reference) (string, bool) {
		return r.Target(docPath, ref)
	}
}

// MIMEOf returns the resolved MIME type recorded for a cache entry, falling
// back to its Content-Type header for entries written without one.
func MIMEOf(meta cache.Metadata) string {
	if meta.MIMEType != "" {
		return meta.MIMEType
	}
	return mediatype.Normalize(meta.Header.Get("Content-Type"))
}
