// Package extract finds resource references in HTML and CSS documents and
// rewrites them in place.
package extract

import (
	"net/url"
	"strings"
)

// Reference is one resource reference: the text as written in the document
// and the absolute URL it resolves to.
type Reference struct {
	Original string
	URL      *url.URL
}

// RewriteFunc returns the replacement text for a reference, or false to leave
// the original text untouched.
type RewriteFunc func(ref Reference) (string, bool)

var skippedSchemes = []string{"data:", "javascript:", "mailto:", "tel:", "about:", "blob:", "sms:"}

// resolve turns a raw reference into an absolute http(s) URL. Anything that
// cannot be fetched is skipped.
func resolve(raw string, base *url.URL) (*url.URL, bool) {
	ref := strings.TrimSpace(raw)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return nil, false
	}
	lower := strings.ToLower(ref)
	for _, s := range skippedSchemes {
		if strings.HasPrefix(lower, s) {
			return nil, false
		}
	}

	u, err := url.Parse(ref)
	if err != nil {
		return nil, false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, false
	}
	return u, true
}
