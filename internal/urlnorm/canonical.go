package urlnorm

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"sort"
	"strings"
)

var ErrMalformedURL = errors.New("malformed url")

type QueryPolicy string

const (
	QueryKeep   QueryPolicy = "keep"
	QuerySort   QueryPolicy = "sort"
	QueryRemove QueryPolicy = "remove"
)

func ParseQueryPolicy(s string) (QueryPolicy, error) {
	switch p := QueryPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case QueryKeep, QuerySort, QueryRemove:
		return p, nil
	case "":
		return QuerySort, nil
	default:
		return "", fmt.Errorf("unknown query policy %q", s)
	}
}

type Options struct {
	EnforceHTTPS       bool
	StripDefaultPort   bool
	StripFragment      bool
	StripTrailingSlash bool
	Query              QueryPolicy
}

func DefaultOptions() Options {
	return Options{
		StripDefaultPort: true,
		StripFragment:    true,
		Query:            QuerySort,
	}
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Canonicalize resolves reference against base and normalizes the result.
// Options are applied in a fixed order: fragment, port, trailing slash,
// query, scheme. base may be nil when reference is absolute.
func Canonicalize(reference string, base *url.URL, opts Options) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(reference))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformedURL, reference, err)
	}

	if base == nil {
		base = ref
	}
	u := base.ResolveReference(ref)
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no scheme or host", ErrMalformedURL, reference)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.User = nil
	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}

	if opts.StripFragment {
		u.Fragment = ""
		u.RawFragment = ""
	}
	if opts.StripDefaultPort {
		stripDefaultPort(u, opts.EnforceHTTPS)
	}
	if opts.StripTrailingSlash {
		stripTrailingSlash(u)
	}
	switch opts.Query {
	case QuerySort:
		u.RawQuery = SortQuery(u.RawQuery)
	case QueryRemove:
		u.RawQuery = ""
	}
	if u.RawQuery == "" {
		u.ForceQuery = false
	}
	if opts.EnforceHTTPS && u.Scheme == "http" {
		u.Scheme = "https"
	}
	return u, nil
}

func stripDefaultPort(u *url.URL, enforceHTTPS bool) {
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil || port == "" {
		return
	}
	if port == defaultPorts[u.Scheme] || (enforceHTTPS && port == defaultPorts["https"]) {
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		u.Host = host
	}
}

func stripTrailingSlash(u *url.URL) {
	p := u.Path
	if p == "/" || !strings.HasSuffix(p, "/") {
		return
	}
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" {
		u.Path = "/"
		u.RawPath = ""
		return
	}
	if path.Ext(path.Base(trimmed)) != "" {
		return
	}
	u.Path = trimmed
	if u.RawPath != "" {
		u.RawPath = strings.TrimRight(u.RawPath, "/")
	}
}

// SortQuery orders query parameters by decoded key. Parameters sharing a key
// keep their relative order and their original encoding.
func SortQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return queryKey(kept[i]) < queryKey(kept[j])
	})
	return strings.Join(kept, "&")
}

func queryKey(pair string) string {
	k, _, _ := strings.Cut(pair, "=")
	if dk, err := url.QueryUnescape(k); err == nil {
		return dk
	}
	return k
}

// Key derives the dedup identity of a URL: query parameters sorted, fragment
// removed. Unparsable input is returned unchanged.
func Key(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = SortQuery(u.RawQuery)
	if u.RawQuery == "" {
		u.ForceQuery = false
	}
	return u.String()
}

// IsFetchable reports whether u uses a scheme the fetch stage can retrieve.
func IsFetchable(u *url.URL) bool {
	return u != nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
