package crawl

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// Rules restrict which URLs the request stage forwards. Domains are globs
// over the host name ("*.example.com"), paths are regular expressions over
// the URL path. Deny patterns win over allow patterns; an empty allow list
// allows everything.
type Rules struct {
	AllowDomains []string
	DenyDomains  []string
	AllowPaths   []string
	DenyPaths    []string
}

type Validator struct {
	allowDomains []glob.Glob
	denyDomains  []glob.Glob
	allowPaths   []*regexp.Regexp
	denyPaths    []*regexp.Regexp
}

func NewValidator(r Rules) (*Validator, error) {
	v := &Validator{}
	var err error
	if v.allowDomains, err = compileGlobs(r.AllowDomains); err != nil {
		return nil, err
	}
	if v.denyDomains, err = compileGlobs(r.DenyDomains); err != nil {
		return nil, err
	}
	if v.allowPaths, err = compileRegexps(r.AllowPaths); err != nil {
		return nil, err
	}
	if v.denyPaths, err = compileRegexps(r.DenyPaths); err != nil {
		return nil, err
	}
	return v, nil
}

// Validate returns nil when u may be fetched, otherwise the reason it was
// rejected.
func (v *Validator) Validate(u *url.URL) error {
	host := strings.ToLower(u.Hostname())
	for _, g := range v.denyDomains {
		if g.Match(host) {
			return fmt.Errorf("domain %s is denied", host)
		}
	}
	if len(v.allowDomains) > 0 && !matchesAnyGlob(v.allowDomains, host) {
		return fmt.Errorf("domain %s is not allowed", host)
	}

	p := u.EscapedPath()
	for _, re := range v.denyPaths {
		if re.MatchString(p) {
			return fmt.Errorf("path %s is denied", p)
		}
	}
	if len(v.allowPaths) > 0 && !matchesAnyRegexp(v.allowPaths, p) {
		return fmt.Errorf("path %s is not allowed", p)
	}
	return nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid domain pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func compileRegexps(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid path pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchesAnyGlob(gs []glob.Glob, s string) bool {
	for _, g := range gs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

func matchesAnyRegexp(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
