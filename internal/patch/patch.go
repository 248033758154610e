// Package patch applies search/replace rules to document bodies before they
// are parsed or written.
package patch

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule replaces Search with Replace in every document whose URL passes the
// include and exclude patterns. A pattern written as /expr/ is a regular
// expression, anything else must equal the URL exactly.
type Rule struct {
	Search   string   `yaml:"search"`
	Replace  string   `yaml:"replace"`
	Regexp   bool     `yaml:"regexp"`
	Includes []string `yaml:"includes"`
	Excludes []string `yaml:"excludes"`
}

type matcher struct {
	exact []string
	re    []*regexp.Regexp
}

func (m matcher) empty() bool {
	return len(m.exact) == 0 && len(m.re) == 0
}

func (m matcher) match(url string) bool {
	for _, e := range m.exact {
		if e == url {
			return true
		}
	}
	for _, re := range m.re {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

type compiled struct {
	literal  []byte
	search   *regexp.Regexp
	replace  []byte
	includes matcher
	excludes matcher
}

type Patcher struct {
	rules []compiled
}

func New(rules []Rule) (*Patcher, error) {
	p := &Patcher{}
	for i, r := range rules {
		if r.Search == "" {
			return nil, fmt.Errorf("patch rule %d: search is empty", i)
		}
		c := compiled{replace: []byte(r.Replace)}
		if r.Regexp {
			re, err := regexp.Compile(r.Search)
			if err != nil {
				return nil, fmt.Errorf("patch rule %d: %w", i, err)
			}
			c.search = re
		} else {
			c.literal = []byte(r.Search)
		}

		var err error
		if c.includes, err = compileMatcher(r.Includes); err != nil {
			return nil, fmt.Errorf("patch rule %d includes: %w", i, err)
		}
		if c.excludes, err = compileMatcher(r.Excludes); err != nil {
			return nil, fmt.Errorf("patch rule %d excludes: %w", i, err)
		}
		p.rules = append(p.rules, c)
	}
	return p, nil
}

// LoadRules reads a YAML (or JSON) list of rules.
func LoadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patch rules: %w", err)
	}
	var rules []Rule
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("decode patch rules %s: %w", path, err)
	}
	return rules, nil
}

func compileMatcher(patterns []string) (matcher, error) {
	var m matcher
	for _, p := range patterns {
		if len(p) > 2 && strings.HasPrefix(p, "/") && strings.HasSuffix(p, "/") {
			re, err := regexp.Compile(p[1 : len(p)-1])
			if err != nil {
				return matcher{}, err
			}
			m.re = append(m.re, re)
			continue
		}
		m.exact = append(m.exact, p)
	}
	return m, nil
}

func (p *Patcher) Empty() bool {
	return p == nil || len(p.rules) == 0
}

// Patch applies every matching rule in order.
func (p *Patcher) Patch(url string, data []byte) []byte {
	if p.Empty() || len(data) == 0 {
		return data
	}
	for _, r := range p.rules {
		if !r.includes.empty() && !r.includes.match(url) {
			continue
		}
		if r.excludes.match(url) {
			continue
		}
		if r.search != nil {
			data = r.search.ReplaceAll(data, r.replace)
		} else {
			data = bytes.ReplaceAll(data, r.literal, r.replace)
		}
	}
	return data
}
