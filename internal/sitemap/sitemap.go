// Package sitemap finds extra seed URLs through robots.txt Sitemap lines and
// the sitemap XML files they point to.
package sitemap

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/temoto/robotstxt"

	"go-mirror/internal/fetch"
)

const DefaultMaxDepth = 3

const (
	urlLocExpr     = "//*[local-name()='urlset']/*[local-name()='url']/*[local-name()='loc']"
	sitemapLocExpr = "//*[local-name()='sitemapindex']/*[local-name()='sitemap']/*[local-name()='loc']"
)

type Discoverer struct {
	fetcher  fetch.Fetcher
	logger   *slog.Logger
	MaxDepth int
}

func NewDiscoverer(f fetch.Fetcher, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{fetcher: f, logger: logger.With("component", "sitemap"), MaxDepth: DefaultMaxDepth}
}

// Discover returns the page URLs listed in the sitemaps of seed's host.
// Sitemaps come from robots.txt; without any, /sitemap.xml is tried.
// Unreachable or malformed sitemaps are skipped.
func (d *Discoverer) Discover(ctx context.Context, seed string) ([]string, error) {
	u, err := url.Parse(seed)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("sitemap: invalid seed %q", seed)
	}
	root := &url.URL{Scheme: u.Scheme, Host: u.Host}

	sitemaps, err := d.Sitemaps(ctx, root)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var pages []string
	for _, sm := range sitemaps {
		d.collect(ctx, sm, 0, seen, &pages)
	}
	return pages, nil
}

// Sitemaps lists the sitemap URLs announced by root's robots.txt.
func (d *Discoverer) Sitemaps(ctx context.Context, root *url.URL) ([]string, error) {
	robotsURL := root.ResolveReference(&url.URL{Path: "/robots.txt"}).String()
	fallback := []string{root.ResolveReference(&url.URL{Path: "/sitemap.xml"}).String()}

	resp, err := d.fetcher.Fetch(ctx, robotsURL)
	if err != nil {
		var te *fetch.TransportError
		if errors.As(err, &te) {
			d.logger.Debug("no robots.txt", "url", robotsURL, "error", err)
			return fallback, nil
		}
		return nil, fmt.Errorf("sitemap: fetch %s: %w", robotsURL, err)
	}
	if resp.IsRedirect() {
		return fallback, nil
	}

	robots, err := robotstxt.FromStatusAndBytes(resp.Status, resp.Body)
	if err != nil {
		d.logger.Warn("unreadable robots.txt", "url", robotsURL, "error", err)
		return fallback, nil
	}
	if len(robots.Sitemaps) == 0 {
		return fallback, nil
	}

	out := make([]string, 0, len(robots.Sitemaps))
	for _, s := range robots.Sitemaps {
		ref, err := url.Parse(strings.TrimSpace(s))
		if err != nil {
			continue
		}
		out = append(out, root.ResolveReference(ref).String())
	}
	return out, nil
}

func (d *Discoverer) collect(ctx context.Context, sitemapURL string, depth int, seen map[string]bool, pages *[]string) {
	if depth > d.MaxDepth || seen["sitemap:"+sitemapURL] {
		return
	}
	seen["sitemap:"+sitemapURL] = true

	resp, err := d.fetcher.Fetch(ctx, sitemapURL)
	if err != nil {
		d.logger.Warn("sitemap unreachable", "url", sitemapURL, "error", err)
		return
	}
	if resp.IsRedirect() {
		d.logger.Warn("sitemap redirected, skipping", "url", sitemapURL, "location", resp.Header.Get("Location"))
		return
	}

	locs, nested, err := Parse(resp.Body)
	if err != nil {
		d.logger.Warn("malformed sitemap", "url", sitemapURL, "error", err)
		return
	}
	for _, loc := range locs {
		if !seen[loc] {
			seen[loc] = true
			*pages = append(*pages, loc)
		}
	}
	for _, child := range nested {
		d.collect(ctx, child, depth+1, seen, pages)
	}
}

// Parse reads a sitemap or sitemap index, gzipped or not. It returns page
// locations and nested sitemap locations.
func Parse(body []byte) (pages, sitemaps []string, err error) {
	if bytes.HasPrefix(body, []byte{0x1f, 0x8b}) {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, nil, fmt.Errorf("sitemap: gunzip: %w", err)
		}
		defer zr.Close()
		if body, err = io.ReadAll(zr); err != nil {
			return nil, nil, fmt.Errorf("sitemap: gunzip: %w", err)
		}
	}

	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("sitemap: parse: %w", err)
	}

	urlNodes, err := xmlquery.QueryAll(doc, urlLocExpr)
	if err != nil {
		return nil, nil, err
	}
	indexNodes, err := xmlquery.QueryAll(doc, sitemapLocExpr)
	if err != nil {
		return nil, nil, err
	}
	if len(urlNodes) == 0 && len(indexNodes) == 0 && xmlquery.FindOne(doc, "//*[local-name()='urlset' or local-name()='sitemapindex']") == nil {
		return nil, nil, errors.New("sitemap: neither urlset nor sitemapindex")
	}

	return texts(urlNodes), texts(indexNodes), nil
}

func texts(nodes []*xmlquery.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if t := strings.TrimSpace(n.InnerText()); t != "" {
			out = append(out, t)
		}
	}
	return out
}
