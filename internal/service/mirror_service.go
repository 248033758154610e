package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"

	"go-mirror/internal/audit"
	"go-mirror/internal/cache"
	"go-mirror/internal/config"
	"go-mirror/internal/crawl"
	"go-mirror/internal/fetch"
	"go-mirror/internal/model"
	"go-mirror/internal/patch"
	"go-mirror/internal/pipeline"
	"go-mirror/internal/sitemap"
	"go-mirror/internal/store"
)

type Option func(*options)

type options struct {
	fetcher fetch.Fetcher
}

// WithFetcher replaces the HTTP fetcher built from the config.
func WithFetcher(f fetch.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// MirrorService wires config, cache, audit log and job history around one
// crawl engine.
type MirrorService struct {
	cfg     *config.Config
	logger  *slog.Logger
	cache   *cache.Disk
	audit   *audit.SQLite
	jobs    *store.JobStore
	fetcher fetch.Fetcher
	engine  *crawl.Engine
}

func NewMirrorService(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*MirrorService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &MirrorService{
		cfg:     cfg,
		logger:  logger,
		jobs:    store.NewJobStore(store.DefaultCapacity),
		fetcher: o.fetcher,
	}
	if s.fetcher == nil {
		s.fetcher = fetch.NewHTTPFetcher(cfg.FetchOptions(), logger)
	}

	var err error
	if s.cache, err = cache.Open(cfg.CacheDir); err != nil {
		return nil, err
	}

	patcher, err := loadPatcher(cfg.PatchFile)
	if err != nil {
		return nil, err
	}

	var sink pipeline.AuditSink = audit.Nop{}
	if cfg.AuditDB != "" {
		if s.audit, err = audit.Open(ctx, cfg.AuditDB, logger); err != nil {
			return nil, err
		}
		sink = s.audit
	}

	engineCfg := cfg.EngineConfig()
	if len(engineCfg.Rules.AllowDomains) == 0 {
		// sitemap pages join the seeds per run and must not widen the scope
		engineCfg.Rules.AllowDomains = crawl.SeedHosts(cfg.Seeds)
	}
	s.engine, err = crawl.NewEngine(engineCfg, s.cache,
		crawl.WithFetcher(s.fetcher),
		crawl.WithPatcher(patcher),
		crawl.WithLogger(logger),
		crawl.WithHistory(s.jobs),
		crawl.WithAudit(sink),
	)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func loadPatcher(path string) (*patch.Patcher, error) {
	if path == "" {
		return patch.New(nil)
	}
	rules, err := patch.LoadRules(path)
	if err != nil {
		return nil, err
	}
	return patch.New(rules)
}

// Seeds returns the configured seeds, plus sitemap pages when enabled.
func (s *MirrorService) Seeds(ctx context.Context) ([]string, error) {
	if len(s.cfg.Seeds) == 0 {
		return nil, errors.New("no seed URLs configured")
	}
	seeds := append([]string(nil), s.cfg.Seeds...)
	if !s.cfg.UseSitemap {
		return seeds, nil
	}

	extra, err := s.Sitemap(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(seeds))
	for _, u := range seeds {
		seen[u] = true
	}
	for _, u := range extra {
		if !seen[u] {
			seen[u] = true
			seeds = append(seeds, u)
		}
	}
	return seeds, nil
}

// Sitemap lists the page URLs found in the sitemaps of every seed host.
func (s *MirrorService) Sitemap(ctx context.Context) ([]string, error) {
	d := sitemap.NewDiscoverer(s.fetcher, s.logger)
	hosts := make(map[string]bool)
	seen := make(map[string]bool)
	var out []string
	for _, seed := range s.cfg.Seeds {
		root, err := rootOf(seed)
		if err != nil {
			return nil, err
		}
		if hosts[root] {
			continue
		}
		hosts[root] = true

		pages, err := d.Discover(ctx, seed)
		if err != nil {
			return nil, err
		}
		s.logger.Info("sitemap discovered", "site", root, "pages", len(pages))
		for _, p := range pages {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (s *MirrorService) Mirror(ctx context.Context) ([]*crawl.Report, error) {
	seeds, err := s.Seeds(ctx)
	if err != nil {
		return nil, err
	}
	return s.engine.Mirror(ctx, seeds)
}

func (s *MirrorService) Crawl(ctx context.Context) (*crawl.Report, error) {
	seeds, err := s.Seeds(ctx)
	if err != nil {
		return nil, err
	}
	return s.engine.Crawl(ctx, seeds)
}

func (s *MirrorService) Write(ctx context.Context) (*crawl.Report, error) {
	seeds, err := s.Seeds(ctx)
	if err != nil {
		return nil, err
	}
	return s.engine.Write(ctx, seeds)
}

func (s *MirrorService) ClearCache() error {
	s.logger.Info("clearing cache", "dir", s.cache.Dir())
	return s.cache.Clear()
}

func (s *MirrorService) Status() (pipeline.Status, bool) {
	return s.engine.Status()
}

// GetJob finds a job among live jobs first, then in the history.
func (s *MirrorService) GetJob(id string) (model.JobSnapshot, error) {
	if job, ok := s.engine.Job(id); ok {
		return job, nil
	}
	return s.jobs.GetJob(id)
}

// ListJobs returns live jobs followed by finished ones.
func (s *MirrorService) ListJobs(f store.JobFilter) []model.JobSnapshot {
	var live []model.JobSnapshot
	for _, job := range s.engine.Live() {
		if f.Match(&job) {
			live = append(live, job)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt.After(live[j].CreatedAt) })

	if f.Limit > 0 && len(live) >= f.Limit {
		return live[:f.Limit]
	}
	rest := f
	if f.Limit > 0 {
		rest.Limit = f.Limit - len(live)
	}
	return append(live, s.jobs.ListJobs(rest)...)
}

// JobCounts tallies finished jobs by stage and status.
func (s *MirrorService) JobCounts() map[model.StageName]map[model.JobStatus]int {
	return s.jobs.Counts()
}

// FailedURLs lists the URLs of failed jobs still in the history.
func (s *MirrorService) FailedURLs() []string {
	return s.jobs.Failed()
}

// ClearHistory forgets finished jobs. Live jobs and the audit log are kept.
func (s *MirrorService) ClearHistory() int {
	n := s.jobs.Clear()
	s.logger.Info("job history cleared", "jobs", n)
	return n
}

// AuditEntries reads the audit log. It fails with audit.ErrDisabled when no
// audit database is set.
func (s *MirrorService) AuditEntries(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	if s.audit == nil {
		return nil, audit.ErrDisabled
	}
	if err := s.audit.Flush(ctx); err != nil {
		return nil, err
	}
	return s.audit.Entries(ctx, f)
}

// URLStatus returns the last terminal status the audit log holds for url, or
// nil when the URL was never processed.
func (s *MirrorService) URLStatus(ctx context.Context, url string) (*audit.URLStatus, error) {
	if s.audit == nil {
		return nil, audit.ErrDisabled
	}
	if err := s.audit.Flush(ctx); err != nil {
		return nil, err
	}
	return s.audit.Status(ctx, url)
}

func (s *MirrorService) Close() error {
	if s.audit != nil {
		return s.audit.Close()
	}
	return nil
}

func rootOf(seed string) (string, error) {
	u, err := url.Parse(seed)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid seed URL %q", seed)
	}
	return u.Scheme + "://" + u.Host, nil
}
