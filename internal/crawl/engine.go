package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go-mirror/internal/cache"
	"go-mirror/internal/fetch"
	"go-mirror/internal/model"
	"go-mirror/internal/patch"
	"go-mirror/internal/pipeline"
	"go-mirror/internal/urlnorm"
)

const DefaultRedirectLimit = 8

type Concurrency struct {
	Request int
	Fetch   int
	Parse   int
	Write   int
}

func DefaultConcurrency() Concurrency {
	return Concurrency{Request: 8, Fetch: 4, Parse: 4, Write: 4}
}

type Config struct {
	OutputDir     string
	Concurrency   Concurrency
	Rules         Rules
	Canonical     urlnorm.Options
	RedirectLimit int
}

type Option func(*Engine)

func WithFetcher(f fetch.Fetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

func WithPatcher(p *patch.Patcher) Option {
	return func(e *Engine) { e.patcher = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithHistory(h pipeline.History) Option {
	return func(e *Engine) { e.history = h }
}

func WithAudit(a pipeline.AuditSink) Option {
	return func(e *Engine) { e.audit = a }
}

// Engine mirrors sites in two phases. Crawl runs request, fetch and parse
// stages and fills the cache; Write turns cached documents into files below
// OutputDir with links rewritten to point inside the mirror.
type Engine struct {
	cfg      Config
	cache    cache.Store
	fetcher  fetch.Fetcher
	patcher  *patch.Patcher
	rewriter *Rewriter
	logger   *slog.Logger
	history  pipeline.History
	audit    pipeline.AuditSink

	mu      sync.Mutex
	current *pipeline.Driver
}

func NewEngine(cfg Config, store cache.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("crawl: cache store is required")
	}
	if cfg.RedirectLimit <= 0 {
		cfg.RedirectLimit = DefaultRedirectLimit
	}
	if cfg.Canonical.Query == "" {
		cfg.Canonical.Query = urlnorm.QuerySort
	}
	def := DefaultConcurrency()
	if cfg.Concurrency.Request <= 0 {
		cfg.Concurrency.Request = def.Request
	}
	if cfg.Concurrency.Fetch <= 0 {
		cfg.Concurrency.Fetch = def.Fetch
	}
	if cfg.Concurrency.Parse <= 0 {
		cfg.Concurrency.Parse = def.Parse
	}
	if cfg.Concurrency.Write <= 0 {
		cfg.Concurrency.Write = def.Write
	}
	if _, err := NewValidator(cfg.Rules); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		cache:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.fetcher == nil {
		e.fetcher = fetch.NewHTTPFetcher(fetch.DefaultOptions(), e.logger)
	}
	e.rewriter = NewRewriter(store, cfg.Canonical, cfg.RedirectLimit)
	return e, nil
}

type Failure struct {
	Stage model.StageName `json:"stage"`
	URL   string          `json:"url"`
	Error string          `json:"error"`
}

type Report struct {
	Phase       string          `json:"phase"`
	StartedAt   time.Time       `json:"startedAt"`
	FinishedAt  time.Time       `json:"finishedAt"`
	Interrupted bool            `json:"interrupted,omitempty"`
	Fetched     int64           `json:"fetched"`
	CacheHits   int64           `json:"cacheHits"`
	Files       []string        `json:"files,omitempty"`
	Failures    []Failure       `json:"failures,omitempty"`
	Status      pipeline.Status `json:"status"`
}

func (r *Report) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Crawl fetches the seeds and everything reachable from them into the cache.
func (e *Engine) Crawl(ctx context.Context, seeds []string) (*Report, error) {
	if len(seeds) == 0 {
		return nil, errors.New("crawl: at least one seed is required")
	}
	rules := e.cfg.Rules
	if len(rules.AllowDomains) == 0 {
		rules.AllowDomains = SeedHosts(seeds)
	}
	validator, err := NewValidator(rules)
	if err != nil {
		return nil, err
	}

	r := e.newRun("crawl")
	r.validator = validator

	stages := []struct {
		name  model.StageName
		limit int
		chain []pipeline.ProcessorFunc
	}{
		{model.StageRequest, e.cfg.Concurrency.Request, []pipeline.ProcessorFunc{r.canonicalize, r.checkRedirectLimit, r.dedupRequest, r.validate, r.forwardToFetch}},
		{model.StageFetch, e.cfg.Concurrency.Fetch, []pipeline.ProcessorFunc{r.lookupCache, r.fetchRemote, r.forwardToParse}},
		{model.StageParse, e.cfg.Concurrency.Parse, []pipeline.ProcessorFunc{r.loadDocument, r.patchDocument, r.discover}},
	}
	for _, s := range stages {
		stage, err := r.driver.AddStage(s.name, pipeline.StageOptions{MaxConcurrent: s.limit})
		if err != nil {
			return nil, err
		}
		for _, p := range s.chain {
			stage.Use(p)
		}
	}

	for _, seed := range seeds {
		if _, err := r.driver.Submit(model.StageRequest, model.RequestPayload{URL: seed}); err != nil {
			return nil, fmt.Errorf("crawl: seed %s: %w", seed, err)
		}
	}
	return r.finish(ctx)
}

// Write renders every cached document reachable from the seeds into the
// output directory.
func (e *Engine) Write(ctx context.Context, seeds []string) (*Report, error) {
	if len(seeds) == 0 {
		return nil, errors.New("write: at least one seed is required")
	}
	if e.cfg.OutputDir == "" {
		return nil, errors.New("write: output directory is required")
	}

	r := e.newRun("write")
	stage, err := r.driver.AddStage(model.StageWrite, pipeline.StageOptions{MaxConcurrent: e.cfg.Concurrency.Write})
	if err != nil {
		return nil, err
	}
	stage.UseFunc(r.dedupWrite).
		UseFunc(r.loadWritable).
		UseFunc(r.rewriteLinks).
		UseFunc(r.writeFile)

	for _, seed := range seeds {
		u, err := urlnorm.Canonicalize(seed, nil, e.cfg.Canonical)
		if err != nil {
			return nil, fmt.Errorf("write: seed %s: %w", seed, err)
		}
		if _, err := r.driver.Submit(model.StageWrite, model.WritePayload{URL: u.String()}); err != nil {
			return nil, fmt.Errorf("write: seed %s: %w", seed, err)
		}
	}
	return r.finish(ctx)
}

// Mirror runs Crawl followed by Write. The write phase is skipped if the
// crawl was interrupted.
func (e *Engine) Mirror(ctx context.Context, seeds []string) ([]*Report, error) {
	crawled, err := e.Crawl(ctx, seeds)
	if err != nil {
		if crawled != nil {
			return []*Report{crawled}, err
		}
		return nil, err
	}
	written, err := e.Write(ctx, seeds)
	if written == nil {
		return []*Report{crawled}, err
	}
	return []*Report{crawled, written}, err
}

// Status reports on the phase in progress, or the last one that ran.
func (e *Engine) Status() (pipeline.Status, bool) {
	e.mu.Lock()
	d := e.current
	e.mu.Unlock()
	if d == nil {
		return pipeline.Status{}, false
	}
	return d.Status(), true
}

// Job looks up a queued or in-progress job of the current phase.
func (e *Engine) Job(id string) (model.JobSnapshot, bool) {
	e.mu.Lock()
	d := e.current
	e.mu.Unlock()
	if d == nil {
		return model.JobSnapshot{}, false
	}
	return d.Job(id)
}

// Live lists queued and in-progress jobs of the current phase.
func (e *Engine) Live() []model.JobSnapshot {
	e.mu.Lock()
	d := e.current
	e.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.Live()
}

func (e *Engine) newRun(phase string) *run {
	r := &run{
		e:         e,
		requested: NewTracker(),
		written:   NewTracker(),
		report:    &Report{Phase: phase, StartedAt: time.Now()},
		logger:    e.logger.With("phase", phase),
	}
	r.driver = pipeline.NewDriver(
		pipeline.WithLogger(r.logger),
		pipeline.WithHistory(r),
		pipeline.WithAudit(e.audit),
	)

	e.mu.Lock()
	e.current = r.driver
	e.mu.Unlock()
	return r
}

// run holds the state of one phase.
type run struct {
	e         *Engine
	driver    *pipeline.Driver
	validator *Validator
	requested *Tracker
	written   *Tracker
	logger    *slog.Logger

	fetched   atomic.Int64
	cacheHits atomic.Int64

	mu     sync.Mutex
	report *Report
}

// Record implements pipeline.History. Failures go into the report, every job
// is forwarded to the engine's history store.
func (r *run) Record(job model.JobSnapshot) {
	if job.Status == model.JobStatusFailed {
		r.mu.Lock()
		r.report.Failures = append(r.report.Failures, Failure{Stage: job.Stage, URL: job.URL, Error: job.Error})
		r.mu.Unlock()
	}
	if r.e.history != nil {
		r.e.history.Record(job)
	}
}

func (r *run) addFile(path string) {
	r.mu.Lock()
	r.report.Files = append(r.report.Files, path)
	r.mu.Unlock()
}

func (r *run) finish(ctx context.Context) (*Report, error) {
	err := r.driver.Run(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	rep := r.report
	rep.FinishedAt = time.Now()
	rep.Interrupted = err != nil
	rep.Fetched = r.fetched.Load()
	rep.CacheHits = r.cacheHits.Load()
	rep.Status = r.driver.Status()
	sort.Strings(rep.Files)
	sort.Slice(rep.Failures, func(i, j int) bool { return rep.Failures[i].URL < rep.Failures[j].URL })

	r.logger.Info("phase finished",
		"duration", rep.Duration().String(),
		"completed", rep.Status.Completed,
		"failed", rep.Status.Failed,
		"fetched", rep.Fetched,
		"files", len(rep.Files),
	)
	if err != nil {
		return rep, fmt.Errorf("%s interrupted: %w", rep.Phase, err)
	}
	return rep, nil
}

// SeedHosts returns the lower-cased hosts of seeds, the default allow-list.
func SeedHosts(seeds []string) []string {
	seen := make(map[string]bool)
	var hosts []string
	for _, s := range seeds {
		u, err := url.Parse(strings.TrimSpace(s))
		if err != nil || u.Hostname() == "" {
			continue
		}
		h := strings.ToLower(u.Hostname())
		if !seen[h] {
			seen[h] = true
			hosts = append(hosts, h)
		}
	}
	return hosts
}
