package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"go-mirror/internal/crawl"
	"go-mirror/internal/fetch"
	"go-mirror/internal/urlnorm"
)

type Config struct {
	Seeds      []string
	UseSitemap bool

	CacheDir   string
	OutputDir  string
	AuditDB    string // empty disables the audit log
	PatchFile  string
	StatusAddr string // empty disables the status server

	Crawl     CrawlConfig
	Canonical CanonicalConfig
	Fetch     FetchConfig
	Log       LogConfig
}

type CrawlConfig struct {
	RequestConcurrency int
	FetchConcurrency   int
	ParseConcurrency   int
	WriteConcurrency   int
	RedirectLimit      int
	AllowDomains       []string
	DenyDomains        []string
	AllowPaths         []string
	DenyPaths          []string
}

type CanonicalConfig struct {
	EnforceHTTPS       bool
	StripDefaultPort   bool
	StripFragment      bool
	StripTrailingSlash bool
	QueryPolicy        string // keep, sort or remove
}

type FetchConfig struct {
	Timeout      time.Duration
	Retries      int
	UserAgent    string
	MaxBodyBytes int64
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads envFilePath if it exists, then MIRROR_* environment variables.
func Load(envFilePath string) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	def := crawl.DefaultConcurrency()
	fetchDef := fetch.DefaultOptions()
	cfg := &Config{
		Seeds:      getEnvAsList("MIRROR_SEEDS", nil),
		UseSitemap: getEnvAsBool("MIRROR_SITEMAP", false),
		CacheDir:   getEnv("MIRROR_CACHE_DIR", ".mirror-cache"),
		OutputDir:  getEnv("MIRROR_OUTPUT_DIR", "mirror"),
		AuditDB:    getEnv("MIRROR_AUDIT_DB", ""),
		PatchFile:  getEnv("MIRROR_PATCH_FILE", ""),
		StatusAddr: getEnv("MIRROR_STATUS_ADDR", ""),
		Crawl: CrawlConfig{
			RequestConcurrency: getEnvAsInt("MIRROR_REQUEST_CONCURRENCY", def.Request),
			FetchConcurrency:   getEnvAsInt("MIRROR_FETCH_CONCURRENCY", def.Fetch),
			ParseConcurrency:   getEnvAsInt("MIRROR_PARSE_CONCURRENCY", def.Parse),
			WriteConcurrency:   getEnvAsInt("MIRROR_WRITE_CONCURRENCY", def.Write),
			RedirectLimit:      getEnvAsInt("MIRROR_REDIRECT_LIMIT", crawl.DefaultRedirectLimit),
			AllowDomains:       getEnvAsList("MIRROR_ALLOW_DOMAINS", nil),
			DenyDomains:        getEnvAsList("MIRROR_DENY_DOMAINS", nil),
			AllowPaths:         getEnvAsList("MIRROR_ALLOW_PATHS", nil),
			DenyPaths:          getEnvAsList("MIRROR_DENY_PATHS", nil),
		},
		Canonical: CanonicalConfig{
			EnforceHTTPS:       getEnvAsBool("MIRROR_ENFORCE_HTTPS", false),
			StripDefaultPort:   getEnvAsBool("MIRROR_STRIP_DEFAULT_PORT", true),
			StripFragment:      getEnvAsBool("MIRROR_STRIP_FRAGMENT", true),
			StripTrailingSlash: getEnvAsBool("MIRROR_STRIP_TRAILING_SLASH", false),
			QueryPolicy:        getEnv("MIRROR_QUERY_POLICY", string(urlnorm.QuerySort)),
		},
		Fetch: FetchConfig{
			Timeout:      getEnvAsDuration("MIRROR_FETCH_TIMEOUT", fetchDef.Timeout),
			Retries:      getEnvAsInt("MIRROR_FETCH_RETRIES", fetchDef.Retries),
			UserAgent:    getEnv("MIRROR_USER_AGENT", fetchDef.UserAgent),
			MaxBodyBytes: int64(getEnvAsInt("MIRROR_MAX_BODY_BYTES", int(fetchDef.MaxBodyBytes))),
		},
		Log: LogConfig{
			Level:  getEnv("MIRROR_LOG_LEVEL", "info"),
			Format: getEnv("MIRROR_LOG_FORMAT", "text"),
		},
	}

	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	var errs []error
	if c.CacheDir == "" {
		errs = append(errs, errors.New("cache directory is required"))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output directory is required"))
	}
	if c.Crawl.RedirectLimit < 0 {
		errs = append(errs, errors.New("redirect limit must not be negative"))
	}
	for name, n := range map[string]int{
		"request": c.Crawl.RequestConcurrency,
		"fetch":   c.Crawl.FetchConcurrency,
		"parse":   c.Crawl.ParseConcurrency,
		"write":   c.Crawl.WriteConcurrency,
	} {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s concurrency must be positive, got %d", name, n))
		}
	}
	if _, err := urlnorm.ParseQueryPolicy(c.Canonical.QueryPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.Fetch.Retries < 0 {
		errs = append(errs, errors.New("fetch retries must not be negative"))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log format must be json or text, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (c *Config) CanonicalOptions() urlnorm.Options {
	q, err := urlnorm.ParseQueryPolicy(c.Canonical.QueryPolicy)
	if err != nil {
		q = urlnorm.QuerySort
	}
	return urlnorm.Options{
		EnforceHTTPS:       c.Canonical.EnforceHTTPS,
		StripDefaultPort:   c.Canonical.StripDefaultPort,
		StripFragment:      c.Canonical.StripFragment,
		StripTrailingSlash: c.Canonical.StripTrailingSlash,
		Query:              q,
	}
}

func (c *Config) FetchOptions() fetch.Options {
	opts := fetch.DefaultOptions()
	opts.Timeout = c.Fetch.Timeout
	opts.Retries = c.Fetch.Retries
	if c.Fetch.UserAgent != "" {
		opts.UserAgent = c.Fetch.UserAgent
	}
	if c.Fetch.MaxBodyBytes > 0 {
		opts.MaxBodyBytes = c.Fetch.MaxBodyBytes
	}
	return opts
}

func (c *Config) EngineConfig() crawl.Config {
	return crawl.Config{
		OutputDir: c.OutputDir,
		Concurrency: crawl.Concurrency{
			Request: c.Crawl.RequestConcurrency,
			Fetch:   c.Crawl.FetchConcurrency,
			Parse:   c.Crawl.ParseConcurrency,
			Write:   c.Crawl.WriteConcurrency,
		},
		Rules: crawl.Rules{
			AllowDomains: c.Crawl.AllowDomains,
			DenyDomains:  c.Crawl.DenyDomains,
			AllowPaths:   c.Crawl.AllowPaths,
			DenyPaths:    c.Crawl.DenyPaths,
		},
		Canonical:     c.CanonicalOptions(),
		RedirectLimit: c.Crawl.RedirectLimit,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated value, dropping empty items.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
