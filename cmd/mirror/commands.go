package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"go-mirror/internal/audit"
	"go-mirror/internal/config"
	"go-mirror/internal/crawl"
	httppkg "go-mirror/internal/http"
	"go-mirror/internal/logger"
	"go-mirror/internal/service"
)

// loadConfig reads the env file and lets flags and arguments override it.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("env"))
	if err != nil {
		return nil, err
	}

	if args := cmd.Args().Slice(); len(args) > 0 {
		cfg.Seeds = args
	}
	text := map[string]*string{
		"cache-dir":   &cfg.CacheDir,
		"log-level":   &cfg.Log.Level,
		"log-format":  &cfg.Log.Format,
		"output":      &cfg.OutputDir,
		"patch-file":  &cfg.PatchFile,
		"audit-db":    &cfg.AuditDB,
		"status-addr": &cfg.StatusAddr,
	}
	for name, dst := range text {
		if cmd.IsSet(name) {
			*dst = cmd.String(name)
		}
	}
	lists := map[string]*[]string{
		"allow-domain": &cfg.Crawl.AllowDomains,
		"deny-domain":  &cfg.Crawl.DenyDomains,
		"allow-path":   &cfg.Crawl.AllowPaths,
		"deny-path":    &cfg.Crawl.DenyPaths,
	}
	for name, dst := range lists {
		if cmd.IsSet(name) {
			*dst = cmd.StringSlice(name)
		}
	}
	if cmd.IsSet("sitemap") {
		cfg.UseSitemap = cmd.Bool("sitemap")
	}
	if cmd.IsSet("concurrency") {
		cfg.Crawl.FetchConcurrency = cmd.Int("concurrency")
	}
	if cmd.IsSet("redirect-limit") {
		cfg.Crawl.RedirectLimit = cmd.Int("redirect-limit")
	}
	if cmd.IsSet("timeout") {
		cfg.Fetch.Timeout = cmd.Duration("timeout")
	}
	return cfg, nil
}

func newService(ctx context.Context, cmd *cli.Command) (*service.MirrorService, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(logger.Config{Level: level, Format: cfg.Log.Format, Output: os.Stderr})

	svc, err := service.NewMirrorService(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}

// serveStatus starts the status server when an address is configured. The
// returned func stops it.
func serveStatus(svc *service.MirrorService, addr string) func() {
	if addr == "" {
		return func() {}
	}
	srv := httppkg.NewServer(svc)
	go func() {
		slog.Info("status server listening", "addr", addr)
		if err := srv.Start(addr); err != nil {
			slog.Error("status server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func mirrorAction(ctx context.Context, cmd *cli.Command) error {
	svc, cfg, err := newService(ctx, cmd)
	if err != nil {
		return err
	}
	defer svc.Close()
	defer serveStatus(svc, cfg.StatusAddr)()

	reports, err := svc.Mirror(ctx)
	for _, r := range reports {
		printReport(r)
	}
	if err == nil && len(reports) == 2 {
		printSuccess("mirror written to %s", cfg.OutputDir)
	}
	return err
}

func crawlAction(ctx context.Context, cmd *cli.Command) error {
	svc, cfg, err := newService(ctx, cmd)
	if err != nil {
		return err
	}
	defer svc.Close()
	defer serveStatus(svc, cfg.StatusAddr)()

	return report(svc.Crawl(ctx))
}

func writeAction(ctx context.Context, cmd *cli.Command) error {
	svc, cfg, err := newService(ctx, cmd)
	if err != nil {
		return err
	}
	defer svc.Close()
	defer serveStatus(svc, cfg.StatusAddr)()

	return report(svc.Write(ctx))
}

func report(r *crawl.Report, err error) error {
	if r != nil {
		printReport(r)
	}
	return err
}

func sitemapAction(ctx context.Context, cmd *cli.Command) error {
	svc, _, err := newService(ctx, cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	pages, err := svc.Sitemap(ctx)
	if err != nil {
		return err
	}
	for _, p := range pages {
		fmt.Println(p)
	}
	printInfo("%d pages", len(pages))
	return nil
}

func clearCacheAction(ctx context.Context, cmd *cli.Command) error {
	svc, cfg, err := newService(ctx, cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.ClearCache(); err != nil {
		return err
	}
	printSuccess("cache %s cleared", cfg.CacheDir)
	return nil
}

func auditAction(ctx context.Context, cmd *cli.Command) error {
	svc, cfg, err := newService(ctx, cmd)
	if err != nil {
		return err
	}
	defer svc.Close()
	if cfg.AuditDB == "" {
		return errors.New("audit: --audit-db or MIRROR_AUDIT_DB is required")
	}

	entries, err := svc.AuditEntries(ctx, audit.Filter{
		Stage: cmd.String("stage"),
		Level: cmd.String("level"),
		URL:   cmd.String("url"),
		JobID: cmd.String("job"),
		Limit: cmd.Int("limit"),
	})
	if err != nil {
		return err
	}
	for _, e := range entries {
		printEntry(e)
	}

	if u := cmd.String("url"); u != "" {
		st, err := svc.URLStatus(ctx, u)
		if err != nil {
			return err
		}
		if st == nil {
			printInfo("%s was never processed", u)
			return nil
		}
		printURLStatus(st)
	}
	return nil
}
