package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:      "mirror",
		Usage:     "mirror websites into a browsable local copy",
		ArgsUsage: "[seed URL...]",
		Flags:     runFlags(),
		Action:    mirrorAction,
		Commands: []*cli.Command{
			{
				Name:      "mirror",
				Usage:     "crawl the seeds into the cache, then write the mirror",
				ArgsUsage: "[seed URL...]",
				Flags:     runFlags(),
				Action:    mirrorAction,
			},
			{
				Name:      "crawl",
				Usage:     "fetch the seeds and everything they link to into the cache",
				ArgsUsage: "[seed URL...]",
				Flags:     runFlags(),
				Action:    crawlAction,
			},
			{
				Name:      "write",
				Usage:     "write cached documents reachable from the seeds to the output directory",
				ArgsUsage: "[seed URL...]",
				Flags:     runFlags(),
				Action:    writeAction,
			},
			{
				Name:      "sitemap",
				Usage:     "print the page URLs announced by the seeds' sitemaps",
				ArgsUsage: "[seed URL...]",
				Flags:     baseFlags(),
				Action:    sitemapAction,
			},
			{
				Name:   "audit",
				Usage:  "query the audit log of earlier runs",
				Flags:  auditFlags(),
				Action: auditAction,
			},
			{
				Name:   "clear-cache",
				Usage:  "remove every cached response",
				Flags:  baseFlags(),
				Action: clearCacheAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func baseFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "env",
			Usage: "environment file path",
			Value: ".env",
		},
		&cli.StringFlag{
			Name:  "cache-dir",
			Usage: "directory holding cached responses",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn or error",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "text or json",
		},
	}
}

func auditFlags() []cli.Flag {
	return append(baseFlags(),
		&cli.StringFlag{
			Name:  "audit-db",
			Usage: "SQLite file holding the audit log",
		},
		&cli.StringFlag{
			Name:  "stage",
			Usage: "only entries of this stage",
		},
		&cli.StringFlag{
			Name:  "level",
			Usage: "only entries of this level",
		},
		&cli.StringFlag{
			Name:  "url",
			Usage: "only entries of this URL, and print its last status",
		},
		&cli.StringFlag{
			Name:  "job",
			Usage: "only entries of this job ID",
		},
		&cli.IntFlag{
			Name:  "limit",
			Usage: "maximum entries printed",
			Value: 50,
		},
	)
}

func runFlags() []cli.Flag {
	return append(baseFlags(),
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "output directory of the mirror",
		},
		&cli.BoolFlag{
			Name:  "sitemap",
			Usage: "add pages listed in the seeds' sitemaps as seeds",
		},
		&cli.StringSliceFlag{
			Name:  "allow-domain",
			Usage: "host glob to crawl (default: the seed hosts)",
		},
		&cli.StringSliceFlag{
			Name:  "deny-domain",
			Usage: "host glob never to crawl",
		},
		&cli.StringSliceFlag{
			Name:  "allow-path",
			Usage: "path regexp to crawl",
		},
		&cli.StringSliceFlag{
			Name:  "deny-path",
			Usage: "path regexp never to crawl",
		},
		&cli.IntFlag{
			Name:  "concurrency",
			Usage: "concurrent fetches",
		},
		&cli.IntFlag{
			Name:  "redirect-limit",
			Usage: "maximum redirects followed per URL",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "timeout of a single fetch",
		},
		&cli.StringFlag{
			Name:  "patch-file",
			Usage: "YAML file of search/replace rules applied to documents",
		},
		&cli.StringFlag{
			Name:  "audit-db",
			Usage: "SQLite file receiving the audit log",
		},
		&cli.StringFlag{
			Name:  "status-addr",
			Usage: "listen address of the status server, e.g. :8080",
		},
	)
}
