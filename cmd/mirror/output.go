package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"

	"go-mirror/internal/audit"
	"go-mirror/internal/crawl"
)

var (
	colorSuccess = color.New(color.FgGreen).SprintFunc()
	colorWarn    = color.New(color.FgYellow).SprintFunc()
	colorError   = color.New(color.FgRed).SprintFunc()
	colorInfo    = color.New(color.FgCyan).SprintFunc()
	colorDim     = color.New(color.Faint).SprintFunc()
	colorBold    = color.New(color.Bold).SprintFunc()
)

const (
	prefixOK    = "✓"
	prefixWarn  = "⚠"
	prefixError = "✗"
	prefixInfo  = "ℹ"
)

// failures shown per report before the rest is summarized
const maxListedFailures = 20

func printSuccess(format string, args ...any) {
	fmt.Printf("%s %s\n", colorSuccess(prefixOK), fmt.Sprintf(format, args...))
}

func printInfo(format string, args ...any) {
	fmt.Printf("%s %s\n", colorInfo(prefixInfo), fmt.Sprintf(format, args...))
}

func printReport(r *crawl.Report) {
	status := colorSuccess(prefixOK)
	if r.Interrupted {
		status = colorWarn(prefixWarn)
	}
	fmt.Printf("%s %s %s\n", status, colorBold(r.Phase), colorDim(r.Duration().Round(time.Millisecond).String()))

	st := r.Status
	fmt.Printf("  completed %d  failed %s  abandoned %d\n",
		st.Completed, failedCount(st.Failed), st.Abandoned)
	switch r.Phase {
	case "crawl":
		fmt.Printf("  fetched %d  cache hits %d\n", r.Fetched, r.CacheHits)
	case "write":
		fmt.Printf("  files %d\n", len(r.Files))
	}

	for _, s := range st.Stages {
		if len(s.Signals) == 0 {
			continue
		}
		keys := make([]string, 0, len(s.Signals))
		for k := range s.Signals {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s %s: %d\n", colorDim(string(s.Name)), k, s.Signals[k])
		}
	}

	for i, f := range r.Failures {
		if i == maxListedFailures {
			fmt.Printf("  %s\n", colorDim(fmt.Sprintf("... %d more", len(r.Failures)-i)))
			break
		}
		fmt.Printf("  %s %s %s %s\n", colorError(prefixError), colorDim(string(f.Stage)), f.URL, colorError(f.Error))
	}
}

func failedCount(n int64) string {
	if n == 0 {
		return "0"
	}
	return colorError(n)
}

func printEntry(e audit.Entry) {
	level := colorDim(e.Level)
	switch e.Level {
	case "error":
		level = colorError(e.Level)
	case "warn":
		level = colorWarn(e.Level)
	}
	fmt.Printf("%s %s %-7s %s %s\n", colorDim(e.Timestamp.Local().Format(time.DateTime)), level, e.Stage, e.Message, e.URL)
	if msg, ok := e.Details["error"].(string); ok && msg != "" {
		fmt.Printf("  %s\n", colorError(msg))
	}
}

func printURLStatus(st *audit.URLStatus) {
	status := colorSuccess(prefixOK)
	if st.Status == "failed" {
		status = colorError(prefixError)
	}
	fmt.Printf("%s %s %s %s\n", status, colorBold(st.URL), st.Stage, st.Status)
	if st.Reason != "" {
		fmt.Printf("  %s\n", colorDim(st.Reason))
	}
	if st.Error != "" {
		fmt.Printf("  %s\n", colorError(st.Error))
	}
}
