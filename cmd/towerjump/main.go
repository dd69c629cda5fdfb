package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"towerjump/internal/analysis"
	"towerjump/internal/events"
	"towerjump/internal/report"
	"towerjump/internal/service"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	input     string
	format    string
	policy    string
	window    time.Duration
	threshold time.Duration
	stats     bool
	verbose   bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	def := analysis.DefaultConfig()
	fs := flag.NewFlagSet("towerjump", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts options
	fs.StringVar(&opts.input, "i", "", "input CSV file (required)")
	fs.StringVar(&opts.format, "format", "json", "output format: json or csv")
	fs.StringVar(&opts.policy, "policy", string(def.Policy), "jump policy: neighbor-only or current-aware")
	fs.DurationVar(&opts.window, "window", def.Window, "half width of the majority window")
	fs.DurationVar(&opts.threshold, "threshold", def.JumpThreshold, "maximum prev/next gap for a tower jump")
	fs.BoolVar(&opts.stats, "stats", false, "print cleaning and report statistics to stderr")
	fs.BoolVar(&opts.verbose, "v", false, "log analysis events to stderr")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.input == "" {
		fs.Usage()
		return opts, errors.New("-i is required")
	}
	if opts.format != "json" && opts.format != "csv" {
		return opts, fmt.Errorf("unknown format %q", opts.format)
	}
	return opts, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	log.SetOutput(stderr)
	opts, err := parseFlags(args, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	policy, err := analysis.ParseJumpPolicy(opts.policy)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	var sink events.Sink = events.Discard
	if opts.verbose {
		sink = events.LogSink{Logger: log.New(stderr, "", log.LstdFlags)}
	}
	engine := analysis.NewEngine(analysis.Config{Window: opts.window, JumpThreshold: opts.threshold, Policy: policy}, sink)
	svc := service.New(engine, nil, nil)

	f, err := os.Open(opts.input)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer f.Close()
	rep, err := svc.Analyze(opts.input, f)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	switch opts.format {
	case "csv":
		err = report.WriteCSV(stdout, rep.Intervals)
	default:
		err = report.WriteJSON(stdout, rep.Intervals)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if opts.stats {
		enc := json.NewEncoder(stderr)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{
			"stats":           rep.Stats,
			"intervals":       len(rep.Intervals),
			"jump_count":      rep.JumpCount,
			"mean_confidence": rep.MeanConfidence,
			"bounds":          rep.Bounds,
		})
	}
	return 0
}
