package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/floegence/evidra/internal/config"
	"github.com/floegence/evidra/internal/lockfile"
	"github.com/floegence/evidra/internal/pipeline"
	"github.com/floegence/evidra/internal/tuner"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "ingest":
		ingestCmd(os.Args[2:])
	case "validate":
		validateCmd(os.Args[2:])
	case "feedback":
		feedbackCmd(os.Args[2:])
	case "tune":
		tuneCmd(os.Args[2:])
	case "audit":
		auditCmd(os.Args[2:])
	case "version":
		fmt.Printf("evidra %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `evidra

Usage:
  evidra ingest [flags]
  evidra validate [flags]
  evidra feedback [flags]
  evidra tune [flags]
  evidra audit [flags]
  evidra version

Commands:
  ingest      Scan a source root, track provenance, and chunk changed text artifacts.
  validate    Build a validated evidence packet from an evidence file, or re-check an existing packet.
  feedback    Record an agent verdict (correct|incorrect|partial) for a shipped packet.
  tune        Analyze recent feedback and apply bounded penalty adjustments.
  audit       List recent packet audit entries, newest first.
  version     Print build information.

`)
}

// openPipeline loads (or initializes) the config and wires the pipeline.
func openPipeline(cfgPath string) (*pipeline.Pipeline, string) {
	cfgPathClean := filepath.Clean(strings.TrimSpace(cfgPath))
	if strings.TrimSpace(cfgPath) == "" {
		cfgPathClean = filepath.Clean(config.DefaultConfigPath())
	}

	cfg, err := config.Load(cfgPathClean)
	if err != nil {
		// First run on a clean machine: write a default config.
		if os.IsNotExist(err) {
			cfg = &config.Config{LogFormat: "json", LogLevel: "info"}
			if err := config.Save(cfgPathClean, cfg); err != nil {
				fmt.Fprintf(os.Stderr, "failed to init default config: %v\n", err)
				os.Exit(1)
			}
		} else {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	p, err := pipeline.New(pipeline.Options{
		Config:     cfg,
		ConfigPath: cfgPathClean,
		Version:    Version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init pipeline: %v\n", err)
		os.Exit(1)
	}
	return p, cfgPathClean
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()
	return ctx, cancel
}

func ingestCmd(args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file path (default: ~/.evidra/config.json)")
	root := fs.String("root", "", "Source root to scan (default: config root_dir or current dir)")
	outPath := fs.String("out", "", "Write the full result (records + chunks) as JSON to this file")
	_ = fs.Parse(args)

	p, _ := openPipeline(*cfgPath)
	defer func() { _ = p.Close() }()

	ctx, cancel := signalContext()
	defer cancel()

	res, err := p.Ingest(ctx, *root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingest failed: %v\n", err)
		os.Exit(1)
	}

	if strings.TrimSpace(*outPath) != "" {
		if err := writeJSONFile(*outPath, res); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", *outPath, err)
			os.Exit(1)
		}
	}

	summary := map[string]any{
		"root":          res.Root,
		"scanned":       res.Scanned,
		"skipped":       res.Skipped,
		"unchanged":     res.Unchanged,
		"binary":        res.Binary,
		"files_chunked": res.Files,
		"chunks":        len(res.Chunks),
	}
	os.Exit(writeJSON(summary))
}

func validateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file path (default: ~/.evidra/config.json)")
	evidencePath := fs.String("evidence", "", "Evidence file: JSON query request {question, evidence[], relationships[]}")
	packetPath := fs.String("packet", "", "Re-check an existing packet JSON file instead of building one")
	question := fs.String("question", "", "Question override for the evidence file")
	project := fs.String("project", "", "Project scope override")
	_ = fs.Parse(args)

	p, _ := openPipeline(*cfgPath)
	defer func() { _ = p.Close() }()

	if strings.TrimSpace(*packetPath) != "" {
		data, err := os.ReadFile(*packetPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read packet: %v\n", err)
			os.Exit(1)
		}
		hash, issues, err := p.CheckPacket(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "packet check failed: %v\n", err)
			os.Exit(1)
		}
		code := writeJSON(map[string]any{"hash": hash, "issues": issues, "valid": len(issues) == 0})
		if code == 0 && len(issues) > 0 {
			code = 1
		}
		os.Exit(code)
	}

	if strings.TrimSpace(*evidencePath) == "" {
		fmt.Fprintln(os.Stderr, "missing --evidence (or --packet)")
		fs.Usage()
		os.Exit(2)
	}
	data, err := os.ReadFile(*evidencePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read evidence: %v\n", err)
		os.Exit(1)
	}
	var req pipeline.QueryRequest
	if err := json.Unmarshal(data, &req); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse evidence: %v\n", err)
		os.Exit(1)
	}
	if strings.TrimSpace(*question) != "" {
		req.Question = *question
	}
	if strings.TrimSpace(*project) != "" {
		req.Project = *project
	}

	ctx, cancel := signalContext()
	defer cancel()

	res, err := p.RunQuery(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query failed: %v\n", err)
		os.Exit(1)
	}
	code := writeJSON(res)
	if code == 0 && len(res.Issues) > 0 {
		code = 1
	}
	os.Exit(code)
}

func feedbackCmd(args []string) {
	fs := flag.NewFlagSet("feedback", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file path (default: ~/.evidra/config.json)")
	queryID := fs.String("query-id", "", "Query id of the packet the verdict refers to (qr_...)")
	verdict := fs.String("verdict", "", "Verdict: correct|incorrect|partial")
	project := fs.String("project", "", "Project scope override")
	note := fs.String("note", "", "Optional free-form note")
	_ = fs.Parse(args)

	if strings.TrimSpace(*queryID) == "" || strings.TrimSpace(*verdict) == "" {
		fmt.Fprintln(os.Stderr, "missing --query-id or --verdict")
		fs.Usage()
		os.Exit(2)
	}

	p, _ := openPipeline(*cfgPath)
	defer func() { _ = p.Close() }()

	ev, err := p.RecordFeedback(context.Background(), pipeline.Feedback{
		QueryID: *queryID,
		Verdict: *verdict,
		Project: *project,
		Note:    *note,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "feedback failed: %v\n", err)
		os.Exit(1)
	}
	os.Exit(writeJSON(ev))
}

func tuneCmd(args []string) {
	fs := flag.NewFlagSet("tune", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file path (default: ~/.evidra/config.json)")
	project := fs.String("project", "", "Project scope override")
	windowDays := fs.Int("window-days", 0, "Feedback window in days (default: config or 30)")
	minSamples := fs.Int("min-samples", 0, "Minimum feedback samples before tuning (default: config or 10)")
	strength := fs.Float64("strength", 1, "Adjustment strength in [0,1]")
	dryRun := fs.Bool("dry-run", false, "Analyze and simulate only; persist nothing")
	_ = fs.Parse(args)

	p, _ := openPipeline(*cfgPath)
	defer func() { _ = p.Close() }()

	// One tuning run per state dir at a time.
	lockPath := filepath.Join(p.StateDir(), "tuning.lock")
	lk, err := lockfile.Acquire(lockPath)
	if err != nil {
		// Keep the message actionable; users can wait for the running tune then retry.
		fmt.Fprintf(os.Stderr, "failed to acquire tuning lock (%s): %v\n", lockPath, err)
		os.Exit(1)
	}
	defer func() { _ = lk.Release() }()

	ctx, cancel := signalContext()
	defer cancel()

	res, err := p.Tune(ctx, tuner.RunOptions{
		Window:     time.Duration(*windowDays) * 24 * time.Hour,
		Project:    *project,
		MinSamples: *minSamples,
		Strength:   *strength,
		DryRun:     *dryRun,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tune failed: %v\n", err)
		os.Exit(1)
	}
	os.Exit(writeJSON(res))
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file path (default: ~/.evidra/config.json)")
	project := fs.String("project", "", "Filter by project")
	action := fs.String("action", "", "Filter by action (query_answered|packet_rejected|tuning_applied|ingest_completed)")
	limit := fs.Int("limit", 0, "Max entries (default 200)")
	_ = fs.Parse(args)

	p, _ := openPipeline(*cfgPath)
	defer func() { _ = p.Close() }()

	entries, err := p.AuditTrail(*project, *action, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit failed: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			fmt.Fprintf(os.Stderr, "json error: %v\n", err)
			os.Exit(1)
		}
	}
}

func writeJSON(value any) int {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "json error: %v\n", err)
		return 1
	}
	fmt.Println(string(encoded))
	return 0
}

func writeJSONFile(path string, value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	encoded = append(encoded, '\n')
	return os.WriteFile(path, encoded, 0o600)
}
