// Argus is a proactive memory assistant. It watches chat messages for
// commitments (appointments, bills, bookings, tasks), stores them, and
// resurfaces them at the right time or in the right browsing context.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]); a missing file means
// built-in defaults plus ARGUS_* environment overrides.
//
// Usage:
//
//	argus serve              Start the API server
//	argus init [dir]         Initialize a working directory with defaults
//	argus version            Print version and build information
//	argus -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Akshat74747/argus/internal/aicache"
	"github.com/Akshat74747/argus/internal/api"
	"github.com/Akshat74747/argus/internal/buildinfo"
	"github.com/Akshat74747/argus/internal/config"
	"github.com/Akshat74747/argus/internal/contextmatch"
	"github.com/Akshat74747/argus/internal/defaults"
	"github.com/Akshat74747/argus/internal/embeddings"
	"github.com/Akshat74747/argus/internal/faults"
	"github.com/Akshat74747/argus/internal/ingest"
	"github.com/Akshat74747/argus/internal/llm"
	"github.com/Akshat74747/argus/internal/push"
	"github.com/Akshat74747/argus/internal/sched"
	"github.com/Akshat74747/argus/internal/store"
	"github.com/Akshat74747/argus/internal/tier"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the argus command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of all servers and background goroutines.
//   - stdout and stderr receive all program output.
//   - args is os.Args[1:]. We parse these manually rather than using
//     the flag package to avoid global state that interferes with
//     parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.RuntimeInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runInit initializes an Argus working directory. Existing files are
// never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Argus workspace in %s\n", dir)

	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(w, "  - %s (exists, left alone)\n", configPath)
		return nil
	}
	if err := os.WriteFile(configPath, defaults.ConfigYAML, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", configPath, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Argus - Proactive Memory Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: argus [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/argus/config.yaml, /etc/argus/config.yaml")
	fmt.Fprintln(w, "  (no file found = built-in defaults + ARGUS_* env overrides)")
	return nil
}

// loadConfig resolves and loads the configuration. An explicit -config
// path must exist; otherwise a missing file falls back to defaults so
// that a bare `argus serve` works out of the box.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "(defaults)", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// runServe is the primary operating mode: load config, open the store,
// wire the pipeline, matcher, scheduler and API server, and block until
// a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. Background loops stop and a final snapshot is written
//  4. The websocket and the database close last
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	// A .env next to the binary is the no-fuss way to supply the LLM
	// API key during development.
	_ = godotenv.Load()

	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Argus", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	slog.SetDefault(logger)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.LLM.Model,
		"llm_url", cfg.LLM.BaseURL,
		"tier_mode", cfg.AI.TierMode,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Fault plumbing ---
	// Swallowed storage errors land in the dead letter log; the guard
	// wraps every store write so a sick database degrades instead of
	// crashing the pipeline.
	deadLetter := faults.NewDeadLetter(filepath.Join(cfg.DataDir, "dead-letter.jsonl"), cfg.DebugErrors)
	guard := faults.NewGuard(logger, deadLetter, cfg.DebugErrors)

	st, err := store.NewStore(filepath.Join(cfg.DataDir, "argus.db"), guard, store.Options{
		HotWindowDays: cfg.Search.HotWindowDays,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// --- AI stack ---
	client := llm.NewOpenAIClient(cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.APIKey)
	assist := llm.NewAssist(client, logger)

	embed := embeddings.New(embeddings.Config{
		BaseURL:   cfg.Embeddings.BaseURL,
		Model:     cfg.Embeddings.Model,
		Dimension: cfg.Embeddings.Dim,
	})

	mode, err := tier.ParseMode(cfg.AI.TierMode)
	if err != nil {
		return err
	}
	tiers := tier.New(mode, time.Duration(cfg.AI.CooldownBaseSec)*time.Second, logger)
	tiers.SetProbe(assist.Ping)
	defer tiers.Stop()

	cache := aicache.New(cfg.AI.CacheMaxSize, time.Duration(cfg.AI.CacheTTLSec)*time.Second)

	// --- Services ---
	hub := push.NewHub(logger)
	defer hub.Close()

	pipeline := ingest.NewService(cfg.Ingest, st, assist, embed, tiers, cache, hub, logger)

	matcher := contextmatch.NewMatcher(st, assist, embed, tiers, logger)
	matcher.StartBackfill(ctx)
	defer matcher.Stop()

	scheduler := sched.New(st, hub, cfg.DataDir, cfg.Backup.RetentionDays, logger)
	scheduler.Start(ctx)

	srv := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, cfg.DataDir, api.Deps{
		Store:     st,
		Pipeline:  pipeline,
		Matcher:   matcher,
		Scheduler: scheduler,
		Tiers:     tiers,
		Cache:     cache,
		Assist:    assist,
		Hub:       hub,
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}

	scheduler.Stop()
	scheduler.SnapshotOnShutdown()

	logger.Info("shutdown complete")
	return nil
}
