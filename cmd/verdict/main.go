// Verdict is a QQ chat bot that judges quoted conversations.
//
// Whitelisted users reply to a combined-forward message with a command
// word; verdict flattens the forwarded conversation into a transcript,
// asks an OpenAI-compatible model to rule on it using a selectable
// prompt template, and replies with the result rendered as an image
// (falling back to plain text when rendering fails). Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	verdict serve                     Connect to the OneBot bridge and answer commands
//	verdict init [dir]                Initialize a working directory with defaults
//	verdict judge <file> [template]   Judge a transcript file (for testing)
//	verdict stats [days]              Show judgement statistics
//	verdict version                   Print version and build information
//	verdict -o json version           Output version information as JSON
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fogmoth/verdict/internal/access"
	"github.com/fogmoth/verdict/internal/buildinfo"
	"github.com/fogmoth/verdict/internal/config"
	"github.com/fogmoth/verdict/internal/connwatch"
	"github.com/fogmoth/verdict/internal/judge"
	"github.com/fogmoth/verdict/internal/llm"
	"github.com/fogmoth/verdict/internal/onebot"
	"github.com/fogmoth/verdict/internal/prompts"
	"github.com/fogmoth/verdict/internal/render"
	"github.com/fogmoth/verdict/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
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

// run is the real entry point for the verdict command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the bridge and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
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
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "judge":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: verdict judge <transcript-file> [template]")
		}
		template := ""
		if len(cmdArgs) > 1 {
			template = cmdArgs[1]
		}
		return runJudge(ctx, stdout, configPath, cmdArgs[0], template)
	case "stats":
		days := 7
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("stats: %q is not a positive day count", cmdArgs[0])
			}
			days = n
		}
		return runStats(stdout, configPath, outputFmt, days)
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
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// verdict is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Verdict - Chat Conversation Judge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: verdict [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                    Connect to the OneBot bridge and answer commands")
	fmt.Fprintln(w, "  init [dir]               Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  judge <file> [template]  Judge a transcript file (for testing)")
	fmt.Fprintln(w, "  stats [days]             Show judgement statistics (default: 7 days)")
	fmt.Fprintln(w, "  version                  Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/verdict/config.yaml, /etc/verdict/config.yaml")
	return nil
}

// runServe handles the "verdict serve" subcommand. It is the primary
// operating mode: loads config, opens the judgement database, loads the
// prompt templates, connects to the OneBot bridge, and answers commands
// until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The bridge stops consuming events; in-flight commands are cancelled
//  3. The WebSocket, browser, and database close via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting verdict",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level and format.
	// The initial Info-level text logger is used only for the startup
	// banner; everything after this point uses the configured settings.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// ParseLogLevel is already validated by config.Validate(),
			// so this error path should be unreachable in practice.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"onebot_url", cfg.OneBot.URL,
		"model", cfg.OpenAI.Model,
		"prompts_dir", cfg.Prompts.Dir,
	)

	if !cfg.OpenAI.Configured() {
		return fmt.Errorf("openai.api_key is not set (edit %s)", cfgPath)
	}

	// --- Data directory ---
	// Holds the SQLite judgement database.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Judgement store ---
	dbPath := filepath.Join(cfg.DataDir, "judgements.db")
	store, err := usage.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open judgement database %s: %w", dbPath, err)
	}
	defer store.Close()
	logger.Info("judgement database opened", "path", dbPath)

	// --- Template registry ---
	registry := prompts.NewRegistry(cfg.Prompts.Dir, logger)
	registry.Refresh()
	logger.Info("templates loaded", "dir", cfg.Prompts.Dir, "count", len(registry.Files()))

	if cfg.Prompts.Watch {
		watcher, werr := prompts.WatchDir(cfg.Prompts.Dir, registry.Refresh, logger)
		if werr != nil {
			logger.Warn("template watch unavailable, edits need a restart", "error", werr)
		} else {
			defer watcher.Close()
		}
	}

	// --- Access gate ---
	gate := access.NewGate(cfg.Allow.Users, cfg.Allow.Groups)
	if len(cfg.Allow.Users) == 0 && len(cfg.Allow.Groups) == 0 {
		logger.Warn("allow lists are empty, every request will be rejected")
	}
	logger.Info("access gate configured",
		"users", len(cfg.Allow.Users),
		"groups", len(cfg.Allow.Groups),
	)

	// --- Completion client ---
	llmClient := llm.NewOpenAIClient(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.OpenAI.Model, logger)

	// --- Renderer ---
	var renderer judge.ImageRenderer
	if cfg.Render.Disabled {
		logger.Info("image rendering disabled, replies go out as plain text")
	} else {
		r := render.NewRenderer(render.Config{
			Width:       cfg.Render.Width,
			Scale:       cfg.Render.Scale,
			BrowserPath: cfg.Render.BrowserPath,
			Logger:      logger,
		})
		defer r.Close()
		renderer = r
	}

	// --- OneBot client ---
	bot := onebot.NewClient(cfg.OneBot.URL, cfg.OneBot.AccessToken, logger)
	defer bot.Close()

	// --- Judge pipeline ---
	triggers := prompts.DefaultTriggers()
	j := judge.New(judge.Config{
		Gate:            gate,
		Registry:        registry,
		Triggers:        triggers,
		LLM:             llmClient,
		Renderer:        renderer,
		Resolver:        bot,
		Store:           store,
		Logger:          logger,
		DefaultTemplate: cfg.Prompts.Default,
	})

	bridge := NewBridge(BridgeConfig{
		Bot:      bot,
		Handler:  j,
		Prefix:   cfg.OneBot.CommandPrefix,
		Triggers: triggers,
		Logger:   logger,
	})

	// --- Signal handling ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Connection resilience ---
	// Background health monitoring with exponential backoff for the two
	// services the bot cannot run without. The process keeps running
	// when either is down; commands simply fail until it returns.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "onebot",
		Probe:   bot.Probe,
		Backoff: connwatch.DefaultBackoffConfig(),
		OnReady: func() {
			// (Re)establish the long-lived event connection whenever
			// the bridge endpoint becomes reachable.
			wsCtx, wsCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer wsCancel()
			if err := bot.Reconnect(wsCtx); err != nil {
				logger.Error("WebSocket reconnect failed", "error", err)
			}
		},
		Logger: logger,
	})

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "openai",
		Probe:   llmClient.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  logger,
	})

	// Start blocks until shutdown. Commands are handled in their own
	// goroutines on contexts derived from ctx, so cancellation reaches
	// in-flight completion calls too.
	bridge.Start(ctx)

	for name, st := range connMgr.Status() {
		logger.Debug("service status at shutdown", "service", name, "ready", st.Ready)
	}
	logger.Info("verdict stopped")
	return nil
}

// runJudge handles the "verdict judge <file> [template]" subcommand. It
// reads a plain-text transcript (one "Name: message" line per entry),
// sends it through the same template + completion pipeline the bot
// uses, and prints the result to stdout. Useful for trying out new
// prompt templates without a chat round trip.
func runJudge(ctx context.Context, stdout io.Writer, configPath, filePath, template string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if !cfg.OpenAI.Configured() {
		return fmt.Errorf("openai.api_key is not set")
	}

	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	// Each non-empty line becomes one transcript entry, exactly the
	// shape a flat forwarded conversation produces.
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}
	if len(lines) == 0 {
		return fmt.Errorf("transcript %s is empty", filePath)
	}

	userTurn, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}

	registry := prompts.NewRegistry(cfg.Prompts.Dir, logger)
	registry.Refresh()

	file := cfg.Prompts.Default
	if template != "" {
		resolved, ok := registry.Resolve(template)
		if !ok {
			return fmt.Errorf("no template matches %q (have: %s)",
				template, strings.Join(registry.Files(), ", "))
		}
		file = resolved
	}
	body := registry.Load(file)

	fmt.Fprintf(stdout, "Template: %s\n\n", file)

	client := llm.NewOpenAIClient(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.OpenAI.Model, logger)
	resp, err := client.Chat(ctx, []llm.Message{
		{Role: "system", Content: body},
		{Role: "user", Content: string(userTurn)},
	})
	if err != nil {
		return fmt.Errorf("completion call failed: %w", err)
	}

	fmt.Fprintln(stdout, resp.Content)
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text. All log output goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
