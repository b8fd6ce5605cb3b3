package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/tracklab/tracklab-agent/internal/config"
	"github.com/tracklab/tracklab-agent/internal/lockfile"
	"github.com/tracklab/tracklab-agent/internal/producer"
	"github.com/tracklab/tracklab-agent/internal/run"
	"github.com/tracklab/tracklab-agent/internal/seed"
	"github.com/tracklab/tracklab-agent/internal/server"
	"github.com/tracklab/tracklab-agent/internal/threadstore"
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
	case "init":
		initCmd(os.Args[2:])
	case "serve":
		serveCmd(os.Args[2:])
	case "seed":
		seedCmd(os.Args[2:])
	case "version":
		fmt.Printf("tracklab-agent %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `tracklab-agent

Usage:
  tracklab-agent init [flags]
  tracklab-agent serve [flags]
  tracklab-agent seed [flags]
  tracklab-agent version

Commands:
  init      Write a default config file (edit it to set the provider and key).
  serve     Run the agent HTTP server.
  seed      Load demo threads from a YAML file into the database.
  version   Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	force := fs.Bool("force", false, "Overwrite an existing config file")
	_ = fs.Parse(args)

	path := filepath.Clean(strings.TrimSpace(*cfgPath))
	if !*force {
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(os.Stderr, "config already exists at %s (use --force to overwrite)\n", path)
			os.Exit(1)
		}
	}
	if err := config.Save(path, config.Default()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s. Set provider.api_key (or export OPENAI_API_KEY / ANTHROPIC_API_KEY), then run `tracklab-agent serve`.\n", path)
}

func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	listenAddr := fs.String("listen", "", "Listen address override (default from config)")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(strings.TrimSpace(*cfgPath)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		fmt.Fprintf(os.Stderr, "Hint: run `tracklab-agent init` first.\n")
		os.Exit(1)
	}
	if strings.TrimSpace(*listenAddr) != "" {
		cfg.ListenAddr = strings.TrimSpace(*listenAddr)
	}

	log := newLogger(cfg.LogFormat, cfg.LogLevel)

	// Prevent two agent processes from sharing the same database.
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(cfg.DBPath)), 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init state dir: %v\n", err)
		os.Exit(1)
	}
	lockPath := filepath.Join(filepath.Dir(filepath.Clean(cfg.DBPath)), "agent.lock")
	lk, err := lockfile.Acquire(lockPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to acquire agent lock (%s): %v\n", lockPath, err)
		os.Exit(1)
	}
	defer func() { _ = lk.Release() }()

	store, err := threadstore.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	provider, err := buildProvider(cfg.Provider)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init provider: %v\n", err)
		os.Exit(1)
	}
	agent, err := producer.NewAgent(producer.Options{
		Log:      log,
		Provider: provider,
		Model:    cfg.Provider.Model,
		MaxSteps: cfg.Provider.MaxSteps,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init agent: %v\n", err)
		os.Exit(1)
	}

	coord, err := run.New(run.Options{
		Log:      log,
		Store:    store,
		Producer: agent,
		Owner:    cfg.Owner,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init coordinator: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.New(server.Options{
		Logger:         log,
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		Coordinator:    coord,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init server: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
		os.Exit(1)
	}
	log.Info("tracklab-agent ready",
		"version", Version,
		"addr", srv.Addr(),
		"provider", cfg.Provider.Type,
		"model", cfg.Provider.Model,
	)

	<-ctx.Done()
	_ = srv.Close()
}

func seedCmd(args []string) {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	seedPath := fs.String("file", "", "Seed YAML file (required)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*seedPath) == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(filepath.Clean(strings.TrimSpace(*cfgPath)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := newLogger(cfg.LogFormat, cfg.LogLevel)

	f, err := seed.LoadFile(*seedPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load seed file: %v\n", err)
		os.Exit(1)
	}

	store, err := threadstore.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	if err := seed.Apply(context.Background(), log, store, cfg.Owner, f); err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Seeded %d thread(s) into %s.\n", len(f.Threads), cfg.DBPath)
}

func buildProvider(p config.Provider) (producer.Provider, error) {
	apiKey := strings.TrimSpace(p.APIKey)
	switch p.Type {
	case config.ProviderAnthropic:
		if apiKey == "" {
			apiKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
		}
		return producer.NewAnthropicProvider(apiKey, p.BaseURL)
	case config.ProviderOpenAI, config.ProviderOpenAICompatible:
		if apiKey == "" {
			apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		}
		return producer.NewOpenAIProvider(apiKey, p.BaseURL)
	default:
		return nil, fmt.Errorf("unsupported provider type %q", p.Type)
	}
}

func newLogger(format string, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.TrimSpace(strings.ToLower(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.TrimSpace(strings.ToLower(format)) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
