// Command sage is the conversational-memory service CLI.
//
// Usage:
//
//	sage serve --config sage.yaml
//	sage serve --transport http --port 17800
//	sage hook pre < hook.json
//	sage hook stop < hook.json
//	sage validate --config sage.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/sagemem/sage/pkg/config"
	"github.com/sagemem/sage/pkg/embedder"
	"github.com/sagemem/sage/pkg/fault"
	"github.com/sagemem/sage/pkg/hooks"
	"github.com/sagemem/sage/pkg/hookstate"
	"github.com/sagemem/sage/pkg/logger"
	"github.com/sagemem/sage/pkg/memory"
	"github.com/sagemem/sage/pkg/runtime"
	"github.com/sagemem/sage/pkg/server"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the MCP tool server."`
	Hook     HookCmd     `cmd:"" help:"Run as a tool-lifecycle hook process."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration and provider connectivity."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, or standard)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("sage version %s\n", buildVersion())
	return nil
}

func buildVersion() string {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	return version
}

// ServeCmd starts the MCP tool server.
type ServeCmd struct {
	Transport string `help:"Serving transport." enum:"stdio,http" default:"stdio"`
	Port      int    `help:"HTTP port (http transport only)." default:"0"`
	Watch     bool   `help:"Watch the config file and live-reload retrieval tuning."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	var rt *runtime.Runtime
	loader := config.NewLoader(config.LoaderOptions{
		Path:  configPath(cli.Config),
		Watch: c.Watch,
		OnChange: func(cfg *config.Config) error {
			if rt != nil {
				rt.OnConfigChange(cfg)
			}
			return nil
		},
	})
	defer loader.Unwatch()

	cfg, err := loader.Load()
	if err != nil && cli.Config == "" {
		cfg, err = recoverManagedConfig(err)
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	rt = runtime.New(cfg)
	defer rt.Close()
	if err := rt.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	server.Version = buildVersion()
	srv := server.New(cfg, rt.Store(), rt.Engine(), rt.Embedder())

	if c.Transport == "http" {
		return srv.ListenAndServe(ctx)
	}
	return srv.ServeStdio()
}

// HookCmd groups the tool-lifecycle hook entry points. Pre and post
// always exit 0: a capture failure must never block the host's tool
// call. Stop propagates its pipeline exit code.
type HookCmd struct {
	Pre  PreHookCmd  `cmd:"" help:"Record the pre-tool half of a tool call."`
	Post PostHookCmd `cmd:"" help:"Record the post-tool half of a tool call."`
	Stop StopHookCmd `cmd:"" help:"Assemble and persist the finished turn."`
}

type PreHookCmd struct{}

func (c *PreHookCmd) Run(cli *CLI) error {
	if store := openHookStore(cli.Config); store != nil {
		hooks.CapturePre(os.Stdin, store)
	}
	return nil
}

type PostHookCmd struct{}

func (c *PostHookCmd) Run(cli *CLI) error {
	if store := openHookStore(cli.Config); store != nil {
		hooks.CapturePost(os.Stdin, store)
	}
	return nil
}

type StopHookCmd struct{}

func (c *StopHookCmd) Run(cli *CLI) error {
	cfg := loadConfigLenient(cli.Config)

	store := openHookStoreFromConfig(cfg)
	if store == nil {
		os.Exit(hooks.StopFailFast)
	}

	backupsDir, err := config.BackupsDir()
	if err != nil {
		backupsDir = os.TempDir()
	}

	pipeline := &hooks.StopPipeline{
		Aggregator:     hooks.NewAggregator(store),
		Saver:          openSaver(cfg),
		BackupsDir:     backupsDir,
		TranscriptTail: cfg.Hooks.TranscriptTail,
		Timeout:        cfg.Hooks.StopTimeout,
		EvictAfter:     cfg.Hooks.EvictAfter,
		Source:         "hook",
	}
	os.Exit(pipeline.Run(context.Background(), os.Stdin))
	return nil
}

// openSaver initializes the full service graph for the stop hook. When
// initialization fails the pipeline still runs: the failing saver
// routes the turn into a local backup instead of losing it.
func openSaver(cfg *config.Config) hooks.TurnSaver {
	rt := runtime.New(cfg)
	if err := rt.Initialize(context.Background()); err != nil {
		slog.Warn("Service initialization failed, turns fall back to local backup",
			"component", "cli", "error", err)
		rt.Close()
		return unavailableSaver{err: err}
	}
	return rt.Store()
}

type unavailableSaver struct{ err error }

func (s unavailableSaver) Save(ctx context.Context, turn *memory.Turn) (*memory.SavedTurn, error) {
	return nil, fault.Wrap(fault.StorageTransient, "cli", s.err)
}

// ValidateCmd checks the configuration and probes the embedding
// provider so a dimension mismatch surfaces before any data is written.
type ValidateCmd struct {
	SkipProbe bool `help:"Skip the live embedding provider probe."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	loader := config.NewLoader(config.LoaderOptions{Path: configPath(cli.Config)})
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	fmt.Println("Configuration OK")

	if c.SkipProbe {
		return nil
	}

	provider, err := embedder.NewSiliconFlowEmbedder(&cfg.Embedder)
	if err != nil {
		return fmt.Errorf("embedder configuration invalid: %w", err)
	}
	defer provider.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dimension, err := provider.Probe(ctx)
	if err != nil {
		return fmt.Errorf("embedding provider probe failed: %w", err)
	}
	if dimension != cfg.Embedder.Dimension {
		return fmt.Errorf("embedding dimension mismatch: config says %d, provider produces %d",
			cfg.Embedder.Dimension, dimension)
	}
	fmt.Printf("Embedding provider OK (model %s, dimension %d)\n",
		cfg.Embedder.Model, dimension)
	return nil
}

// configPath resolves the effective config file path: the explicit flag
// wins, otherwise the per-user config location.
func configPath(flag string) string {
	if flag != "" {
		return flag
	}
	path, err := config.ConfigFilePath()
	if err != nil {
		return ""
	}
	return path
}

// recoverManagedConfig handles a corrupt per-user config file: the
// broken file moves to backups/corrupted/ and a fresh default is
// written in its place. Applies only to the managed location, never to
// an explicit --config path.
func recoverManagedConfig(loadErr error) (*config.Config, error) {
	quarantined, err := config.QuarantineCorruptConfig()
	if err != nil {
		return nil, loadErr
	}
	slog.Warn("Quarantined corrupt config, regenerating defaults",
		"component", "cli", "moved_to", quarantined, "error", loadErr)

	cfg, err := config.NewLoader(config.LoaderOptions{}).Load()
	if err != nil {
		return nil, err
	}
	if err := config.WriteConfigFile(cfg); err != nil {
		slog.Warn("Could not write regenerated config", "component", "cli", "error", err)
	}
	return cfg, nil
}

// loadConfigLenient never fails: a broken config file degrades to the
// built-in defaults so the stop hook can still back the turn up.
func loadConfigLenient(flag string) *config.Config {
	loader := config.NewLoader(config.LoaderOptions{Path: configPath(flag)})
	cfg, err := loader.Load()
	if err == nil {
		return cfg
	}
	slog.Warn("Config load failed, using defaults",
		"component", "cli", "error", err)

	cfg, err = config.NewLoader(config.LoaderOptions{}).Load()
	if err != nil {
		// Defaults always validate; this is unreachable short of a bug.
		panic(err)
	}
	return cfg
}

func openHookStore(configFlag string) *hookstate.Store {
	return openHookStoreFromConfig(loadConfigLenient(configFlag))
}

func openHookStoreFromConfig(cfg *config.Config) *hookstate.Store {
	dir := cfg.Hooks.StateDir
	if dir == "" {
		resolved, err := config.HookStateDir()
		if err != nil {
			slog.Error("Cannot resolve hook state dir", "component", "cli", "error", err)
			return nil
		}
		dir = resolved
	}

	store, err := hookstate.NewStore(dir)
	if err != nil {
		slog.Error("Cannot open hook state store",
			"component", "cli", "dir", dir, "error", err)
		return nil
	}
	return store
}

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load env files: %v\n", err)
	}

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("sage"),
		kong.Description("sage - conversational memory service"),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
