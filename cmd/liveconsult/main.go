// Command liveconsult runs the realtime voice and video consultant client.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MrWong99/liveconsult/internal/app"
	"github.com/MrWong99/liveconsult/internal/config"
	"github.com/MrWong99/liveconsult/internal/observe"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "liveconsult:", err)
		os.Exit(1)
	}
}

// newViper reads LIVECONSULT_* environment variables. API_KEY is accepted
// as a fallback for the API key.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("LIVECONSULT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("api_key", "LIVECONSULT_API_KEY", "API_KEY")
	_ = v.BindEnv("history_dsn", "LIVECONSULT_HISTORY_DSN")
	return v
}

func newRootCmd() *cobra.Command {
	v := newViper()

	root := &cobra.Command{
		Use:           "liveconsult",
		Short:         "Realtime voice and video consultant",
		Long:          "liveconsult streams microphone audio and camera snapshots to a live speech model and plays its spoken replies.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to the YAML configuration file (env LIVECONSULT_CONFIG)")
	root.PersistentFlags().String("log-level", "", "log level override: debug, info, warn or error (env LIVECONSULT_LOG_LEVEL)")

	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(newRunCmd(v), newVoicesCmd(v), newHistoryCmd(v), newVersionCmd())
	return root
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the consultant",
		Long: `Start the consultant with an interactive console.

Console commands (one per line): c connect, d disconnect, m mute,
v video, h help, q quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(cmd.Context(), v)
		},
	}
	cmd.Flags().Bool("connect", false, "connect immediately at start")
	cmd.Flags().Bool("no-console", false, "run without the interactive console until interrupted")
	cmd.Flags().String("listen", "", "health and metrics listen address override, e.g. :9090")
	_ = v.BindPFlag("connect", cmd.Flags().Lookup("connect"))
	_ = v.BindPFlag("no_console", cmd.Flags().Lookup("no-console"))
	_ = v.BindPFlag("listen_addr", cmd.Flags().Lookup("listen"))
	return cmd
}

func newVoicesCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "voices",
		Short: "List the voices of the configured provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(v)
			if err != nil {
				return err
			}
			reg := config.NewRegistry()
			closeAudio := registerBuiltins(reg)
			defer func() { _ = closeAudio() }()

			p, err := reg.CreateS2S(cfg.Provider)
			if err != nil {
				return fmt.Errorf("create s2s provider %q: %w", cfg.Provider.Name, err)
			}
			voices := p.Capabilities().Voices
			if len(voices) == 0 {
				return fmt.Errorf("%s: provider does not list voices", cfg.Provider.Name)
			}
			out := cmd.OutOrStdout()
			for _, name := range voices {
				marker := " "
				if name == cfg.Session.Voice {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %s\n", marker, name)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "liveconsult v%s\n", version)
		},
	}
}

// ── Run ───────────────────────────────────────────────────────────────────────

func runApp(parent context.Context, v *viper.Viper) error {
	cfg, path, err := loadConfig(v)
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("liveconsult starting",
		"version", version,
		"config", path,
		"provider", cfg.Provider.Name,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "liveconsult",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	// ── Providers and devices ─────────────────────────────────────────────────
	reg := config.NewRegistry()
	closeAudio := registerBuiltins(reg)
	deps, err := buildDeps(cfg, reg)
	if err != nil {
		_ = closeAudio()
		return err
	}

	store, err := openHistory(ctx, cfg)
	if err != nil {
		_ = closeAudio()
		return err
	}

	opts := []app.Option{
		app.WithLogLevel(level),
		app.WithCloser(func() error {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdownTelemetry(sctx)
		}),
		app.WithCloser(closeAudio),
	}
	if store != nil {
		deps.History = store
		opts = append(opts, app.WithCloser(func() error {
			store.Close()
			return nil
		}))
	}
	if !v.GetBool("no_console") {
		opts = append(opts, app.WithConsole(os.Stdin, os.Stdout))
	}
	if v.GetBool("connect") {
		opts = append(opts, app.WithAutoConnect())
	}

	printStartupSummary(cfg, deps)

	application, err := app.New(cfg, deps, opts...)
	if err != nil {
		_ = closeAudio()
		if store != nil {
			store.Close()
		}
		return fmt.Errorf("initialise application: %w", err)
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	var watcher *config.Watcher
	if path != "" {
		watcher, err = config.NewWatcher(path, application.ApplyConfig)
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		}
	}

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if watcher != nil {
		watcher.Stop()
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("goodbye")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// loadConfig reads the file named by the config flag or LIVECONSULT_CONFIG,
// falling back to built-in defaults, and applies environment overrides.
func loadConfig(v *viper.Viper) (*config.Config, string, error) {
	path := v.GetString("config")

	var cfg *config.Config
	if path == "" {
		cfg = config.Default()
	} else {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, "", fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", path)
			}
			return nil, "", err
		}
	}

	if key := v.GetString("api_key"); key != "" {
		cfg.Provider.APIKey = key
	}
	if lvl := v.GetString("log_level"); lvl != "" {
		cfg.Server.LogLevel = config.LogLevel(strings.ToLower(lvl))
		if !cfg.Server.LogLevel.IsValid() {
			return nil, "", fmt.Errorf("invalid log level %q", lvl)
		}
	}
	if addr := v.GetString("listen_addr"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	if dsn := v.GetString("history_dsn"); dsn != "" {
		cfg.History.DSN = dsn
	}
	return cfg, path, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, deps *app.Deps) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      liveconsult: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	provider := cfg.Provider.Name
	if deps.S2S == nil {
		provider += " (no key)"
	}
	printRow("Provider", provider)
	printRow("Model", cfg.Provider.Model)
	for _, fb := range cfg.Provider.Fallbacks {
		printRow("Fallback", fb.Name)
	}
	printRow("Voice", cfg.Session.Voice)
	printRow("Microphone", deviceLabel(cfg.Devices.Microphone))
	printRow("Speaker", deviceLabel(cfg.Devices.Speaker))
	printRow("Camera", deviceLabel(cfg.Devices.Camera))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	if cfg.Reconnect.Enabled {
		printRow("Reconnect", fmt.Sprintf("%d retries", cfg.Reconnect.MaxRetries))
	}
	if deps.History != nil {
		printRow("History", "postgres")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if value == "" {
		value = "(default)"
	}
	if r := []rune(value); len(r) > 21 {
		value = string(r[:20]) + "…"
	}
	fmt.Printf("║  %-12s : %-21s ║\n", kind, value)
}

func deviceLabel(e config.DeviceEntry) string {
	switch {
	case e.Name == "":
		return "(disabled)"
	case e.Device != "":
		return e.Name + " / " + e.Device
	case e.Path != "":
		return e.Name + " / " + e.Path
	default:
		return e.Name
	}
}
