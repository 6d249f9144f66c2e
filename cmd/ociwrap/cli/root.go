// Package cli implements the ociwrap command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/xregistry/ociwrap"
	"github.com/xregistry/ociwrap/cmd/ociwrap/cli/config"
)

// Build information set via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags.
var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "ociwrap",
	Short: "Serve OCI registries as a read-only xRegistry",
	Long: `Ociwrap projects one or more OCI container registries into a read-only
xRegistry API. Registries become groups, repositories become images and
tags become versions, with metadata extracted from manifests and config
blobs on demand.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default $XDG_CONFIG_HOME/ociwrap/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose debug logging")
	rootCmd.Version = version
	cobra.OnInitialize(initConfig)
}

// initConfig loads the config file and wires environment overrides.
// A missing config file is not an error; every setting has a default.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if configDir, err := config.Dir(); err == nil {
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("OCIWRAP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: could not read config: %v\n", err)
		}
	}
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
	}
	return err
}

// newLogger builds the slog logger the server and commands share.
// The --verbose flag overrides the configured level.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if jsonLogs(cfg.Log.Format) {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// jsonLogs decides the log encoding. The default "auto" emits text on a
// terminal and JSON when stderr is redirected, so piped serve logs stay
// machine-readable.
func jsonLogs(format string) bool {
	switch strings.ToLower(format) {
	case "json":
		return true
	case "text":
		return false
	default:
		return !term.IsTerminal(int(os.Stderr.Fd()))
	}
}

// newServer creates an ociwrap server from the loaded configuration.
func newServer(cfg *config.Config) (*ociwrap.Server, error) {
	opts := []ociwrap.Option{
		ociwrap.WithLogger(newLogger(cfg)),
		ociwrap.WithBackends(configuredBackends(cfg)),
		ociwrap.WithBackendsJSON(os.Getenv("OCIWRAP_BACKENDS")),
		ociwrap.WithMetrics(cfg.Metrics.Enabled),
		ociwrap.WithAPIKeys(cfg.Server.APIKeys),
		ociwrap.WithBaseURL(cfg.Server.BaseURL),
		ociwrap.WithDevMode(cfg.Server.DevMode),
	}
	if cfg.Cache.Enabled {
		dir := cfg.Cache.Dir
		if dir == "" {
			base, err := config.CacheDir()
			if err != nil {
				return nil, fmt.Errorf("resolve cache dir: %w", err)
			}
			dir = filepath.Join(base, "responses")
		}
		opts = append(opts, ociwrap.WithCacheDir(dir))
	}
	return ociwrap.New(opts...)
}

// configuredBackends maps the config file backend list to server backends.
func configuredBackends(cfg *config.Config) []ociwrap.Backend {
	if len(cfg.Backends) == 0 {
		return nil
	}
	out := make([]ociwrap.Backend, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		out = append(out, ociwrap.Backend{
			Name:        b.Name,
			RegistryURL: b.URL,
			Username:    b.Username,
			Password:    ociwrap.Secret(b.Password),
			CatalogPath: b.CatalogPath,
		})
	}
	return out
}

// signalContext returns a context that is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// formatError converts ociwrap errors to user-friendly messages.
func formatError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ociwrap.ErrBackendUnknown):
		return fmt.Sprintf("Error: unknown backend: %v", err)
	case errors.Is(err, ociwrap.ErrNotFound):
		return fmt.Sprintf("Error: not found: %v", err)
	case errors.Is(err, ociwrap.ErrUnauthorized):
		return "Error: authentication failed (check your credentials)"
	case errors.Is(err, ociwrap.ErrForbidden):
		return "Error: access denied by the upstream registry"
	case errors.Is(err, ociwrap.ErrUpstream):
		return fmt.Sprintf("Error: upstream registry unavailable: %v", err)
	case errors.Is(err, ociwrap.ErrInvalidInput):
		return fmt.Sprintf("Error: invalid input: %v", err)
	case errors.Is(err, context.Canceled):
		return "Error: operation canceled"
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}
