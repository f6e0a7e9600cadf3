// Package cli defines the gostt-recorder commands.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/gostt-recorder/internal/app"
	"github.com/chaz8081/gostt-recorder/internal/config"
	"github.com/chaz8081/gostt-recorder/internal/version"
)

// Dependencies are resolved once flags are parsed. The app is opened on
// first use so commands that never touch the history skip the database.
type Dependencies struct {
	ConfigPath string
	LogLevel   string
	Config     *config.Config
	Log        *slog.Logger

	app *app.App
}

// App opens the application on first call.
func (d *Dependencies) App(ctx context.Context) (*app.App, error) {
	if d.app != nil {
		return d.app, nil
	}
	a, err := app.New(ctx, d.Config, d.Log)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	d.app = a
	return a, nil
}

// Close shuts the app down if it was opened.
func (d *Dependencies) Close(ctx context.Context) error {
	if d.app == nil {
		return nil
	}
	return d.app.Close(ctx)
}

func (d *Dependencies) load() error {
	cfg, source, err := loadConfig(d.ConfigPath)
	if err != nil {
		return err
	}
	if d.LogLevel != "" {
		cfg.LogLevel = d.LogLevel
	}
	d.Config = cfg
	d.Log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}))
	d.Log.Debug("config loaded", "source", source)
	return nil
}

// loadConfig loads the config from path, or from the default path if it
// exists, or falls back to defaults with environment overrides.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, defaultPath, nil
	}
	return config.FromEnv(), "defaults", nil
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gostt-recorder",
		Short: "Record, transcribe and search voice notes locally",
		Long: "Capture microphone audio, transcribe it with a local whisper model, and keep a searchable history.\n\n" +
			"The default whisper backend needs a binary built with -tags whispercpp. Other builds can use\n" +
			"engine.backend exec or stub; run 'config check' to see which applies.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return deps.load()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return deps.Close(context.WithoutCancel(cmd.Context()))
		},
	}

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(version.Full() + "\n")
	rootCmd.PersistentFlags().StringVar(&deps.ConfigPath, "config", "", "path to config file (default: ~/.config/gostt-recorder/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&deps.LogLevel, "log-level", "", "override log_level (debug, info, warn, error)")

	rootCmd.AddCommand(NewRunCmd(deps))
	rootCmd.AddCommand(NewRecordCmd(deps))
	rootCmd.AddCommand(NewTranscribeCmd(deps))
	rootCmd.AddCommand(NewListCmd(deps))
	rootCmd.AddCommand(NewSearchCmd(deps))
	rootCmd.AddCommand(NewShowCmd(deps))
	rootCmd.AddCommand(NewExportCmd(deps))
	rootCmd.AddCommand(NewDeleteCmd(deps))
	rootCmd.AddCommand(NewRetryCmd(deps))
	rootCmd.AddCommand(NewCompareCmd(deps))
	rootCmd.AddCommand(NewPruneCmd(deps))
	rootCmd.AddCommand(NewStatsCmd(deps))
	rootCmd.AddCommand(NewDevicesCmd(deps))
	rootCmd.AddCommand(NewModelsCmd(deps))
	rootCmd.AddCommand(NewConfigCmd(deps))
	rootCmd.AddCommand(NewDebugCmd(deps))

	return rootCmd
}
