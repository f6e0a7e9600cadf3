package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/gostt-recorder/internal/audio"
	"github.com/chaz8081/gostt-recorder/internal/config"
	"github.com/chaz8081/gostt-recorder/internal/hotkey"
	"github.com/chaz8081/gostt-recorder/internal/inject"
	"github.com/chaz8081/gostt-recorder/internal/models"
	"github.com/chaz8081/gostt-recorder/internal/output"
	"github.com/chaz8081/gostt-recorder/internal/transcribe"
)

func NewDevicesCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List capture devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := audio.NewMalgoSource(deps.Log)
			if err != nil {
				return err
			}
			defer src.Close()
			devs, err := src.Devices(cmd.Context())
			if err != nil {
				return err
			}
			output.NewFormatter(os.Stdout).Devices(devs)
			return nil
		},
	}
}

func NewModelsCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage whisper model weights",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known and installed models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := deps.Config.Engine.ModelsDir
			installed := map[transcribe.ModelSize]bool{}
			for _, s := range models.Installed(dir) {
				installed[s] = true
			}
			for _, s := range transcribe.ModelSizes() {
				mark := " "
				if installed[s] {
					mark = "✓"
				}
				fmt.Printf("%s %-10s %s\n", mark, s, models.Path(dir, s))
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "download [SIZE]",
		Short: "Download ggml weights (default: the configured size)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			size := deps.Config.Model.Size
			if len(args) == 1 {
				size = args[0]
			}
			mc, err := transcribe.ParseModelConfig(size, "cpu", "auto")
			if err != nil {
				return err
			}
			path, err := models.Download(cmd.Context(), deps.Config.Engine.ModelsDir, mc.Size, os.Stdout)
			if err != nil {
				return err
			}
			output.NewFormatter(os.Stdout).Success("Model ready: " + path)
			return nil
		},
	})
	return cmd
}

func NewConfigCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the config file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := output.NewFormatter(os.Stdout)
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				formatter.Info("Config already exists at " + config.DefaultConfigPath())
				return nil
			}
			formatter.Success("Config written to " + path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the effective config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := deps.Config.Validate(); err != nil {
				return err
			}
			mc, _ := deps.Config.ModelConfig()
			formatter := output.NewFormatter(cmd.OutOrStdout())
			formatter.Success("Config is valid (model " + mc.Key() + ", backend " + deps.Config.Engine.Backend + ")")
			if msg := backendWarning(deps.Config); msg != "" {
				formatter.Warning(msg)
			}
			return nil
		},
	})
	return cmd
}

// backendWarning explains a configured backend this binary cannot run.
func backendWarning(cfg *config.Config) string {
	if cfg.Engine.Backend == "whisper" && !transcribe.WhisperAvailable {
		return "This binary was built without whisper support; every transcription will fail. " +
			"Rebuild with -tags whispercpp, or set engine.backend to exec or stub."
	}
	return ""
}

// NewDebugCmd holds manual checks for the OS integrations, which need a
// desktop session and cannot run in tests.
func NewDebugCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "debug",
		Short:  "Manual checks for hotkey and text injection",
		Hidden: true,
	}

	var mode string
	hotkeyCmd := &cobra.Command{
		Use:   "hotkey",
		Short: "Print hotkey events until Ctrl+C",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config
			if mode == "" {
				mode = cfg.Hotkey.Mode
			}
			listener := hotkey.NewListener(cfg.Hotkey.Keys, cfg.Hotkey.CancelKeys, mode)
			fmt.Printf("Listening for %s (cancel: %s) in %q mode. Ctrl+C to exit.\n",
				strings.Join(cfg.Hotkey.Keys, "+"), strings.Join(cfg.Hotkey.CancelKeys, "+"), mode)
			go func() {
				<-cmd.Context().Done()
				listener.Stop()
			}()
			go func() {
				for ev := range listener.Events() {
					fmt.Printf(">>> %s\n", ev.Type)
				}
			}()
			listener.Start()
			return nil
		},
	}
	hotkeyCmd.Flags().StringVar(&mode, "mode", "", "hold or toggle (default: config)")

	var method string
	injectCmd := &cobra.Command{
		Use:   "inject [TEXT]",
		Short: "Inject text into the focused app after a 3 second countdown",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := "Hello from gostt-recorder!"
			if len(args) == 1 {
				text = args[0]
			}
			if method == "" {
				method = deps.Config.Inject.Method
			}
			inj, err := inject.NewInjector(method)
			if err != nil {
				return err
			}
			fmt.Printf("Will inject %q using %q in 3 seconds. Focus a text editor now!\n", text, method)
			for i := 3; i > 0; i-- {
				fmt.Printf("%d...\n", i)
				time.Sleep(time.Second)
			}
			return inj.Inject(text)
		},
	}
	injectCmd.Flags().StringVar(&method, "method", "", "type or paste (default: config)")

	cmd.AddCommand(hotkeyCmd, injectCmd)
	return cmd
}
