package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/gostt-recorder/internal/audio"
	"github.com/chaz8081/gostt-recorder/internal/bus"
	"github.com/chaz8081/gostt-recorder/internal/hotkey"
	"github.com/chaz8081/gostt-recorder/internal/inject"
	"github.com/chaz8081/gostt-recorder/internal/output"
	"github.com/chaz8081/gostt-recorder/internal/session"
)

const retentionInterval = time.Hour

// benign errors are expected from hotkey presses in the wrong state.
func benign(err error) bool {
	return errors.Is(err, session.ErrSessionBusy) ||
		errors.Is(err, session.ErrNoAudioCaptured) ||
		errors.Is(err, session.ErrInvalidTransition)
}

func NewRunCmd(deps *Dependencies) *cobra.Command {
	var noHotkey, injectText bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the recorder daemon",
		Long: "Listen for the global hotkey, record and transcribe clips, and keep the history.\n" +
			"Optionally type completed text into the active app and serve commands and events over NATS.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := deps.Config
			log := deps.Log
			formatter := output.NewFormatter(os.Stdout)

			// Deferred work is collected so it also runs before the
			// hotkey exit path below.
			var cleanups []func()
			cleanup := func() {
				for i := len(cleanups) - 1; i >= 0; i-- {
					cleanups[i]()
				}
				cleanups = nil
			}
			defer cleanup()

			a, err := deps.App(ctx)
			if err != nil {
				return err
			}
			p, err := a.Pipeline(ctx)
			if err != nil {
				return err
			}
			src, err := audio.NewMalgoSource(log)
			if err != nil {
				return err
			}
			cleanups = append(cleanups, func() { _ = src.Close() })
			m, err := a.Machine(ctx, src)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)

			printed, unsubPrint := m.Subscribe()
			cleanups = append(cleanups, unsubPrint)
			g.Go(func() error {
				for {
					select {
					case <-gctx.Done():
						return nil
					case ev, ok := <-printed:
						if !ok {
							return nil
						}
						formatter.Event(ev)
						settleUnsaved(gctx, m, ev, formatter)
					}
				}
			})

			if injectText || cfg.Inject.Enabled {
				inj, err := inject.NewInjector(cfg.Inject.Method)
				if err != nil {
					return err
				}
				injected, unsubInject := m.Subscribe()
				cleanups = append(cleanups, unsubInject)
				g.Go(func() error {
					inject.Sink(gctx, injected, inj, log)
					return nil
				})
				log.Info("text injection enabled", "method", cfg.Inject.Method)
			}

			if !noHotkey {
				listener := hotkey.NewListener(cfg.Hotkey.Keys, cfg.Hotkey.CancelKeys, cfg.Hotkey.Mode)
				go listener.Start()
				g.Go(func() error {
					hotkey.Dispatch(gctx, listener.Events(), m, benign, log)
					return nil
				})
				formatter.Info("Press " + strings.Join(cfg.Hotkey.Keys, "+") + " to record (" + cfg.Hotkey.Mode + " mode). Ctrl+C to quit.")
			}

			if cfg.Bus.Enabled {
				srv, err := bus.StartEmbedded(cfg.Bus, log)
				if err != nil {
					return err
				}
				cleanups = append(cleanups, srv.Shutdown)
				url := cfg.Bus.URL
				if srv != nil {
					url = srv.ClientURL()
				}
				client, err := bus.Connect(ctx, url, log)
				if err != nil {
					return err
				}
				cleanups = append(cleanups, client.Close)
				bridge := bus.NewBridge(client.Conn(), m, cfg.Bus.SubjectPrefix, log)
				g.Go(func() error { return bridge.Run(gctx) })
			}

			if cfg.Telemetry.MetricsAddr != "" && p.Metrics != nil {
				mux := http.NewServeMux()
				mux.Handle("/metrics", p.Metrics)
				srv := &http.Server{Addr: cfg.Telemetry.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				g.Go(func() error {
					log.Info("serving metrics", "addr", cfg.Telemetry.MetricsAddr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
			}

			g.Go(func() error {
				a.RunRetention(gctx, retentionInterval, p.Instruments)
				return nil
			})

			<-gctx.Done()
			formatter.Info("Shutting down...")
			err = g.Wait()
			cleanup()
			if cerr := deps.Close(context.WithoutCancel(ctx)); cerr != nil {
				log.Warn("shutdown", "error", cerr)
			}
			if err != nil {
				return err
			}
			if !noHotkey {
				// Exit directly to avoid gohook's C cleanup crash.
				// The OS reclaims the event hook on process exit.
				os.Exit(0)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noHotkey, "no-hotkey", false, "do not register the global hotkey (drive the recorder over NATS)")
	cmd.Flags().BoolVar(&injectText, "inject", false, "type completed text into the active app")
	return cmd
}
