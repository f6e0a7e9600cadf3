package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/gostt-recorder/internal/batch"
	"github.com/chaz8081/gostt-recorder/internal/output"
	"github.com/chaz8081/gostt-recorder/internal/transcribe"
)

func NewTranscribeCmd(deps *Dependencies) *cobra.Command {
	var (
		parallel  int
		translate bool
	)
	cmd := &cobra.Command{
		Use:   "transcribe FILE...",
		Short: "Transcribe WAV files into the history",
		Long:  "Each file is converted to 16 kHz mono, stored as a recording, and transcribed with the configured model.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := deps.Config
			a, err := deps.App(ctx)
			if err != nil {
				return err
			}
			p, err := a.Pipeline(ctx)
			if err != nil {
				return err
			}

			decode := cfg.DecodeOptions()
			if translate {
				decode.Task = transcribe.TaskTranslate
			}
			formatter := output.NewFormatter(os.Stdout)
			items, err := batch.Run(ctx, p.Pool, args, batch.Options{
				RecordingsDir: cfg.Storage.RecordingsDir,
				Model:         p.Model,
				Decode:        decode,
				MinDuration:   cfg.Audio.MinDuration,
				Parallel:      parallel,
				Logger:        deps.Log,
				OnItem: func(it batch.Item) {
					if it.Err != nil {
						formatter.Error(fmt.Sprintf("%s: %v", it.Path, it.Err))
						return
					}
					formatter.Success(fmt.Sprintf("%s → %s\n   %s", it.Path, it.RecordingID, it.Result.Text))
				},
			})
			if err != nil {
				return err
			}
			failed := 0
			for _, it := range items {
				if it.Err != nil {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed", failed, len(items))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&parallel, "parallel", "j", 4, "files decoded and queued at once")
	cmd.Flags().BoolVar(&translate, "translate", false, "translate to English instead of transcribing")
	return cmd
}
