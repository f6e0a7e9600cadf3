package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/gostt-recorder/internal/output"
	"github.com/chaz8081/gostt-recorder/internal/query"
	"github.com/chaz8081/gostt-recorder/internal/store"
)

func NewListCmd(deps *Dependencies) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent recordings, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := deps.App(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := a.Query.List(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			output.NewFormatter(os.Stdout).Entries(entries)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of recordings to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many recordings")
	return cmd
}

func NewSearchCmd(deps *Dependencies) *cobra.Command {
	var (
		opts         store.SearchOptions
		since, until string
	)
	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Full-text search over transcriptions",
		Long:  "Search succeeded transcriptions. Every word must match. Results are ranked by relevance, then newest first.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.Since, err = parseDate(since); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			if opts.Until, err = parseDate(until); err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			if !opts.Until.IsZero() && len(until) == len(dateLayout) {
				// A bare date includes the whole day.
				opts.Until = opts.Until.AddDate(0, 0, 1)
			}
			a, err := deps.App(cmd.Context())
			if err != nil {
				return err
			}
			matches, err := a.Query.Search(cmd.Context(), strings.Join(args, " "), opts)
			if err != nil {
				return err
			}
			output.NewFormatter(os.Stdout).Matches(matches)
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.Language, "language", "l", "", "only transcriptions in this language")
	cmd.Flags().StringVar(&since, "since", "", "only recordings on or after this date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&until, "until", "", "only recordings up to this date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 50, "maximum results")
	return cmd
}

const dateLayout = "2006-01-02"

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(dateLayout, s, time.Local); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func NewShowCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "show RECORDING_ID",
		Short: "Show a recording and all its transcription attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := deps.App(cmd.Context())
			if err != nil {
				return err
			}
			d, err := a.Query.Show(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			output.NewFormatter(os.Stdout).Detail(d)
			return nil
		},
	}
}

func NewExportCmd(deps *Dependencies) *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export RECORDING_ID",
		Short: "Export a transcript as text, JSON or markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := query.ParseFormat(format)
			if err != nil {
				return err
			}
			a, err := deps.App(cmd.Context())
			if err != nil {
				return err
			}
			var w io.Writer = os.Stdout
			if out != "" && out != "-" {
				file, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("creating %s: %w", out, err)
				}
				defer file.Close()
				w = file
			}
			if err := a.Query.Export(cmd.Context(), w, args[0], f); err != nil {
				return err
			}
			if out != "" && out != "-" {
				output.NewFormatter(os.Stderr).Success("Exported to " + out)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "txt", "txt, json or markdown")
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func NewDeleteCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "delete RECORDING_ID...",
		Short: "Delete recordings, their transcriptions and audio",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := deps.App(cmd.Context())
			if err != nil {
				return err
			}
			formatter := output.NewFormatter(os.Stdout)
			for _, id := range args {
				if err := a.Query.Delete(cmd.Context(), id); err != nil {
					return err
				}
				formatter.Success("Deleted " + id)
			}
			return nil
		},
	}
}

func NewCompareCmd(deps *Dependencies) *cobra.Command {
	var ref, hyp string
	cmd := &cobra.Command{
		Use:   "compare [RECORDING_ID]",
		Short: "Compare transcription attempts by word error rate",
		Long:  "Compare the two latest succeeded attempts of a recording, or any two attempts given with --ref and --hyp.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := deps.App(cmd.Context())
			if err != nil {
				return err
			}
			var d query.Diff
			switch {
			case ref != "" && hyp != "":
				d, err = a.Query.Compare(cmd.Context(), ref, hyp)
			case len(args) == 1:
				d, err = a.Query.CompareLatest(cmd.Context(), args[0])
			default:
				return fmt.Errorf("give a recording id or both --ref and --hyp")
			}
			if err != nil {
				return err
			}
			output.NewFormatter(os.Stdout).Diff(d)
			return nil
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "reference transcription id")
	cmd.Flags().StringVar(&hyp, "hyp", "", "hypothesis transcription id")
	return cmd
}

func NewStatsCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show history statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := deps.App(cmd.Context())
			if err != nil {
				return err
			}
			s, err := a.Query.Stats(cmd.Context())
			if err != nil {
				return err
			}
			output.NewFormatter(os.Stdout).Stats(s)
			return nil
		},
	}
}

func NewPruneCmd(deps *Dependencies) *cobra.Command {
	var days, maxCount int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy now",
		Long:  "Mark transcriptions pending longer than pending_timeout failed, then delete recordings older than retention_days or beyond retention_max_count, oldest first. Flags override the config.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := deps.App(cmd.Context())
			if err != nil {
				return err
			}
			p := a.RetentionPolicy()
			if cmd.Flags().Changed("days") {
				p.MaxAge = time.Duration(days) * 24 * time.Hour
			}
			if cmd.Flags().Changed("max-count") {
				p.MaxCount = maxCount
			}
			formatter := output.NewFormatter(os.Stdout)
			rep, err := a.Prune(cmd.Context(), p, nil)
			if err != nil {
				return err
			}
			if rep.Interrupted > 0 {
				formatter.Info(fmt.Sprintf("Marked %d stale pending transcriptions failed", rep.Interrupted))
			}
			if !p.Enabled() {
				formatter.Info("Retention is disabled; nothing to prune")
				return nil
			}
			formatter.Success(fmt.Sprintf("Deleted %d recordings", rep.Deleted))
			if rep.Failed > 0 {
				formatter.Warning(fmt.Sprintf("%d recordings could not be deleted; see the log", rep.Failed))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "delete recordings older than this many days")
	cmd.Flags().IntVar(&maxCount, "max-count", 0, "keep at most this many recordings")
	return cmd
}
