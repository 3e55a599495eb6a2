package cmd

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/MeKo-Tech/leafscan/internal/pipeline"
	"github.com/MeKo-Tech/leafscan/internal/utils"
	"github.com/spf13/cobra"
)

func newSeverityCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "severity [images or directories...]",
		Short: "Estimate leaf disease severity",
		Long: `Detect leaves, segment each selected crop and report the lesion share of
the leaf area. By default only the largest detection is analysed; with
--multi-leaf every detection is.

Overlays are written to the output directory as severity_crop_<i>_<file>
and det_annotated_<file>.

Examples:
  leafscan severity leaf.jpg
  leafscan severity field/ --multi-leaf --format json
  leafscan severity leaf.jpg --det-backend remote --det-url http://gpu:9000 \
    --seg-backend remote --seg-url http://gpu:9000`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()

			var progress pipeline.ProgressCallback
			if show, _ := cmd.Flags().GetBool("progress"); show {
				progress = pipeline.NewConsoleProgressCallback(cmd.ErrOrStderr(), "")
			}
			est, err := a.estimator(need{detector: true, segmenter: true}, progress)
			if err != nil {
				return err
			}

			var reports []*pipeline.Report
			runErr := forEachImage(cmd, args, func(ctx context.Context, path string) error {
				img, _, err := utils.LoadImage(path)
				if err != nil {
					return err
				}
				rep, err := est.Estimate(ctx, img, filepath.Base(path))
				if err != nil {
					return err
				}
				reports = append(reports, rep)
				return nil
			})

			if len(reports) > 0 {
				text, err := formatReports(reports, a.cfg.Output.Format)
				if err != nil {
					return err
				}
				if err := a.writeOutput(cmd, text); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	f := cmd.Flags()
	f.Int("pad", 10, "crop padding in pixels around each box")
	f.Bool("multi-leaf", false, "analyse every detected leaf instead of the largest")
	f.Int("workers", 0, "parallel crops per image (0 = number of CPUs)")
	f.Bool("progress", false, "show per-box progress on stderr")
	addModelFlags(cmd, need{detector: true, segmenter: true})
	return cmd
}

func formatReports(reports []*pipeline.Report, format string) (string, error) {
	switch format {
	case pipeline.FormatJSON:
		if len(reports) == 1 {
			return pipeline.ToJSON(reports[0])
		}
		return pipeline.ToJSONReports(reports)
	case pipeline.FormatCSV:
		return pipeline.ToCSVReports(reports)
	default:
		parts := make([]string, 0, len(reports))
		for _, r := range reports {
			text, err := pipeline.ToText(r)
			if err != nil {
				return "", err
			}
			parts = append(parts, text)
		}
		return strings.Join(parts, "\n"), nil
	}
}
