package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/MeKo-Tech/leafscan/internal/pipeline"
	"github.com/MeKo-Tech/leafscan/internal/utils"
	"github.com/spf13/cobra"
)

func newDetectCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect [images or directories...]",
		Short: "Run leaf detection only",
		Long: `Run the detection model on whole images and write annotated_<file>
with every box drawn. Images without detections are reported, not failed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			est, err := a.estimator(need{detector: true}, nil)
			if err != nil {
				return err
			}

			var reports []*pipeline.DetectionReport
			runErr := forEachImage(cmd, args, func(ctx context.Context, path string) error {
				img, _, err := utils.LoadImage(path)
				if err != nil {
					return err
				}
				rep, err := est.DetectOnly(ctx, img, filepath.Base(path))
				if err != nil {
					return err
				}
				reports = append(reports, rep)
				return nil
			})

			if len(reports) > 0 {
				var text string
				if a.cfg.Output.Format == pipeline.FormatJSON {
					text, err = toJSON(reports)
					if err != nil {
						return err
					}
				} else {
					var sb strings.Builder
					for _, r := range reports {
						fmt.Fprintf(&sb, "%s (%dx%d): %d detections\n", r.Filename, r.Width, r.Height, len(r.Detections))
						for i, d := range r.Detections {
							fmt.Fprintf(&sb, "  [%d] class %d score %.3f box (%d,%d)-(%d,%d)\n",
								i, d.ClassID, d.Score, d.X1, d.Y1, d.X2, d.Y2)
						}
					}
					text = sb.String()
				}
				if err := a.writeOutput(cmd, text); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	addModelFlags(cmd, need{detector: true})
	return cmd
}

func newSegmentCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "segment [images or directories...]",
		Short: "Run whole-image segmentation only",
		Long: `Run the segmentation model on whole images and write seg_annotated_<file>
with every instance mask blended in.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			est, err := a.estimator(need{segmenter: true}, nil)
			if err != nil {
				return err
			}

			var reports []*pipeline.SegmentationReport
			runErr := forEachImage(cmd, args, func(ctx context.Context, path string) error {
				img, _, err := utils.LoadImage(path)
				if err != nil {
					return err
				}
				rep, err := est.SegmentOnly(ctx, img, filepath.Base(path))
				if err != nil {
					return err
				}
				reports = append(reports, rep)
				return nil
			})

			if len(reports) > 0 {
				var text string
				if a.cfg.Output.Format == pipeline.FormatJSON {
					text, err = toJSON(reports)
					if err != nil {
						return err
					}
				} else {
					var sb strings.Builder
					for _, r := range reports {
						fmt.Fprintf(&sb, "%s (%dx%d): %d instances\n", r.Filename, r.Width, r.Height, len(r.Instances))
						for _, in := range r.Instances {
							fmt.Fprintf(&sb, "  %s (class %d) score %.3f pixels %d\n",
								in.ClassName, in.ClassID, in.Score, in.Pixels)
						}
					}
					text = sb.String()
				}
				if err := a.writeOutput(cmd, text); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	addModelFlags(cmd, need{segmenter: true})
	return cmd
}

func toJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data) + "\n", nil
}
