package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/MeKo-Tech/leafscan/internal/models"
	"github.com/spf13/cobra"
)

func newModelsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List models available under the models directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			modelType, _ := cmd.Flags().GetString("type")
			all, err := models.ListAvailableModels(a.cfg.ModelsDir)
			if err != nil {
				return err
			}
			if modelType != "" {
				if _, ok := all[modelType]; !ok {
					return fmt.Errorf("unknown model type %q (use %s or %s)",
						modelType, models.TypeDetection, models.TypeSegmentation)
				}
				all = map[string][]models.ModelInfo{modelType: all[modelType]}
			}

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				text, err := toJSON(all)
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), text)
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "TYPE\tLABEL\tNAME\tSIZE")
			for _, t := range []string{models.TypeDetection, models.TypeSegmentation} {
				for _, m := range all[t] {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f MB\n", m.Type, m.Label, m.Name, float64(m.SizeBytes)/(1<<20))
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("type", "", "only list detection or segmentation models")
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}
