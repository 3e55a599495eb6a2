package cmd

import (
	"fmt"

	"github.com/MeKo-Tech/leafscan/internal/onnx"
	"github.com/spf13/cobra"
)

func newTestCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Test ONNX Runtime setup and dependencies",
		Long: `Load the ONNX Runtime shared library and report which one answered.
With --gpu the CUDA build of the library is preferred.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, "Testing ONNX Runtime setup...")

			info, err := onnx.Check(a.cfg.ONNX.LibraryPath, a.cfg.GPU.Enabled)
			if err != nil {
				_, _ = fmt.Fprintln(out, "Searched:")
				for _, p := range onnx.LibrarySearchPaths(a.cfg.ONNX.LibraryPath, a.cfg.GPU.Enabled) {
					_, _ = fmt.Fprintln(out, "  "+p)
				}
				return fmt.Errorf("ONNX Runtime test failed: %w", err)
			}
			_, _ = fmt.Fprintf(out, "library: %s\nversion: %s\n", info.LibraryPath, info.Version)
			_, _ = fmt.Fprintln(out, "ONNX Runtime is ready for use.")
			return nil
		},
	}
	cmd.Flags().Bool("gpu", false, "check the CUDA build of the runtime")
	cmd.Flags().String("onnx-lib", "", "path to the ONNX Runtime shared library")
	return cmd
}
