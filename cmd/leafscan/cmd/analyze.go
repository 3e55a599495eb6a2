package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/MeKo-Tech/leafscan/internal/inference"
	"github.com/MeKo-Tech/leafscan/internal/models"
	"github.com/MeKo-Tech/leafscan/internal/pipeline"
	"github.com/MeKo-Tech/leafscan/internal/store"
	"github.com/MeKo-Tech/leafscan/internal/utils"
	"github.com/spf13/cobra"
)

// need says which models a command loads.
type need struct {
	detector, segmenter bool
}

// addModelFlags registers the flags shared by the analysis commands.
func addModelFlags(cmd *cobra.Command, n need) {
	f := cmd.Flags()
	if n.detector {
		f.String("det-backend", inference.BackendONNX, "detection backend (onnx, remote)")
		f.String("det-model", models.DefaultDetectionModel, "detection model file or remote model name")
		f.String("det-url", "", "detection service URL for the remote backend")
		f.Float64("conf", inference.DefaultConfidence, "detection confidence threshold")
		f.Int("imgsz", inference.DefaultInputSize, "detection input size")
	}
	if n.segmenter {
		f.String("seg-backend", inference.BackendONNX, "segmentation backend (onnx, remote)")
		f.String("seg-model", models.DefaultSegmentationModel, "segmentation model file or remote model name")
		f.String("seg-url", "", "segmentation service URL for the remote backend")
		f.Float64("seg-conf", inference.DefaultConfidence, "segmentation confidence threshold")
		f.Float64("mask-thresh", inference.DefaultMaskThreshold, "mask probability threshold")
	}
	f.String("output-dir", "results", "directory for overlay images")
	f.StringP("format", "f", pipeline.FormatText, "output format (text, json, csv)")
	f.StringP("output", "o", "", "write results to file instead of stdout")
	f.Bool("gpu", false, "use CUDA for ONNX inference")
	f.Int("gpu-device", 0, "CUDA device id")
	f.String("onnx-lib", "", "path to the ONNX Runtime shared library")
}

// estimator builds the pipeline for the loaded configuration.
func (a *app) estimator(n need, progress pipeline.ProgressCallback) (*pipeline.Estimator, error) {
	loader := inference.NewLoader(a.cache)
	st, err := store.NewDir(a.cfg.Output.Dir)
	if err != nil {
		return nil, err
	}

	b := pipeline.NewBuilder().WithConfig(a.cfg.ToPipelineConfig()).WithStore(st)
	if progress != nil {
		b.WithProgress(progress)
	}
	if n.detector {
		det, err := loader.Detector(a.cfg.ModelSpec(models.TypeDetection))
		if err != nil {
			return nil, fmt.Errorf("failed to load detection model: %w", err)
		}
		b.WithDetector(det)
	}
	if n.segmenter {
		seg, err := loader.Segmenter(a.cfg.ModelSpec(models.TypeSegmentation))
		if err != nil {
			return nil, fmt.Errorf("failed to load segmentation model: %w", err)
		}
		b.WithSegmenter(seg)
	}
	return b.Build()
}

// forEachImage loads every image named by args and calls fn. Per-image
// failures are reported and counted; the returned error summarizes them.
func forEachImage(cmd *cobra.Command, args []string, fn func(ctx context.Context, path string) error) error {
	paths, err := utils.CollectImages(args)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return errors.New("no supported images found")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failed := 0
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, path); err != nil {
			failed++
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", filepath.Base(path), err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(paths))
	}
	return nil
}

// writeOutput sends text to the configured output file or stdout.
func (a *app) writeOutput(cmd *cobra.Command, text string) error {
	var w io.Writer = cmd.OutOrStdout()
	if a.cfg.Output.File != "" {
		f, err := os.Create(a.cfg.Output.File)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer func() { _ = f.Close() }()
		w = f
	}
	_, err := io.WriteString(w, text)
	return err
}
