// Package cmd implements the leafscan command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/MeKo-Tech/leafscan/internal/config"
	"github.com/MeKo-Tech/leafscan/internal/inference"
	"github.com/MeKo-Tech/leafscan/internal/models"
	"github.com/MeKo-Tech/leafscan/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// skipConfigAnnotation marks commands that run without loading configuration.
const skipConfigAnnotation = "leafscan/skip-config"

// flagKeys maps command-line flags onto configuration keys. Flags are bound
// for whichever command is running, so a flag overrides the config file and
// environment only when it was given.
var flagKeys = map[string]string{
	"verbose":       "verbose",
	"log-level":     "log_level",
	"models-dir":    "models_dir",
	"pad":           "severity.pad",
	"multi-leaf":    "severity.multi_leaf",
	"workers":       "severity.workers",
	"det-backend":   "detection.backend",
	"det-model":     "detection.model",
	"det-url":       "detection.url",
	"conf":          "detection.confidence",
	"imgsz":         "detection.input_size",
	"seg-backend":   "segmentation.backend",
	"seg-model":     "segmentation.model",
	"seg-url":       "segmentation.url",
	"seg-conf":      "segmentation.confidence",
	"mask-thresh":   "segmentation.mask_threshold",
	"output-dir":    "output.dir",
	"format":        "output.format",
	"output":        "output.file",
	"gpu":           "gpu.enabled",
	"gpu-device":    "gpu.device",
	"onnx-lib":      "onnx.library_path",
	"host":          "server.host",
	"port":          "server.port",
	"cors-origin":   "server.cors_origin",
	"max-upload-mb": "server.max_upload_mb",
	"timeout":       "server.timeout_sec",
	"rate-limit":    "server.rate_limit_enabled",
}

// app is the state shared by one command tree.
type app struct {
	cfgFile string
	loader  *config.Loader
	cfg     *config.Config
	cache   *inference.Cache
}

// NewRootCommand builds a fresh command tree with its own configuration
// state, so tests can execute it repeatedly.
func NewRootCommand() *cobra.Command {
	a := &app{
		loader: config.NewLoaderWithViper(viper.New()),
		cache:  inference.NewCache(),
	}

	root := &cobra.Command{
		Use:   "leafscan",
		Short: "Leaf disease severity estimation",
		Long: `leafscan detects leaves in field photos, segments leaf and lesion pixels
in each detected crop, and reports the lesion share of every leaf as a
severity percentage together with overlay images.

Examples:
  leafscan severity photo.jpg
  leafscan severity field/ --multi-leaf --format csv -o results.csv
  leafscan serve --port 8080`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.SetVersionTemplate("{{.Version}}\n")

	defaultModelsDir := models.DefaultModelsDir
	if envDir := os.Getenv(models.EnvModelsDir); envDir != "" {
		defaultModelsDir = envDir
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "",
		"config file (default is leafscan.yaml in "+strings.Join(config.GetConfigSearchPaths(), ", ")+")")
	pf.BoolP("verbose", "v", false, "verbose output (equivalent to --log-level=debug)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("models-dir", defaultModelsDir,
		"directory containing ONNX models (can also be set via "+models.EnvModelsDir+")")

	root.AddCommand(
		newSeverityCommand(a),
		newDetectCommand(a),
		newSegmentCommand(a),
		newServeCommand(a),
		newModelsCommand(a),
		newConfigCommand(a),
		newTestCommand(a),
		newVersionCommand(),
	)
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		os.Exit(1)
	}
}

// setup binds the running command's flags, loads configuration and
// installs the JSON logger.
func (a *app) setup(cmd *cobra.Command) error {
	if _, skip := cmd.Annotations[skipConfigAnnotation]; skip {
		return nil
	}
	v := a.loader.GetViper()
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	var err error
	if a.cfgFile != "" {
		a.cfg, err = a.loader.LoadWithFile(a.cfgFile)
	} else {
		a.cfg, err = a.loader.Load()
	}
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logLevel(a.cfg),
	})))
	slog.Debug("configuration loaded", "file", a.loader.GetConfigFileUsed(), "models_dir", a.cfg.ModelsDir)
	return nil
}

func logLevel(cfg *config.Config) slog.Level {
	if cfg.Verbose {
		return slog.LevelDebug
	}
	switch cfg.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// close releases every model loaded by the command.
func (a *app) close() {
	if err := a.cache.Close(); err != nil {
		slog.Warn("failed to release models", "error", err)
	}
}
