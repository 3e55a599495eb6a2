package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MeKo-Tech/leafscan/internal/inference"
	"github.com/MeKo-Tech/leafscan/internal/models"
	"github.com/MeKo-Tech/leafscan/internal/server"
	"github.com/spf13/cobra"
)

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP severity API",
		Long: `Start an HTTP server with REST and WebSocket endpoints:

  POST /v1/severity    - severity report for an uploaded image
  POST /v1/detect      - detection only
  POST /v1/segment     - segmentation only
  GET  /v1/results/{n} - stored overlay images
  GET  /v1/models      - models available under the models directory
  GET  /ws/severity    - streaming severity over WebSocket
  GET  /health         - health check
  GET  /metrics        - Prometheus metrics

Examples:
  leafscan serve
  leafscan serve --host 0.0.0.0 --port 3000 --rate-limit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			shutdownTimeout := cfg.Server.ShutdownTimeout
			if cmd.Flags().Changed("shutdown-timeout") {
				shutdownTimeout, _ = cmd.Flags().GetInt("shutdown-timeout")
			}

			srv, err := server.NewServer(server.Config{
				Host:         cfg.Server.Host,
				Port:         cfg.Server.Port,
				CORSOrigin:   cfg.Server.CORSOrigin,
				MaxUploadMB:  int64(cfg.Server.MaxUploadMB),
				TimeoutSec:   cfg.Server.TimeoutSec,
				ModelsDir:    cfg.ModelsDir,
				ResultsDir:   cfg.Output.Dir,
				PlainNames:   cfg.Server.PlainArtifactNames,
				Pipeline:     cfg.ToPipelineConfig(),
				Detection:    cfg.ModelSpec(models.TypeDetection),
				Segmentation: cfg.ModelSpec(models.TypeSegmentation),
				RateLimit: server.RateLimitConfig{
					Enabled:           cfg.Server.RateLimitEnabled,
					RequestsPerMinute: cfg.Server.RequestsPerMinute,
					RequestsPerHour:   cfg.Server.RequestsPerHour,
					MaxRequestsPerDay: cfg.Server.MaxRequestsPerDay,
					MaxDataPerDay:     int64(cfg.Server.MaxDataPerDayMB) << 20,
				},
			}, inference.NewLoader(a.cache))
			if err != nil {
				return fmt.Errorf("failed to initialize server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.ListenAndServe(ctx, time.Duration(shutdownTimeout)*time.Second)
		},
	}

	f := cmd.Flags()
	f.StringP("host", "H", "localhost", "server host")
	f.IntP("port", "p", 8080, "server port")
	f.String("cors-origin", "*", "CORS allowed origins")
	f.Int("max-upload-mb", 16, "maximum upload size in MB")
	f.Int("timeout", 120, "request timeout in seconds")
	f.Int("shutdown-timeout", 10, "shutdown timeout in seconds")
	f.Bool("rate-limit", false, "enable per-client rate limiting")
	f.Int("pad", 10, "default crop padding")
	f.Bool("multi-leaf", false, "analyse every detected leaf by default")
	f.Int("workers", 0, "parallel crops per request (0 = number of CPUs)")
	addModelFlags(cmd, need{detector: true, segmenter: true})
	return cmd
}
