// Package server exposes the severity pipeline over HTTP and WebSocket.
package server

import (
	"errors"

	"github.com/MeKo-Tech/leafscan/internal/inference"
	"github.com/MeKo-Tech/leafscan/internal/models"
	"github.com/MeKo-Tech/leafscan/internal/pipeline"
)

var (
	// errBadRequest marks client input errors (400).
	errBadRequest = errors.New("bad request")
	// errModelUnavailable marks models that could not be loaded (503).
	errModelUnavailable = errors.New("model unavailable")
)

// Config holds server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigin  string
	MaxUploadMB int64
	TimeoutSec  int
	ModelsDir   string
	ResultsDir  string
	// PlainNames disables the request-id prefix on stored artifact names.
	PlainNames bool

	Pipeline     pipeline.Config
	Detection    inference.ModelSpec
	Segmentation inference.ModelSpec
	RateLimit    RateLimitConfig
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string   `json:"status"`
	Version string   `json:"version,omitempty"`
	Time    string   `json:"time"`
	Models  []string `json:"loaded_models"`
}

// ModelsResponse is returned by GET /v1/models.
type ModelsResponse struct {
	Detection    []models.ModelInfo `json:"detection"`
	Segmentation []models.ModelInfo `json:"segmentation"`
	Count        int                `json:"count"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Code      int    `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// ResultsResponse is returned by GET /v1/results.
type ResultsResponse struct {
	Results []string `json:"results"`
	Count   int      `json:"count"`
}

// SeverityResponse wraps a pipeline report. Unless the server runs with
// plain names, the report filename and every artifact carry a request-id
// prefix in front of UploadFilename.
type SeverityResponse struct {
	RequestID      string `json:"request_id"`
	UploadFilename string `json:"upload_filename"`
	*pipeline.Report
	Mean      *float64 `json:"mean_severity,omitempty"`
	Artifacts []string `json:"artifacts"`
}

// DetectResponse wraps a detection-only report.
type DetectResponse struct {
	RequestID      string `json:"request_id"`
	UploadFilename string `json:"upload_filename"`
	*pipeline.DetectionReport
	Artifacts []string `json:"artifacts"`
}

// SegmentResponse wraps a segmentation-only report.
type SegmentResponse struct {
	RequestID      string `json:"request_id"`
	UploadFilename string `json:"upload_filename"`
	*pipeline.SegmentationReport
	Artifacts []string `json:"artifacts"`
}
