package server

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/MeKo-Tech/leafscan/internal/inference"
	"github.com/MeKo-Tech/leafscan/internal/models"
	"github.com/MeKo-Tech/leafscan/internal/pipeline"
	"github.com/MeKo-Tech/leafscan/internal/severity"
	"github.com/MeKo-Tech/leafscan/internal/utils"
	"github.com/MeKo-Tech/leafscan/internal/version"
)

// requestOptions are the per-request overrides accepted as form fields.
type requestOptions struct {
	Pad       *int
	MultiLeaf *bool
	DetModel  string
	SegModel  string
	Format    string
	// Upload is the client's filename before any prefix is applied.
	Upload string
}

// healthHandler handles health check requests.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeErrorResponse(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	loaded := s.loader.Cache().Keys()
	if loaded == nil {
		loaded = []string{}
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: version.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Models:  loaded,
	})
}

// modelsHandler lists the models available under the models directory.
func (s *Server) modelsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeErrorResponse(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	all, err := models.ListAvailableModels(s.cfg.ModelsDir)
	if err != nil {
		s.writeErrorResponse(w, r, http.StatusInternalServerError, "models_error", err.Error())
		return
	}
	resp := ModelsResponse{
		Detection:    nonNil(all[models.TypeDetection]),
		Segmentation: nonNil(all[models.TypeSegmentation]),
	}
	resp.Count = len(resp.Detection) + len(resp.Segmentation)
	writeJSON(w, http.StatusOK, resp)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// severityHandler runs the full pipeline on one uploaded image.
func (s *Server) severityHandler(w http.ResponseWriter, r *http.Request) {
	s.analyze(w, r, "severity", func(ctx context.Context, est *pipeline.Estimator, img image.Image,
		name string, opts requestOptions,
	) (any, error) {
		rep, err := est.Estimate(ctx, img, name)
		if err != nil {
			return nil, err
		}
		if opts.Format == pipeline.FormatCSV || opts.Format == pipeline.FormatText {
			return pipeline.Format(rep, opts.Format)
		}
		resp := SeverityResponse{RequestID: requestIDFrom(ctx), UploadFilename: opts.Upload,
			Report: rep, Artifacts: artifacts(rep)}
		if mean, ok := rep.MeanSeverity(); ok {
			resp.Mean = &mean
		}
		return resp, nil
	})
}

// detectHandler runs detection only.
func (s *Server) detectHandler(w http.ResponseWriter, r *http.Request) {
	s.analyze(w, r, "detect", func(ctx context.Context, est *pipeline.Estimator, img image.Image,
		name string, opts requestOptions,
	) (any, error) {
		rep, err := est.DetectOnly(ctx, img, name)
		if err != nil {
			return nil, err
		}
		return DetectResponse{RequestID: requestIDFrom(ctx), UploadFilename: opts.Upload, DetectionReport: rep,
			Artifacts: nonEmpty(rep.AnnotatedName)}, nil
	})
}

// segmentHandler runs whole-image segmentation only.
func (s *Server) segmentHandler(w http.ResponseWriter, r *http.Request) {
	s.analyze(w, r, "segment", func(ctx context.Context, est *pipeline.Estimator, img image.Image,
		name string, opts requestOptions,
	) (any, error) {
		rep, err := est.SegmentOnly(ctx, img, name)
		if err != nil {
			return nil, err
		}
		return SegmentResponse{RequestID: requestIDFrom(ctx), UploadFilename: opts.Upload, SegmentationReport: rep,
			Artifacts: nonEmpty(rep.AnnotatedName)}, nil
	})
}

type analyzeFunc func(ctx context.Context, est *pipeline.Estimator, img image.Image,
	name string, opts requestOptions) (any, error)

// analyze is the shared upload, build, run and respond sequence.
func (s *Server) analyze(w http.ResponseWriter, r *http.Request, task string, run analyzeFunc) {
	if r.Method != http.MethodPost {
		s.writeErrorResponse(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}

	img, filename, opts, err := s.parseUpload(w, r)
	if err != nil {
		analysisRequestsTotal.WithLabelValues(task, "bad_request").Inc()
		s.writeError(w, r, err)
		return
	}

	est, err := s.estimatorFor(task, opts)
	if err != nil {
		analysisRequestsTotal.WithLabelValues(task, "error").Inc()
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(s.cfg.TimeoutSec)*time.Second)
	defer cancel()

	start := time.Now()
	opts.Upload = filename
	out, err := run(ctx, est, img, s.artifactName(requestIDFrom(ctx), filename), opts)
	analysisDuration.WithLabelValues(task).Observe(time.Since(start).Seconds())
	if err != nil {
		analysisRequestsTotal.WithLabelValues(task, "error").Inc()
		s.writeError(w, r, err)
		return
	}
	analysisRequestsTotal.WithLabelValues(task, "success").Inc()

	if text, ok := out.(string); ok {
		if opts.Format == pipeline.FormatCSV {
			w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		} else {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		}
		_, _ = w.Write([]byte(text))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// parseUpload reads the multipart "image" field and the override fields.
func (s *Server) parseUpload(w http.ResponseWriter, r *http.Request) (image.Image, string, requestOptions, error) {
	var opts requestOptions
	limit := s.cfg.MaxUploadMB << 20
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, "", opts, fmt.Errorf("%w: upload exceeds %d MB", errBadRequest, s.cfg.MaxUploadMB)
		}
		return nil, "", opts, fmt.Errorf("%w: failed to parse multipart form: %w", errBadRequest, err)
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		return nil, "", opts, fmt.Errorf("%w: missing image file", errBadRequest)
	}
	defer func() { _ = file.Close() }()
	uploadSize.Observe(float64(header.Size))

	filename := filepath.Base(header.Filename)
	if !utils.IsSupportedImage(filename) {
		return nil, "", opts, fmt.Errorf("%w: unsupported image type %q (supported: %s)",
			errBadRequest, filepath.Ext(filename), strings.Join(utils.SupportedImageExtensions, ", "))
	}
	img, err := utils.DecodeImage(file)
	if err != nil {
		return nil, "", opts, fmt.Errorf("%w: %w", errBadRequest, err)
	}

	if v := r.FormValue("pad"); v != "" {
		pad, err := strconv.Atoi(v)
		if err != nil || pad < 0 {
			return nil, "", opts, fmt.Errorf("%w: pad must be a non-negative integer", errBadRequest)
		}
		opts.Pad = &pad
	}
	if v := r.FormValue("multi_leaf"); v != "" {
		multi, err := strconv.ParseBool(v)
		if err != nil {
			return nil, "", opts, fmt.Errorf("%w: multi_leaf must be a boolean", errBadRequest)
		}
		opts.MultiLeaf = &multi
	}
	opts.DetModel = r.FormValue("det_model")
	opts.SegModel = r.FormValue("seg_model")
	opts.Format = strings.ToLower(r.FormValue("format"))
	if opts.Format != "" && !slices.Contains([]string{pipeline.FormatJSON, pipeline.FormatCSV, pipeline.FormatText}, opts.Format) {
		return nil, "", opts, fmt.Errorf("%w: unsupported format %q", errBadRequest, opts.Format)
	}
	return img, filename, opts, nil
}

// estimatorFor builds a per-request estimator from cached models. Only the
// models a task needs are loaded.
func (s *Server) estimatorFor(task string, opts requestOptions) (*pipeline.Estimator, error) {
	b := pipeline.NewBuilder().WithConfig(s.cfg.Pipeline).WithStore(s.store)
	if opts.Pad != nil {
		b.WithPad(*opts.Pad)
	}
	if opts.MultiLeaf != nil {
		b.WithMultiLeaf(*opts.MultiLeaf)
	}

	if task != "segment" {
		spec, err := s.overrideSpec(s.cfg.Detection, models.TypeDetection, opts.DetModel)
		if err != nil {
			return nil, err
		}
		det, err := s.loader.Detector(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: detection: %w", errModelUnavailable, err)
		}
		b.WithDetector(det)
	}
	if task != "detect" {
		spec, err := s.overrideSpec(s.cfg.Segmentation, models.TypeSegmentation, opts.SegModel)
		if err != nil {
			return nil, err
		}
		seg, err := s.loader.Segmenter(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: segmentation: %w", errModelUnavailable, err)
		}
		b.WithSegmenter(seg)
	}
	return b.Build()
}

// overrideSpec applies a per-request model name. Local models must be
// listed under the models directory so clients cannot load arbitrary paths.
func (s *Server) overrideSpec(base inference.ModelSpec, modelType, name string) (inference.ModelSpec, error) {
	if name == "" {
		return base, nil
	}
	if base.Backend == inference.BackendRemote {
		base.Model = name
		return base, nil
	}
	available, err := models.ListModels(s.cfg.ModelsDir, modelType)
	if err != nil {
		return base, err
	}
	for _, m := range available {
		if m.Name == name || m.Label == name {
			base.Path = m.Path
			return base, nil
		}
	}
	return base, fmt.Errorf("%w: unknown %s model %q", errBadRequest, modelType, name)
}

// resultHandler serves a stored artifact by name.
func (s *Server) resultHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeErrorResponse(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	path, err := s.store.Path(r.PathValue("name"))
	if err != nil {
		s.writeErrorResponse(w, r, http.StatusNotFound, "not_found", "no such result")
		return
	}
	http.ServeFile(w, r, path)
}

// resultsHandler lists the stored artifacts.
func (s *Server) resultsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeErrorResponse(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	names, err := s.store.List()
	if err != nil {
		slog.Error("failed to list results", "error", err)
		s.writeErrorResponse(w, r, http.StatusInternalServerError, "processing_error", "results are unavailable")
		return
	}
	names = nonNil(names)
	writeJSON(w, http.StatusOK, ResultsResponse{Results: names, Count: len(names)})
}

// artifactName is the name the pipeline stores results under.
func (s *Server) artifactName(requestID, filename string) string {
	if s.cfg.PlainNames {
		return filename
	}
	return storedName(requestID, filename)
}

// storedName prefixes the upload name with a short request id so that
// concurrent uploads of the same file do not overwrite each other.
func storedName(requestID, filename string) string {
	if len(requestID) >= 8 {
		requestID = requestID[:8]
	}
	if requestID == "" {
		return filename
	}
	return requestID + "_" + filename
}

func artifacts(rep *pipeline.Report) []string {
	out := nonEmpty(rep.DetectionOverlayName)
	for _, rec := range rep.Records {
		if rec.OverlayName != "" {
			out = append(out, rec.OverlayName)
		}
	}
	return out
}

func nonEmpty(names ...string) []string {
	out := []string{}
	for _, n := range names {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

// statusFor maps pipeline errors to HTTP status codes and error codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, severity.ErrNoDetections):
		return http.StatusUnprocessableEntity, "no_detections"
	case errors.Is(err, errModelUnavailable):
		return http.StatusServiceUnavailable, "model_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, severity.ErrInferenceFailure):
		return http.StatusBadGateway, "inference_failure"
	default:
		return http.StatusInternalServerError, "processing_error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	s.writeErrorResponse(w, r, status, code, err.Error())
}
