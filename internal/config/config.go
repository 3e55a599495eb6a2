package config

import (
	"fmt"
	"image/color"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/MeKo-Tech/leafscan/internal/inference"
	"github.com/MeKo-Tech/leafscan/internal/models"
	"github.com/MeKo-Tech/leafscan/internal/onnx"
	"github.com/MeKo-Tech/leafscan/internal/pipeline"
	"github.com/MeKo-Tech/leafscan/internal/severity"
)

// Config represents the complete configuration of leafscan. It is loaded
// from a config file, LEAFSCAN_ environment variables and command-line flags.
type Config struct {
	ModelsDir string `mapstructure:"models_dir" yaml:"models_dir" json:"models_dir"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose   bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	Detection    ModelConfig    `mapstructure:"detection" yaml:"detection" json:"detection"`
	Segmentation ModelConfig    `mapstructure:"segmentation" yaml:"segmentation" json:"segmentation"`
	Severity     SeverityConfig `mapstructure:"severity" yaml:"severity" json:"severity"`
	Classes      ClassesConfig  `mapstructure:"classes" yaml:"classes" json:"classes"`
	Overlay      OverlayConfig  `mapstructure:"overlay" yaml:"overlay" json:"overlay"`
	Output       OutputConfig   `mapstructure:"output" yaml:"output" json:"output"`
	Server       ServerConfig   `mapstructure:"server" yaml:"server" json:"server"`
	GPU          GPUConfig      `mapstructure:"gpu" yaml:"gpu" json:"gpu"`
	ONNX         ONNXConfig     `mapstructure:"onnx" yaml:"onnx" json:"onnx"`
}

// ModelConfig selects a backend and its inference options.
type ModelConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend" json:"backend"`
	// Model is a file relative to <models_dir>/<task>, an absolute path, or
	// the model name sent to a remote service.
	Model         string  `mapstructure:"model" yaml:"model" json:"model"`
	URL           string  `mapstructure:"url" yaml:"url" json:"url"`
	TimeoutSec    int     `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
	Confidence    float64 `mapstructure:"confidence" yaml:"confidence" json:"confidence"`
	InputSize     int     `mapstructure:"input_size" yaml:"input_size" json:"input_size"`
	IoUThreshold  float64 `mapstructure:"iou_threshold" yaml:"iou_threshold" json:"iou_threshold"`
	MaskThreshold float64 `mapstructure:"mask_threshold" yaml:"mask_threshold" json:"mask_threshold"`
	// Serialize guards backends that must not run concurrently.
	Serialize bool `mapstructure:"serialize" yaml:"serialize" json:"serialize"`
}

// SeverityConfig contains crop and aggregation settings.
type SeverityConfig struct {
	Pad       int  `mapstructure:"pad" yaml:"pad" json:"pad"`
	MultiLeaf bool `mapstructure:"multi_leaf" yaml:"multi_leaf" json:"multi_leaf"`
	Workers   int  `mapstructure:"workers" yaml:"workers" json:"workers"`
}

// PairConfig maps one leaf class to its lesion class.
type PairConfig struct {
	Leaf   int `mapstructure:"leaf" yaml:"leaf" json:"leaf"`
	Lesion int `mapstructure:"lesion" yaml:"lesion" json:"lesion"`
}

// ClassesConfig is the segmentation class vocabulary. Names is indexed by
// class id.
type ClassesConfig struct {
	LeafIDs []int        `mapstructure:"leaf_ids" yaml:"leaf_ids" json:"leaf_ids"`
	Pairing []PairConfig `mapstructure:"pairing" yaml:"pairing" json:"pairing"`
	Names   []string     `mapstructure:"names" yaml:"names" json:"names"`
}

// OverlayConfig contains rendering settings. Colours are #RRGGBB.
type OverlayConfig struct {
	LeafTint     string  `mapstructure:"leaf_tint" yaml:"leaf_tint" json:"leaf_tint"`
	LesionColor  string  `mapstructure:"lesion_color" yaml:"lesion_color" json:"lesion_color"`
	TintWeight   float64 `mapstructure:"tint_weight" yaml:"tint_weight" json:"tint_weight"`
	BoxThickness int     `mapstructure:"box_thickness" yaml:"box_thickness" json:"box_thickness"`
	Labels       bool    `mapstructure:"labels" yaml:"labels" json:"labels"`
}

// OutputConfig contains output settings.
type OutputConfig struct {
	Dir    string `mapstructure:"dir" yaml:"dir" json:"dir"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`
	File   string `mapstructure:"file" yaml:"file" json:"file"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string `mapstructure:"host" yaml:"host" json:"host"`
	Port            int    `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin      string `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	MaxUploadMB     int    `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	TimeoutSec      int    `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	// PlainArtifactNames stores artifacts under the bare upload name. Uploads
	// sharing a filename then overwrite each other's results.
	PlainArtifactNames bool `mapstructure:"plain_artifact_names" yaml:"plain_artifact_names" json:"plain_artifact_names"`

	RateLimitEnabled  bool `mapstructure:"rate_limit_enabled" yaml:"rate_limit_enabled" json:"rate_limit_enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute" yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour   int  `mapstructure:"requests_per_hour" yaml:"requests_per_hour" json:"requests_per_hour"`
	MaxRequestsPerDay int  `mapstructure:"max_requests_per_day" yaml:"max_requests_per_day" json:"max_requests_per_day"`
	MaxDataPerDayMB   int  `mapstructure:"max_data_per_day_mb" yaml:"max_data_per_day_mb" json:"max_data_per_day_mb"`
}

// GPUConfig contains CUDA settings for ONNX sessions.
type GPUConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Device      int    `mapstructure:"device" yaml:"device" json:"device"`
	MemoryLimit string `mapstructure:"memory_limit" yaml:"memory_limit" json:"memory_limit"`
}

// ONNXConfig contains runtime settings.
type ONNXConfig struct {
	LibraryPath string `mapstructure:"library_path" yaml:"library_path" json:"library_path"`
	NumThreads  int    `mapstructure:"num_threads" yaml:"num_threads" json:"num_threads"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	opts := inference.DefaultOptions()
	model := func(name string) ModelConfig {
		return ModelConfig{
			Backend:       inference.BackendONNX,
			Model:         name,
			TimeoutSec:    60,
			Confidence:    opts.Confidence,
			InputSize:     opts.InputSize,
			IoUThreshold:  opts.IoUThreshold,
			MaskThreshold: opts.MaskThreshold,
		}
	}
	return Config{
		ModelsDir:    models.DefaultModelsDir,
		LogLevel:     "info",
		Detection:    model(models.DefaultDetectionModel),
		Segmentation: model(models.DefaultSegmentationModel),
		Severity: SeverityConfig{
			Pad:     severity.DefaultPad,
			Workers: runtime.NumCPU(),
		},
		Classes: ClassesConfig{
			LeafIDs: []int{0, 2, 3},
			Pairing: []PairConfig{{Leaf: 0, Lesion: 1}, {Leaf: 3, Lesion: 4}},
		},
		Overlay: OverlayConfig{
			LeafTint:     "#00FF00",
			LesionColor:  "#8B0000",
			TintWeight:   0.3,
			BoxThickness: 2,
			Labels:       true,
		},
		Output: OutputConfig{
			Dir:    "results",
			Format: "text",
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			CORSOrigin:      "*",
			MaxUploadMB:     16,
			TimeoutSec:      120,
			ShutdownTimeout: 10,

			RequestsPerMinute: 60,
			RequestsPerHour:   1000,
			MaxRequestsPerDay: 5000,
			MaxDataPerDayMB:   500,
		},
		GPU: GPUConfig{
			MemoryLimit: "auto",
		},
	}
}

// Validate validates the configuration and returns the first error.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	validFormats := []string{"text", "json", "csv"}
	if c.Output.Format != "" && !contains(validFormats, c.Output.Format) {
		return fmt.Errorf("invalid output format: %s (must be one of: %s)", c.Output.Format, strings.Join(validFormats, ", "))
	}

	if err := c.Detection.validate("detection"); err != nil {
		return err
	}
	if err := c.Segmentation.validate("segmentation"); err != nil {
		return err
	}

	if c.Severity.Pad < 0 {
		return fmt.Errorf("invalid severity pad: %d (must not be negative)", c.Severity.Pad)
	}
	if c.Severity.Workers < 0 {
		return fmt.Errorf("invalid severity workers: %d (0 = number of CPUs)", c.Severity.Workers)
	}

	if _, err := c.ClassConfig(); err != nil {
		return err
	}
	if _, err := c.OverlayStyle(); err != nil {
		return err
	}
	if err := validateThreshold(c.Overlay.TintWeight, "overlay.tint_weight"); err != nil {
		return err
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max upload size: %d (must be positive)", c.Server.MaxUploadMB)
	}
	if c.Server.TimeoutSec <= 0 {
		return fmt.Errorf("invalid timeout: %d (must be positive)", c.Server.TimeoutSec)
	}
	if c.Server.RequestsPerMinute < 0 || c.Server.RequestsPerHour < 0 ||
		c.Server.MaxRequestsPerDay < 0 || c.Server.MaxDataPerDayMB < 0 {
		return fmt.Errorf("invalid rate limits: values must not be negative")
	}

	if _, err := parseMemoryLimit(c.GPU.MemoryLimit); err != nil {
		return fmt.Errorf("invalid GPU memory limit: %w", err)
	}
	return nil
}

func (m ModelConfig) validate(section string) error {
	switch m.Backend {
	case inference.BackendONNX, "":
	case inference.BackendRemote:
		if m.URL == "" {
			return fmt.Errorf("%s.url is required for the remote backend", section)
		}
	default:
		return fmt.Errorf("invalid %s.backend: %s (must be one of: onnx, remote)", section, m.Backend)
	}
	if err := validateThreshold(m.Confidence, section+".confidence"); err != nil {
		return err
	}
	if err := validateThreshold(m.IoUThreshold, section+".iou_threshold"); err != nil {
		return err
	}
	if err := validateThreshold(m.MaskThreshold, section+".mask_threshold"); err != nil {
		return err
	}
	if m.InputSize < 32 || m.InputSize%32 != 0 {
		return fmt.Errorf("invalid %s.input_size: %d (must be a positive multiple of 32)", section, m.InputSize)
	}
	return nil
}

// ClassConfig converts the class section into the severity vocabulary.
func (c *Config) ClassConfig() (severity.ClassConfig, error) {
	cc := severity.ClassConfig{
		LeafClasses: severity.NewLeafClassSet(c.Classes.LeafIDs...),
		Pairing:     make(severity.ClassPairing, len(c.Classes.Pairing)),
		Names:       make(map[int]string, len(c.Classes.Names)),
	}
	for _, p := range c.Classes.Pairing {
		if prev, dup := cc.Pairing[p.Leaf]; dup && prev != p.Lesion {
			return severity.ClassConfig{}, fmt.Errorf("invalid classes.pairing: leaf %d paired twice", p.Leaf)
		}
		cc.Pairing[p.Leaf] = p.Lesion
	}
	for id, name := range c.Classes.Names {
		if name != "" {
			cc.Names[id] = name
		}
	}
	if err := cc.Validate(); err != nil {
		return severity.ClassConfig{}, fmt.Errorf("invalid classes: %w", err)
	}
	return cc, nil
}

// OverlayStyle converts the overlay section.
func (c *Config) OverlayStyle() (severity.OverlayStyle, error) {
	tint, err := ParseHexColor(c.Overlay.LeafTint)
	if err != nil {
		return severity.OverlayStyle{}, fmt.Errorf("invalid overlay.leaf_tint: %w", err)
	}
	lesion, err := ParseHexColor(c.Overlay.LesionColor)
	if err != nil {
		return severity.OverlayStyle{}, fmt.Errorf("invalid overlay.lesion_color: %w", err)
	}
	return severity.OverlayStyle{LeafTint: tint, LesionColor: lesion, TintWeight: c.Overlay.TintWeight}, nil
}

// ModelSpec resolves the backend and model location of one task.
func (c *Config) ModelSpec(task string) inference.ModelSpec {
	m, modelType := c.Detection, models.TypeDetection
	if task == models.TypeSegmentation {
		m, modelType = c.Segmentation, models.TypeSegmentation
	}
	spec := inference.ModelSpec{
		Backend: m.Backend,
		Timeout: time.Duration(m.TimeoutSec) * time.Second,
		Session: c.SessionConfig(),
	}
	if m.Backend == inference.BackendRemote {
		spec.URL = m.URL
		spec.Model = m.Model
		return spec
	}
	spec.Backend = inference.BackendONNX
	spec.Path = models.ResolveModelPath(c.ModelsDir, modelType, m.Model)
	return spec
}

// Options returns the inference options of one task.
func (m ModelConfig) Options() inference.Options {
	return inference.Options{
		Confidence:    m.Confidence,
		InputSize:     m.InputSize,
		MaskThreshold: m.MaskThreshold,
		IoUThreshold:  m.IoUThreshold,
	}
}

// SessionConfig returns the ONNX session settings.
func (c *Config) SessionConfig() onnx.SessionConfig {
	return onnx.SessionConfig{
		LibraryPath: c.ONNX.LibraryPath,
		NumThreads:  c.ONNX.NumThreads,
		GPU:         c.ToGPUConfig(),
	}
}

// ToGPUConfig converts the gpu section. Validate must have accepted it.
func (c *Config) ToGPUConfig() onnx.GPUConfig {
	g := onnx.DefaultGPUConfig()
	g.UseGPU = c.GPU.Enabled
	g.DeviceID = c.GPU.Device
	g.GPUMemLimit, _ = parseMemoryLimit(c.GPU.MemoryLimit)
	return g
}

// ToPipelineConfig converts to the estimator configuration. Validate must
// have accepted the configuration.
func (c *Config) ToPipelineConfig() pipeline.Config {
	classes, _ := c.ClassConfig()
	style, _ := c.OverlayStyle()

	cfg := pipeline.DefaultConfig()
	cfg.Classes = classes
	cfg.Pad = c.Severity.Pad
	cfg.Mode = severity.ModeFor(c.Severity.MultiLeaf)
	cfg.Detection = c.Detection.Options()
	cfg.Segmentation = c.Segmentation.Options()
	cfg.Overlay = style
	cfg.Boxes.Thickness = c.Overlay.BoxThickness
	cfg.Boxes.Labels = c.Overlay.Labels
	cfg.Boxes.Names = classes.Names
	cfg.Parallel.MaxWorkers = c.Severity.Workers
	cfg.SerializeSegmentation = c.Segmentation.Serialize
	return cfg
}

// ParseHexColor parses #RRGGBB or RRGGBB into an opaque colour.
func ParseHexColor(s string) (color.NRGBA, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) != 6 {
		return color.NRGBA{}, fmt.Errorf("colour %q must be #RRGGBB", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("colour %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

// contains checks if a slice contains a string.
func contains(slice []string, item string) bool {
	return slices.Contains(slice, item)
}

// validateThreshold validates that a value is between 0.0 and 1.0.
func validateThreshold(value float64, name string) error {
	if value < 0.0 || value > 1.0 {
		return fmt.Errorf("invalid %s: %.2f (must be between 0.0 and 1.0)", name, value)
	}
	return nil
}

// parseMemoryLimit converts "auto", "" or values like "512MB" to bytes;
// 0 means unlimited.
func parseMemoryLimit(limit string) (uint64, error) {
	if limit == "" || limit == "auto" {
		return 0, nil
	}
	upper := strings.ToUpper(strings.TrimSpace(limit))
	units := []struct {
		suffix string
		factor float64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}}
	for _, u := range units {
		if !strings.HasSuffix(upper, u.suffix) {
			continue
		}
		n, err := strconv.ParseFloat(strings.TrimSuffix(upper, u.suffix), 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid number in memory limit: %s", limit)
		}
		return uint64(n * u.factor), nil
	}
	return 0, fmt.Errorf("memory limit must end with one of: B, KB, MB, GB")
}
