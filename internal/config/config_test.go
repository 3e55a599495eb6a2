package config

import (
	"image/color"
	"testing"

	"github.com/MeKo-Tech/leafscan/internal/inference"
	"github.com/MeKo-Tech/leafscan/internal/models"
	"github.com/MeKo-Tech/leafscan/internal/severity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	classes, err := cfg.ClassConfig()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 3}, classes.LeafClasses.IDs())
	assert.Equal(t, severity.ClassPairing{0: 1, 3: 4}, classes.Pairing)

	style, err := cfg.OverlayStyle()
	require.NoError(t, err)
	assert.Equal(t, severity.DefaultOverlayStyle(), style)

	assert.Equal(t, inference.DefaultOptions(), cfg.Detection.Options())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"log level", func(c *Config) { c.LogLevel = "trace" }},
		{"format", func(c *Config) { c.Output.Format = "xml" }},
		{"backend", func(c *Config) { c.Detection.Backend = "tflite" }},
		{"remote without url", func(c *Config) { c.Segmentation.Backend = inference.BackendRemote }},
		{"confidence", func(c *Config) { c.Detection.Confidence = 1.5 }},
		{"mask threshold", func(c *Config) { c.Segmentation.MaskThreshold = -0.1 }},
		{"input size", func(c *Config) { c.Detection.InputSize = 600 }},
		{"pad", func(c *Config) { c.Severity.Pad = -1 }},
		{"workers", func(c *Config) { c.Severity.Workers = -1 }},
		{"empty leaf ids", func(c *Config) { c.Classes.LeafIDs = nil }},
		{"pairing from non-leaf", func(c *Config) { c.Classes.Pairing = []PairConfig{{Leaf: 1, Lesion: 4}} }},
		{"pairing onto leaf", func(c *Config) { c.Classes.Pairing = []PairConfig{{Leaf: 0, Lesion: 2}} }},
		{"pairing twice", func(c *Config) {
			c.Classes.Pairing = []PairConfig{{Leaf: 0, Lesion: 1}, {Leaf: 0, Lesion: 4}}
		}},
		{"colour", func(c *Config) { c.Overlay.LesionColor = "dark red" }},
		{"tint weight", func(c *Config) { c.Overlay.TintWeight = 2 }},
		{"port", func(c *Config) { c.Server.Port = 70000 }},
		{"upload", func(c *Config) { c.Server.MaxUploadMB = 0 }},
		{"memory limit", func(c *Config) { c.GPU.MemoryLimit = "12 parsecs" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_ZeroWorkersMeansAllCPUs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Severity.Workers = 0
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0, cfg.ToPipelineConfig().Parallel.MaxWorkers)
}

func TestParseHexColor(t *testing.T) {
	c, err := ParseHexColor("#8B0000")
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 139, A: 255}, c)

	c, err = ParseHexColor("00ff00")
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{G: 255, A: 255}, c)

	for _, bad := range []string{"", "#fff", "#GG0000", "#1234567"} {
		_, err := ParseHexColor(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseMemoryLimit(t *testing.T) {
	tests := map[string]uint64{
		"":      0,
		"auto":  0,
		"512MB": 512 << 20,
		"2gb":   2 << 30,
		"100B":  100,
		"1.5KB": 1536,
	}
	for in, want := range tests {
		got, err := parseMemoryLimit(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseMemoryLimit("-1MB")
	require.Error(t, err)
}

func TestModelSpec(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelsDir = "/srv/models"
	cfg.GPU.Enabled = true
	cfg.GPU.MemoryLimit = "1GB"

	spec := cfg.ModelSpec(models.TypeDetection)
	assert.Equal(t, inference.BackendONNX, spec.Backend)
	assert.Equal(t, "/srv/models/detection/small/best.onnx", spec.Path)
	assert.True(t, spec.Session.GPU.UseGPU)
	assert.Equal(t, uint64(1<<30), spec.Session.GPU.GPUMemLimit)

	cfg.Segmentation.Backend = inference.BackendRemote
	cfg.Segmentation.URL = "http://infer:9000"
	cfg.Segmentation.Model = "seg-medium"
	spec = cfg.ModelSpec(models.TypeSegmentation)
	assert.Equal(t, "http://infer:9000", spec.URL)
	assert.Equal(t, "seg-medium", spec.Model)
	assert.Empty(t, spec.Path)
	require.NoError(t, spec.Validate())
}

func TestToPipelineConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Severity.Pad = 4
	cfg.Severity.MultiLeaf = true
	cfg.Severity.Workers = 3
	cfg.Segmentation.Serialize = true
	cfg.Classes.Names = []string{"apple_leaf", "scab"}

	pc := cfg.ToPipelineConfig()
	assert.Equal(t, 4, pc.Pad)
	assert.Equal(t, severity.SelectAll, pc.Mode)
	assert.Equal(t, 3, pc.Parallel.MaxWorkers)
	assert.True(t, pc.SerializeSegmentation)
	assert.Equal(t, "scab", pc.Classes.Name(1))
	assert.Equal(t, "class_4", pc.Classes.Name(4))
	assert.Equal(t, "apple_leaf", pc.Boxes.Names[0])
}
