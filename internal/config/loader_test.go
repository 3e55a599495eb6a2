package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leafscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadWithNoConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := NewLoaderWithViper(viper.New()).Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.Severity.Pad)
	assert.Equal(t, []int{0, 2, 3}, cfg.Classes.LeafIDs)
	assert.Equal(t, []PairConfig{{0, 1}, {3, 4}}, cfg.Classes.Pairing)
}

func TestLoadWithFile(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
models_dir: /custom/models
severity:
  pad: 6
  multi_leaf: true
classes:
  leaf_ids: [0, 5]
  pairing:
    - leaf: 5
      lesion: 6
  names: [leaf, lesion, other, other, other, grape_leaf, blight]
segmentation:
  backend: remote
  url: http://localhost:9000
  model: seg-v3
overlay:
  lesion_color: "#FF0000"
`)
	loader := NewLoaderWithViper(viper.New())
	cfg, err := loader.LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, loader.GetConfigFileUsed())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 6, cfg.Severity.Pad)
	assert.True(t, cfg.Severity.MultiLeaf)

	classes, err := cfg.ClassConfig()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 5}, classes.LeafClasses.IDs())
	assert.Equal(t, 6, classes.Pairing[5])
	assert.Equal(t, "blight", classes.Name(6))

	assert.Equal(t, "remote", cfg.Segmentation.Backend)
	assert.InDelta(t, 0.25, cfg.Segmentation.Confidence, 1e-9, "defaults fill unset keys")
	assert.Equal(t, "#00FF00", cfg.Overlay.LeafTint)
}

func TestLoadWithFile_Errors(t *testing.T) {
	_, err := NewLoaderWithViper(viper.New()).LoadWithFile("/does/not/exist.yaml")
	require.Error(t, err)

	path := writeConfig(t, "severity:\n  pad: -3\n")
	_, err = NewLoaderWithViper(viper.New()).LoadWithFile(path)
	require.ErrorContains(t, err, "pad")

	cfg, err := NewLoaderWithViper(viper.New()).LoadWithFileWithoutValidation(path)
	require.NoError(t, err)
	assert.Equal(t, -3, cfg.Severity.Pad)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("LEAFSCAN_SEVERITY_PAD", "25")
	t.Setenv("LEAFSCAN_DETECTION_CONFIDENCE", "0.4")
	t.Setenv("LEAFSCAN_SERVER_PORT", "9090")

	cfg, err := NewLoaderWithViper(viper.New()).Load()
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Severity.Pad)
	assert.InDelta(t, 0.4, cfg.Detection.Confidence, 1e-9)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestToYAMLRoundTrip(t *testing.T) {
	d := DefaultConfig()
	out, err := ToYAML(&d)
	require.NoError(t, err)
	assert.Contains(t, out, "leaf_ids:")
	assert.Contains(t, out, "8B0000")

	var back Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &back))
	assert.Equal(t, d.Classes.LeafIDs, back.Classes.LeafIDs)
	assert.Equal(t, d.Classes.Pairing, back.Classes.Pairing)
	assert.Equal(t, d.Severity, back.Severity)
	assert.Equal(t, d.Overlay, back.Overlay)
}

func TestGenerateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, GenerateDefaultConfigFile(path))

	cfg, err := NewLoaderWithViper(viper.New()).LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Classes.Pairing, cfg.Classes.Pairing)
	assert.Equal(t, DefaultConfig().Overlay, cfg.Overlay)
}

func TestGetConfigSearchPaths(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	paths := GetConfigSearchPaths()
	assert.Equal(t, ".", paths[0])
	assert.Contains(t, paths, "/xdg/leafscan")
	assert.Equal(t, "/etc/leafscan", paths[len(paths)-1])
}
