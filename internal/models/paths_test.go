package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeModel(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("onnx"), 0o644))
}

func TestGetModelsDir(t *testing.T) {
	t.Setenv(EnvModelsDir, "")
	assert.Equal(t, "/explicit", GetModelsDir("/explicit"))

	t.Setenv(EnvModelsDir, "/from/env")
	assert.Equal(t, "/explicit", GetModelsDir("/explicit"))
	assert.Equal(t, "/from/env", GetModelsDir(""))
}

func TestResolveModelPath(t *testing.T) {
	dir := t.TempDir()

	assert.Equal(t, filepath.Join(dir, TypeDetection, "small", "best.onnx"),
		ResolveModelPath(dir, TypeDetection, ""))
	assert.Equal(t, filepath.Join(dir, TypeSegmentation, "nano", "best.onnx"),
		ResolveModelPath(dir, TypeSegmentation, "nano/best.onnx"))
	assert.Equal(t, "/abs/model.onnx", ResolveModelPath(dir, TypeDetection, "/abs/model.onnx"))
}

func TestLabel(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"models/detection/nano/best.onnx", "nano"},
		{"models/segmentation/medium/weights/best.onnx", "medium"},
		{"models/detection/leafnet.onnx", "leafnet"},
		{"weights/leafnet.onnx", "leafnet"},
		{"best.onnx", "best"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.expected, Label(filepath.FromSlash(tt.path)))
		})
	}
}

func TestListModels(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, filepath.Join(dir, TypeDetection, "small", "best.onnx"))
	writeModel(t, filepath.Join(dir, TypeDetection, "nano", "best.onnx"))
	writeModel(t, filepath.Join(dir, TypeDetection, "nano", "notes.txt"))
	writeModel(t, filepath.Join(dir, TypeSegmentation, "medium", "weights", "best.onnx"))

	det, err := ListModels(dir, TypeDetection)
	require.NoError(t, err)
	require.Len(t, det, 2)
	assert.Equal(t, "nano", det[0].Label)
	assert.Equal(t, "nano/best.onnx", det[0].Name)
	assert.Equal(t, int64(4), det[0].SizeBytes)
	assert.Equal(t, "small", det[1].Label)

	all, err := ListAvailableModels(dir)
	require.NoError(t, err)
	require.Len(t, all[TypeSegmentation], 1)
	assert.Equal(t, "medium", all[TypeSegmentation][0].Label)

	empty, err := ListModels(t.TempDir(), TypeDetection)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestValidateModelExists(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "m.onnx")
	writeModel(t, p)

	require.NoError(t, ValidateModelExists(p))
	require.Error(t, ValidateModelExists(dir))
	require.Error(t, ValidateModelExists(filepath.Join(dir, "missing.onnx")))
}
