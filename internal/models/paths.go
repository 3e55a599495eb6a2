package models

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Model type directories under the models root.
const (
	TypeDetection    = "detection"
	TypeSegmentation = "segmentation"
)

// Default model files, relative to their type directory.
const (
	DefaultDetectionModel    = "small/best.onnx"
	DefaultSegmentationModel = "small/best.onnx"
)

// DefaultModelsDir is the models directory relative to the project root.
const DefaultModelsDir = "models"

// EnvModelsDir overrides the models directory.
const EnvModelsDir = "LEAFSCAN_MODELS_DIR"

// ModelExtension is the file extension of loadable models.
const ModelExtension = ".onnx"

// genericDirs are directory names that say nothing about the model.
var genericDirs = map[string]bool{
	"weights": true, "models": true, "detection": true, "segmentation": true, ".": true,
}

// findProjectRoot finds the project root by looking for go.mod.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", errors.New("could not find project root (go.mod not found)")
}

// ModelInfo describes one discovered model file.
type ModelInfo struct {
	Type  string `json:"type"`
	Label string `json:"label"`
	Path  string `json:"path"`
	// Name is the path relative to the type directory, usable as a model id.
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

// GetModelsDir returns the models directory.
// Priority: 1. explicit modelsDir, 2. environment variable, 3. project root + default.
func GetModelsDir(modelsDir string) string {
	if modelsDir != "" {
		return modelsDir
	}
	if envDir := os.Getenv(EnvModelsDir); envDir != "" {
		return envDir
	}
	if projectRoot, err := findProjectRoot(); err == nil {
		return filepath.Join(projectRoot, DefaultModelsDir)
	}
	return DefaultModelsDir
}

// ResolveModelPath turns a model reference into a file path. Absolute paths
// and paths to existing files are returned as is; anything else is taken
// relative to <modelsDir>/<modelType>.
func ResolveModelPath(modelsDir, modelType, name string) string {
	if name == "" {
		name = defaultModel(modelType)
	}
	if filepath.IsAbs(name) {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}
	return filepath.Join(GetModelsDir(modelsDir), modelType, name)
}

func defaultModel(modelType string) string {
	if modelType == TypeSegmentation {
		return DefaultSegmentationModel
	}
	return DefaultDetectionModel
}

// ValidateModelExists checks that a model file exists and is not a directory.
func ValidateModelExists(modelPath string) error {
	info, err := os.Stat(modelPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("model file not found: %s", modelPath)
		}
		return fmt.Errorf("cannot access model file %s: %w", modelPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("model path is a directory: %s", modelPath)
	}
	return nil
}

// Label derives a display name: the nearest directory below the type
// directory that is not generic, else the file stem.
func Label(path string) string {
	dir := filepath.Dir(path)
	for dir != "" && dir != "." && dir != string(filepath.Separator) {
		base := filepath.Base(dir)
		if !genericDirs[strings.ToLower(base)] {
			return base
		}
		if base == TypeDetection || base == TypeSegmentation {
			break
		}
		dir = filepath.Dir(dir)
	}
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// ListModels walks <modelsDir>/<modelType> for model files, sorted by path.
// A missing type directory yields an empty list.
func ListModels(modelsDir, modelType string) ([]ModelInfo, error) {
	root := filepath.Join(GetModelsDir(modelsDir), modelType)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return []ModelInfo{}, nil
	}

	out := []ModelInfo{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ModelExtension) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, ModelInfo{
			Type:      modelType,
			Label:     Label(path),
			Path:      path,
			Name:      filepath.ToSlash(rel),
			SizeBytes: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s models: %w", modelType, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ListAvailableModels lists detection and segmentation models.
func ListAvailableModels(modelsDir string) (map[string][]ModelInfo, error) {
	res := make(map[string][]ModelInfo, 2)
	for _, t := range []string{TypeDetection, TypeSegmentation} {
		list, err := ListModels(modelsDir, t)
		if err != nil {
			return nil, err
		}
		res[t] = list
	}
	return res, nil
}
