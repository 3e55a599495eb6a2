// Package onnx wraps the ONNX Runtime shared library: locating and
// initialising it once per process and running float32 sessions.
package onnx

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// EnvLibraryPath overrides the shared library lookup.
const EnvLibraryPath = "LEAFSCAN_ONNXRUNTIME_LIB"

var initMu sync.Mutex

// libraryName returns the runtime library filename for this OS.
func libraryName() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return "libonnxruntime.so", nil
	case "darwin":
		return "libonnxruntime.dylib", nil
	case "windows":
		return "onnxruntime.dll", nil
	default:
		return "", fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
}

// LibrarySearchPaths lists candidate library locations in lookup order.
func LibrarySearchPaths(explicit string, useGPU bool) []string {
	var paths []string
	if explicit != "" {
		paths = append(paths, explicit)
	}
	if env := os.Getenv(EnvLibraryPath); env != "" {
		paths = append(paths, env)
	}
	name, err := libraryName()
	if err != nil {
		return paths
	}
	if useGPU {
		paths = append(paths, filepath.Join("/opt/onnxruntime/gpu/lib", name))
	}
	paths = append(paths,
		filepath.Join("/usr/local/lib", name),
		filepath.Join("/usr/lib", name),
		filepath.Join("/opt/onnxruntime/cpu/lib", name),
	)
	if cwd, err := os.Getwd(); err == nil {
		if useGPU {
			paths = append(paths, filepath.Join(cwd, "onnxruntime", "gpu", "lib", name))
		}
		paths = append(paths, filepath.Join(cwd, "onnxruntime", "lib", name))
	}
	return paths
}

// ResolveLibraryPath returns the first existing library path.
func ResolveLibraryPath(explicit string, useGPU bool) (string, error) {
	paths := LibrarySearchPaths(explicit, useGPU)
	for _, p := range paths {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("ONNX Runtime library not found (searched %d locations)", len(paths))
}

// Init loads the shared library and initialises the runtime environment.
// Later calls are no-ops once the environment is up.
func Init(libraryPath string, useGPU bool) error {
	initMu.Lock()
	defer initMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	path, err := ResolveLibraryPath(libraryPath, useGPU)
	if err != nil {
		return err
	}
	ort.SetSharedLibraryPath(path)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
	}
	slog.Debug("ONNX Runtime initialized", "library", path, "version", ort.GetVersion())
	return nil
}

// SessionConfig configures a single model session.
type SessionConfig struct {
	LibraryPath string
	NumThreads  int
	GPU         GPUConfig
}

// Session is a loaded model with one image input and any number of outputs.
type Session struct {
	mu          sync.RWMutex
	session     *ort.DynamicAdvancedSession
	modelPath   string
	inputName   string
	inputShape  []int64
	outputNames []string
}

// NewSession loads modelPath.
func NewSession(modelPath string, cfg SessionConfig) (*Session, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %w", err)
	}
	if err := ValidateGPUConfig(cfg.GPU); err != nil {
		return nil, err
	}
	if err := Init(cfg.LibraryPath, cfg.GPU.UseGPU); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model io info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) == 0 {
		return nil, fmt.Errorf("unexpected model io: %d inputs, %d outputs", len(inputs), len(outputs))
	}
	outputNames := make([]string, len(outputs))
	for i, o := range outputs {
		outputNames[i] = o.Name
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer func() {
		if err := opts.Destroy(); err != nil {
			slog.Warn("failed to destroy session options", "error", err)
		}
	}()

	if err := configureGPU(opts, cfg.GPU); err != nil {
		return nil, fmt.Errorf("failed to configure GPU: %w", err)
	}
	if cfg.NumThreads > 0 {
		if err := opts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			return nil, fmt.Errorf("failed to set thread count: %w", err)
		}
	}

	s, err := ort.NewDynamicAdvancedSession(modelPath, []string{inputs[0].Name}, outputNames, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Session{
		session:     s,
		modelPath:   modelPath,
		inputName:   inputs[0].Name,
		inputShape:  []int64(inputs[0].Dimensions),
		outputNames: outputNames,
	}, nil
}

// InputShape returns the declared input shape; dynamic axes are negative.
func (s *Session) InputShape() []int64 { return s.inputShape }

// ModelPath returns the file the session was loaded from.
func (s *Session) ModelPath() string { return s.modelPath }

// Run feeds one input tensor and copies out every output tensor.
func (s *Session) Run(in Tensor) ([]Tensor, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("invalid input tensor: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil, errors.New("session is closed")
	}

	input, err := ort.NewTensor(ort.NewShape(in.Shape...), in.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer func() { _ = input.Destroy() }()

	outputs := make([]ort.Value, len(s.outputNames))
	if err := s.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("failed to run inference: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				_ = o.Destroy()
			}
		}
	}()

	result := make([]Tensor, len(outputs))
	for i, o := range outputs {
		t, ok := o.(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("output %s is not a float32 tensor", s.outputNames[i])
		}
		data := make([]float32, len(t.GetData()))
		copy(data, t.GetData())
		result[i] = Tensor{Data: data, Shape: append([]int64(nil), t.GetShape()...)}
	}
	return result, nil
}

// Close releases the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}

// RuntimeInfo describes the loaded runtime for smoke checks.
type RuntimeInfo struct {
	LibraryPath string
	Version     string
}

// Check initialises the runtime and reports which library answered.
func Check(libraryPath string, useGPU bool) (RuntimeInfo, error) {
	path, err := ResolveLibraryPath(libraryPath, useGPU)
	if err != nil {
		return RuntimeInfo{}, err
	}
	if err := Init(path, useGPU); err != nil {
		return RuntimeInfo{}, err
	}
	return RuntimeInfo{LibraryPath: path, Version: ort.GetVersion()}, nil
}
