package inference

import (
	"fmt"
	"time"

	"github.com/MeKo-Tech/leafscan/internal/onnx"
)

// Backend names accepted in configuration.
const (
	BackendONNX   = "onnx"
	BackendRemote = "remote"
)

// ModelSpec identifies one model and how to reach it.
type ModelSpec struct {
	Backend string
	Path    string
	URL     string
	Model   string
	Timeout time.Duration
	Session onnx.SessionConfig
}

// Validate checks that the backend has what it needs.
func (s ModelSpec) Validate() error {
	switch s.Backend {
	case BackendONNX, "":
		if s.Path == "" {
			return fmt.Errorf("onnx backend needs a model path")
		}
	case BackendRemote:
		if s.URL == "" {
			return fmt.Errorf("remote backend needs a URL")
		}
	default:
		return fmt.Errorf("unknown inference backend %q", s.Backend)
	}
	return nil
}

// Key is the cache identifier of the model for the given task.
func (s ModelSpec) Key(task string) string {
	if s.Backend == BackendRemote {
		return task + "|remote|" + s.URL + "#" + s.Model
	}
	return task + "|onnx|" + s.Path
}

// Loader resolves model specs through a shared Cache.
type Loader struct {
	cache *Cache
}

// NewLoader returns a loader backed by cache.
func NewLoader(cache *Cache) *Loader {
	return &Loader{cache: cache}
}

// Cache exposes the underlying cache.
func (l *Loader) Cache() *Cache { return l.cache }

// Detector returns the cached detector for spec, loading it on first use.
func (l *Loader) Detector(spec ModelSpec) (Detector, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return Get(l.cache, spec.Key("detect"), func() (Detector, error) {
		if spec.Backend == BackendRemote {
			return NewRemoteClient(RemoteConfig{BaseURL: spec.URL, Model: spec.Model, Timeout: spec.Timeout})
		}
		return NewONNXDetector(spec.Path, spec.Session)
	})
}

// Segmenter returns the cached segmenter for spec, loading it on first use.
func (l *Loader) Segmenter(spec ModelSpec) (Segmenter, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return Get(l.cache, spec.Key("segment"), func() (Segmenter, error) {
		if spec.Backend == BackendRemote {
			return NewRemoteClient(RemoteConfig{BaseURL: spec.URL, Model: spec.Model, Timeout: spec.Timeout})
		}
		return NewONNXSegmenter(spec.Path, spec.Session)
	})
}
