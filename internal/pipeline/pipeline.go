// Package pipeline orchestrates severity estimation for one image: detect,
// select boxes, then crop, segment and analyse every selected box.
package pipeline

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/MeKo-Tech/leafscan/internal/inference"
	"github.com/MeKo-Tech/leafscan/internal/severity"
	"github.com/MeKo-Tech/leafscan/internal/store"
)

// Config holds everything an Estimator needs besides its collaborators.
type Config struct {
	Classes      severity.ClassConfig
	Pad          int
	Mode         severity.SelectionMode
	Detection    inference.Options
	Segmentation inference.Options
	Overlay      severity.OverlayStyle
	Boxes        DetectionStyle
	Parallel     ParallelConfig
	// SerializeSegmentation guards backends that cannot run concurrently.
	SerializeSegmentation bool
}

// ParallelConfig controls the per-box worker pool.
type ParallelConfig struct {
	MaxWorkers       int // 0 = runtime.NumCPU()
	ProgressCallback ProgressCallback
}

// DefaultConfig returns single-largest selection with a 10 px pad.
func DefaultConfig() Config {
	return Config{
		Classes:      severity.DefaultClassConfig(),
		Pad:          severity.DefaultPad,
		Mode:         severity.SelectLargest,
		Detection:    inference.DefaultOptions(),
		Segmentation: inference.DefaultOptions(),
		Overlay:      severity.DefaultOverlayStyle(),
		Boxes:        DefaultDetectionStyle(),
		Parallel:     ParallelConfig{MaxWorkers: runtime.NumCPU()},
	}
}

// Estimator runs the severity pipeline. It is safe for concurrent use as
// long as its collaborators are.
type Estimator struct {
	cfg       Config
	detector  inference.Detector
	segmenter inference.Segmenter
	store     store.Store
}

// Builder constructs an Estimator with fluent configuration.
type Builder struct {
	cfg       Config
	detector  inference.Detector
	segmenter inference.Segmenter
	store     store.Store
}

// NewBuilder starts from DefaultConfig.
func NewBuilder() *Builder { return &Builder{cfg: DefaultConfig()} }

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.cfg = cfg
	return b
}

// WithDetector sets the whole-image detector.
func (b *Builder) WithDetector(d inference.Detector) *Builder {
	b.detector = d
	return b
}

// WithSegmenter sets the per-crop segmenter.
func (b *Builder) WithSegmenter(s inference.Segmenter) *Builder {
	b.segmenter = s
	return b
}

// WithStore persists overlays; without one nothing is written.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

// WithClasses sets the leaf set and pairing table.
func (b *Builder) WithClasses(c severity.ClassConfig) *Builder {
	b.cfg.Classes = c
	return b
}

// WithPad sets the crop margin. Negative values are ignored.
func (b *Builder) WithPad(pad int) *Builder {
	if pad >= 0 {
		b.cfg.Pad = pad
	}
	return b
}

// WithMultiLeaf switches between all boxes and the single largest one.
func (b *Builder) WithMultiLeaf(multi bool) *Builder {
	b.cfg.Mode = severity.ModeFor(multi)
	return b
}

// WithWorkers bounds per-box parallelism.
func (b *Builder) WithWorkers(n int) *Builder {
	b.cfg.Parallel.MaxWorkers = n
	return b
}

// WithProgress reports per-box progress.
func (b *Builder) WithProgress(cb ProgressCallback) *Builder {
	b.cfg.Parallel.ProgressCallback = cb
	return b
}

// Config returns the configuration built so far.
func (b *Builder) Config() Config { return b.cfg }

// Build validates and returns the Estimator.
func (b *Builder) Build() (*Estimator, error) {
	if b.detector == nil && b.segmenter == nil {
		return nil, errors.New("pipeline needs a detector or a segmenter")
	}
	if err := b.cfg.Classes.Validate(); err != nil {
		return nil, fmt.Errorf("invalid class config: %w", err)
	}
	if _, err := severity.ParseSelectionMode(string(b.cfg.Mode)); err != nil {
		return nil, err
	}

	seg := b.segmenter
	if seg != nil && b.cfg.SerializeSegmentation {
		seg = inference.Serialized(seg)
	}
	if b.cfg.Parallel.MaxWorkers <= 0 {
		b.cfg.Parallel.MaxWorkers = runtime.NumCPU()
	}
	return &Estimator{cfg: b.cfg, detector: b.detector, segmenter: seg, store: b.store}, nil
}

// Config returns the estimator configuration.
func (e *Estimator) Config() Config { return e.cfg }
