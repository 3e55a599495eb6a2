// Package inference provides the detection and segmentation collaborators
// consumed by the severity pipeline: local ONNX models, a remote HTTP
// inference service and a process-wide model cache.
package inference

import (
	"context"
	"fmt"
	"image"

	"github.com/MeKo-Tech/leafscan/internal/severity"
)

const (
	// DefaultConfidence is the minimum score for a box or instance.
	DefaultConfidence = 0.25
	// DefaultInputSize is the square model input edge in pixels.
	DefaultInputSize = 640
	// DefaultMaskThreshold binarises mask probabilities.
	DefaultMaskThreshold = 0.5
	// DefaultIoUThreshold is the per-class NMS overlap limit.
	DefaultIoUThreshold = 0.7
)

// Options are the caller-supplied knobs of one inference call.
type Options struct {
	Confidence    float64
	InputSize     int
	MaskThreshold float64
	IoUThreshold  float64
}

// DefaultOptions returns conf 0.25, 640 px input, mask threshold 0.5.
func DefaultOptions() Options {
	return Options{
		Confidence:    DefaultConfidence,
		InputSize:     DefaultInputSize,
		MaskThreshold: DefaultMaskThreshold,
		IoUThreshold:  DefaultIoUThreshold,
	}
}

// withDefaults fills zero fields.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Confidence <= 0 {
		o.Confidence = d.Confidence
	}
	if o.InputSize <= 0 {
		o.InputSize = d.InputSize
	}
	if o.MaskThreshold <= 0 {
		o.MaskThreshold = d.MaskThreshold
	}
	if o.IoUThreshold <= 0 {
		o.IoUThreshold = d.IoUThreshold
	}
	return o
}

// Detector finds leaf bounding boxes in a whole image.
type Detector interface {
	Detect(ctx context.Context, img image.Image, opts Options) (severity.DetectionResult, error)
	Close() error
}

// Segmenter finds leaf and lesion instances in a crop.
type Segmenter interface {
	Segment(ctx context.Context, img image.Image, opts Options) (severity.SegmentationResult, error)
	Close() error
}

// failure wraps a backend error so callers can match ErrInferenceFailure.
func failure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", severity.ErrInferenceFailure, op, err)
}
