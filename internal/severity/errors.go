package severity

import "errors"

var (
	// ErrNoDetections means the detector found nothing to analyse.
	ErrNoDetections = errors.New("no detection boxes found")
	// ErrNoLeafFound means a crop's segmentation has no leaf-class instance.
	ErrNoLeafFound = errors.New("no leaf found in crop")
	// ErrInferenceFailure wraps any error raised by an inference backend.
	ErrInferenceFailure = errors.New("inference failed")
	// ErrResamplingMismatch means a mask cannot be aligned to its crop.
	ErrResamplingMismatch = errors.New("mask cannot be resampled to crop")
	// ErrStoreFailure marks an overlay that was computed but not persisted.
	ErrStoreFailure = errors.New("overlay could not be stored")
)

// SkipReason tags why a crop produced no record.
type SkipReason string

const (
	SkipNoLeaf             SkipReason = "no_leaf"
	SkipInferenceFailure   SkipReason = "inference_failure"
	SkipResamplingMismatch SkipReason = "resampling_mismatch"
	SkipStoreFailure       SkipReason = "store_failure"
)

// ReasonFor classifies a per-crop error. Unknown errors count as
// inference failures since the segmenter is the only other source.
func ReasonFor(err error) SkipReason {
	switch {
	case errors.Is(err, ErrNoLeafFound):
		return SkipNoLeaf
	case errors.Is(err, ErrResamplingMismatch):
		return SkipResamplingMismatch
	case errors.Is(err, ErrStoreFailure):
		return SkipStoreFailure
	default:
		return SkipInferenceFailure
	}
}
