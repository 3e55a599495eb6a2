package inference

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/MeKo-Tech/leafscan/internal/mempool"
	"github.com/MeKo-Tech/leafscan/internal/onnx"
	"github.com/MeKo-Tech/leafscan/internal/severity"
)

// ONNXDetector runs a YOLO-style detection export.
type ONNXDetector struct {
	session *onnx.Session
}

// NewONNXDetector loads a detection model.
func NewONNXDetector(modelPath string, cfg onnx.SessionConfig) (*ONNXDetector, error) {
	s, err := onnx.NewSession(modelPath, cfg)
	if err != nil {
		return nil, err
	}
	return &ONNXDetector{session: s}, nil
}

// Detect implements Detector.
func (d *ONNXDetector) Detect(ctx context.Context, img image.Image, opts Options) (severity.DetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	outputs, lb, err := runLetterboxed(d.session, img, opts.InputSize)
	if err != nil {
		return nil, failure("detect", err)
	}
	pred, err := newYOLOOutput(outputs[0])
	if err != nil {
		return nil, failure("detect", err)
	}
	cands, err := decodeCandidates(pred, 0, opts.Confidence)
	if err != nil {
		return nil, failure("detect", err)
	}
	return lb.boxes(nms(cands, opts.IoUThreshold)), nil
}

// Close releases the session.
func (d *ONNXDetector) Close() error { return d.session.Close() }

// ONNXSegmenter runs a YOLO-style instance segmentation export with a
// prediction output and a prototype mask output.
type ONNXSegmenter struct {
	session *onnx.Session
}

// NewONNXSegmenter loads a segmentation model.
func NewONNXSegmenter(modelPath string, cfg onnx.SessionConfig) (*ONNXSegmenter, error) {
	s, err := onnx.NewSession(modelPath, cfg)
	if err != nil {
		return nil, err
	}
	return &ONNXSegmenter{session: s}, nil
}

// Segment implements Segmenter.
func (s *ONNXSegmenter) Segment(ctx context.Context, img image.Image, opts Options) (severity.SegmentationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	outputs, lb, err := runLetterboxed(s.session, img, opts.InputSize)
	if err != nil {
		return nil, failure("segment", err)
	}
	result, err := decodeSegmentation(outputs, lb, opts)
	if err != nil {
		return nil, failure("segment", err)
	}
	return result, nil
}

// Close releases the session.
func (s *ONNXSegmenter) Close() error { return s.session.Close() }

// decodeSegmentation pairs the prediction tensor with the prototype tensor.
func decodeSegmentation(outputs []onnx.Tensor, lb letterbox, opts Options) (severity.SegmentationResult, error) {
	var predT, protoT *onnx.Tensor
	for i := range outputs {
		switch len(outputs[i].Shape) {
		case 3:
			predT = &outputs[i]
		case 4:
			protoT = &outputs[i]
		}
	}
	if predT == nil || protoT == nil {
		return nil, errors.New("segmentation model must output predictions and prototypes")
	}

	pred, err := newYOLOOutput(*predT)
	if err != nil {
		return nil, err
	}
	cands, err := decodeCandidates(pred, int(protoT.Shape[1]), opts.Confidence)
	if err != nil {
		return nil, err
	}

	kept := nms(cands, opts.IoUThreshold)
	result := make(severity.SegmentationResult, 0, len(kept))
	for _, c := range kept {
		m, err := decodeMask(c, *protoT, lb, opts.MaskThreshold)
		if err != nil {
			return nil, err
		}
		result = append(result, severity.InstanceMask{ClassID: c.class, Score: c.score, Mask: m})
	}
	return result, nil
}

// runLetterboxed letterboxes img to the model input size and runs it.
func runLetterboxed(s *onnx.Session, img image.Image, size int) ([]onnx.Tensor, letterbox, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, letterbox{}, fmt.Errorf("empty image %dx%d", b.Dx(), b.Dy())
	}
	if shape := s.InputShape(); len(shape) == 4 && shape[2] > 0 {
		size = int(shape[2])
	}

	lb := newLetterbox(b.Dx(), b.Dy(), size)
	buf := lb.tensor(img)
	defer mempool.PutFloat32(buf)

	in, err := onnx.NewImageTensor(buf, 3, size, size)
	if err != nil {
		return nil, lb, err
	}
	start := time.Now()
	outputs, err := s.Run(in)
	if err != nil {
		return nil, lb, err
	}
	slog.Debug("onnx inference finished", "model", s.ModelPath(), "input", size,
		"duration_ms", time.Since(start).Milliseconds())
	if len(outputs) == 0 {
		return nil, lb, errors.New("model produced no outputs")
	}
	return outputs, lb, nil
}
