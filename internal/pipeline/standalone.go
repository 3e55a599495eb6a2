package pipeline

import (
	"context"
	"errors"
	"image"
	"log/slog"

	"github.com/MeKo-Tech/leafscan/internal/severity"
	"github.com/MeKo-Tech/leafscan/internal/store"
)

// DetectionReport is the result of a detection-only run.
type DetectionReport struct {
	Filename      string                   `json:"filename"`
	Width         int                      `json:"width"`
	Height        int                      `json:"height"`
	Detections    severity.DetectionResult `json:"detections"`
	AnnotatedName string                   `json:"filename_annotated,omitempty"`
	Annotated     image.Image              `json:"-"`
}

// SegmentationInstance is one instance summary of a segmentation-only run.
type SegmentationInstance struct {
	ClassID   int     `json:"class_id"`
	ClassName string  `json:"class_name"`
	Score     float64 `json:"score"`
	Pixels    int     `json:"pixels"`
}

// SegmentationReport is the result of a segmentation-only run.
type SegmentationReport struct {
	Filename      string                 `json:"filename"`
	Width         int                    `json:"width"`
	Height        int                    `json:"height"`
	Instances     []SegmentationInstance `json:"instances"`
	AnnotatedName string                 `json:"filename_annotated,omitempty"`
	Annotated     image.Image            `json:"-"`
}

// DetectOnly runs the detector on the whole image and writes annotated_<file>.
// An empty detection set is a valid result here.
func (e *Estimator) DetectOnly(ctx context.Context, img image.Image, filename string) (*DetectionReport, error) {
	dets, err := e.detect(ctx, img)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	rep := &DetectionReport{
		Filename:   filename,
		Width:      b.Dx(),
		Height:     b.Dy(),
		Detections: dets,
		Annotated:  RenderDetections(img, dets, e.cfg.Boxes),
	}
	if rep.Detections == nil {
		rep.Detections = severity.DetectionResult{}
	}
	rep.AnnotatedName = e.save(store.AnnotatedName(filename), rep.Annotated)
	slog.Info("detection finished", "filename", filename, "detections", len(dets))
	return rep, nil
}

// SegmentOnly segments the whole image and writes seg_annotated_<file>.
func (e *Estimator) SegmentOnly(ctx context.Context, img image.Image, filename string) (*SegmentationReport, error) {
	if e.segmenter == nil {
		return nil, errors.New("pipeline needs a segmenter for segmentation")
	}
	seg, err := e.segmenter.Segment(ctx, img, e.cfg.Segmentation)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	annotated, err := RenderInstances(img, seg, e.cfg.Boxes)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	rep := &SegmentationReport{
		Filename:  filename,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Instances: make([]SegmentationInstance, 0, len(seg)),
		Annotated: annotated,
	}
	for _, inst := range seg {
		rep.Instances = append(rep.Instances, SegmentationInstance{
			ClassID:   inst.ClassID,
			ClassName: e.cfg.Classes.Name(inst.ClassID),
			Score:     inst.Score,
			Pixels:    inst.Mask.Count(),
		})
	}
	rep.AnnotatedName = e.save(store.SegmentationOverlayName(filename), annotated)
	slog.Info("segmentation finished", "filename", filename, "instances", len(seg))
	return rep, nil
}
