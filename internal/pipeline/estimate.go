package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MeKo-Tech/leafscan/internal/severity"
	"github.com/MeKo-Tech/leafscan/internal/store"
)

// Timing records stage durations in milliseconds.
type Timing struct {
	DetectionMs int64 `json:"detection_ms"`
	CropsMs     int64 `json:"crops_ms"`
	TotalMs     int64 `json:"total_ms"`
}

// Report is the aggregate result for one image.
type Report struct {
	Filename             string                    `json:"filename"`
	Width                int                       `json:"width"`
	Height               int                       `json:"height"`
	Detections           severity.DetectionResult  `json:"detections"`
	Selected             []int                     `json:"selected"`
	Records              []severity.SeverityRecord `json:"results"`
	Skipped              []severity.Skipped        `json:"skipped,omitempty"`
	DetectionOverlayName string                    `json:"det_filename,omitempty"`
	DetectionOverlay     image.Image               `json:"-"`
	Timing               Timing                    `json:"timing"`
}

// Estimate runs the full pipeline on img. filename names the stored
// artifacts. Detection failures and empty detections abort before any crop
// is touched or any file is written; per-crop failures become skips.
func (e *Estimator) Estimate(ctx context.Context, img image.Image, filename string) (*Report, error) {
	return e.estimate(ctx, img, filename, nil)
}

// EstimateStream is Estimate with a callback per finished crop, invoked in
// completion order from worker goroutines.
func (e *Estimator) EstimateStream(ctx context.Context, img image.Image, filename string,
	onCrop func(severity.CropOutcome),
) (*Report, error) {
	return e.estimate(ctx, img, filename, onCrop)
}

func (e *Estimator) estimate(ctx context.Context, img image.Image, filename string,
	onCrop func(severity.CropOutcome),
) (*Report, error) {
	if e.detector == nil || e.segmenter == nil {
		return nil, errors.New("severity estimation needs a detector and a segmenter")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	dets, err := e.detect(ctx, img)
	if err != nil {
		return nil, err
	}
	detDur := time.Since(start)
	observeStage("detection", detDur)

	selected, err := severity.SelectBoxes(dets, e.cfg.Mode)
	if err != nil {
		slog.Info("severity estimation aborted", "filename", filename, "error", err)
		return nil, err
	}
	slog.Debug("boxes selected", "filename", filename, "detections", len(dets),
		"selected", len(selected), "mode", e.cfg.Mode)

	b := img.Bounds()
	report := &Report{
		Filename:   filename,
		Width:      b.Dx(),
		Height:     b.Dy(),
		Detections: dets,
		Selected:   selected,
		Records:    []severity.SeverityRecord{},
	}

	report.DetectionOverlay = RenderDetections(img, dets, e.cfg.Boxes)
	report.DetectionOverlayName = e.save(store.DetectionOverlayName(filename), report.DetectionOverlay)

	cropStart := time.Now()
	outcomes := e.analyzeCrops(ctx, img, dets, selected, filename, onCrop)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cropDur := time.Since(cropStart)
	observeStage("crops", cropDur)

	for _, o := range outcomes {
		if o.IsRecord() {
			report.Records = append(report.Records, *o.Record)
			cropsTotal.WithLabelValues("record").Inc()
			severityPercent.Observe(o.Record.SeverityPercent)
			continue
		}
		report.Skipped = append(report.Skipped, *o.Skip)
		cropsTotal.WithLabelValues(string(o.Skip.Reason)).Inc()
	}

	report.Timing = Timing{
		DetectionMs: detDur.Milliseconds(),
		CropsMs:     cropDur.Milliseconds(),
		TotalMs:     time.Since(start).Milliseconds(),
	}
	slog.Info("severity estimated", "filename", filename, "records", len(report.Records),
		"skipped", len(report.Skipped), "duration_ms", report.Timing.TotalMs)
	return report, nil
}

// detect runs the detector and normalises its errors.
func (e *Estimator) detect(ctx context.Context, img image.Image) (severity.DetectionResult, error) {
	if e.detector == nil {
		return nil, errors.New("pipeline has no detector")
	}
	dets, err := e.detector.Detect(ctx, img, e.cfg.Detection)
	if err == nil {
		return dets, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if !errors.Is(err, severity.ErrInferenceFailure) {
		err = fmt.Errorf("%w: %w", severity.ErrInferenceFailure, err)
	}
	return nil, fmt.Errorf("detection: %w", err)
}

// save writes an artifact when a store is configured. Failures are logged
// and yield an empty name.
func (e *Estimator) save(name string, img image.Image) string {
	if e.store == nil {
		return ""
	}
	saved, err := e.store.Save(name, img)
	if err != nil {
		slog.Warn("failed to store artifact", "name", name, "error", err)
		return ""
	}
	return saved
}

// analyzeCrops fans selected boxes out to a bounded worker pool. Each
// worker writes only its own slot, so outcomes stay in box order.
func (e *Estimator) analyzeCrops(ctx context.Context, img image.Image, dets severity.DetectionResult,
	selected []int, filename string, onCrop func(severity.CropOutcome),
) []severity.CropOutcome {
	outcomes := make([]severity.CropOutcome, len(selected))
	progress := e.cfg.Parallel.ProgressCallback
	if progress == nil {
		progress = NoOpProgressCallback{}
	}
	progress.OnStart(len(selected))
	defer progress.OnComplete()

	var done atomic.Int32
	run := func(slot int) {
		o := e.analyzeCrop(ctx, img, dets, selected[slot], filename)
		outcomes[slot] = o
		if o.Skip != nil {
			progress.OnError(o.BoxIndex, o.Skip.Err)
		}
		if onCrop != nil {
			onCrop(o)
		}
		progress.OnProgress(int(done.Add(1)), len(selected))
	}

	workers := min(max(1, e.cfg.Parallel.MaxWorkers), len(selected))
	if workers <= 1 {
		for slot := range selected {
			if ctx.Err() != nil {
				break
			}
			run(slot)
		}
		return outcomes
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for slot := range jobs {
				run(slot)
			}
		}()
	}

dispatch:
	for slot := range selected {
		select {
		case jobs <- slot:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()
	return outcomes
}

// analyzeCrop is crop, segment, combine, severity and overlay for one box.
func (e *Estimator) analyzeCrop(ctx context.Context, img image.Image, dets severity.DetectionResult,
	idx int, filename string,
) severity.CropOutcome {
	region, crop := severity.PadCrop(img, dets[idx], e.cfg.Pad)
	if crop == nil {
		return e.skip(idx, fmt.Errorf("%w: empty crop %v", severity.ErrResamplingMismatch, region.Padded))
	}

	segStart := time.Now()
	seg, err := e.segmenter.Segment(ctx, crop, e.cfg.Segmentation)
	observeStage("segmentation", time.Since(segStart))
	if err != nil {
		if !errors.Is(err, severity.ErrInferenceFailure) {
			err = fmt.Errorf("%w: %w", severity.ErrInferenceFailure, err)
		}
		return e.skip(idx, err)
	}

	sev, overlay, err := severity.Analyze(crop, seg, e.cfg.Classes, e.cfg.Overlay)
	if err != nil {
		return e.skip(idx, err)
	}

	rec := severity.SeverityRecord{
		BoxIndex:        idx,
		Region:          region,
		LeafPixels:      sev.LeafPixels,
		LesionPixels:    sev.LesionPixels,
		SeverityPercent: sev.Percent,
		Overlay:         overlay,
	}
	if e.store != nil {
		name, err := e.store.Save(store.CropOverlayName(idx, filename), overlay)
		if err != nil {
			return e.skip(idx, fmt.Errorf("%w: %w", severity.ErrStoreFailure, err))
		}
		rec.OverlayName = name
	}

	slog.Debug("crop analysed", "box_index", idx, "instances", len(seg),
		"leaf_px", rec.LeafPixels, "lesion_px", rec.LesionPixels, "severity", rec.SeverityPercent)
	return severity.Recorded(rec)
}

func (e *Estimator) skip(idx int, err error) severity.CropOutcome {
	o := severity.SkippedBy(idx, err)
	slog.Info("crop skipped", "box_index", idx, "reason", o.Skip.Reason, "error", err)
	return o
}
