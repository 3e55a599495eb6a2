package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MeKo-Tech/leafscan/internal/inference"
	"github.com/MeKo-Tech/leafscan/internal/severity"
)

type fakeDetector struct {
	dets  severity.DetectionResult
	err   error
	calls atomic.Int32
}

func (f *fakeDetector) Detect(ctx context.Context, img image.Image, opts inference.Options) (severity.DetectionResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return append(severity.DetectionResult(nil), f.dets...), nil
}

func (f *fakeDetector) Close() error { return nil }

// fakeSegmenter answers by crop width so each box can get its own result.
type fakeSegmenter struct {
	byWidth map[int]severity.SegmentationResult
	errs    map[int]error
	delay   func(w int) time.Duration
	calls   atomic.Int32

	active, peak atomic.Int32
}

func (f *fakeSegmenter) Segment(ctx context.Context, img image.Image, opts inference.Options) (severity.SegmentationResult, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	w := img.Bounds().Dx()
	if f.delay != nil {
		time.Sleep(f.delay(w))
	}
	if err := f.errs[w]; err != nil {
		return nil, err
	}
	return f.byWidth[w], nil
}

func (f *fakeSegmenter) Close() error { return nil }

type memStore struct {
	mu    sync.Mutex
	saved map[string]image.Image
	fail  map[string]bool
}

func newMemStore() *memStore {
	return &memStore{saved: map[string]image.Image{}, fail: map[string]bool{}}
}

func (m *memStore) Save(name string, img image.Image) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[name] {
		return "", errors.New("disk full")
	}
	m.saved[name] = img
	return name, nil
}

func (m *memStore) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.saved))
	for n := range m.saved {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func testImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, color.NRGBA{R: 40, G: 160, B: 40, A: 255})
		}
	}
	return img
}

// leafWithLesion builds a w x h leaf mask with a lesion covering the top
// `lesionRows` rows, both at crop resolution.
func leafWithLesion(w, h, lesionRows int) severity.SegmentationResult {
	return severity.SegmentationResult{
		{ClassID: 0, Score: 0.9, Mask: severity.MaskFromRect(w, h, image.Rect(0, 0, w, h))},
		{ClassID: 1, Score: 0.8, Mask: severity.MaskFromRect(w, h, image.Rect(0, 0, w, lesionRows))},
	}
}
