package inference

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MeKo-Tech/leafscan/internal/severity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, color.NRGBA{G: 200, A: 255})
		}
	}
	return img
}

func newInferenceServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	mux := http.NewServeMux()

	mux.HandleFunc("/detect", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "0.25", r.FormValue("conf"))
		assert.Equal(t, "640", r.FormValue("imgsz"))
		assert.Equal(t, "leaf-v2", r.FormValue("model"))
		_, _, err := r.FormFile("image")
		assert.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(RemoteDetectResponse{Detections: []RemoteBox{
			{X1: 10.7, Y1: 5, X2: 150, Y2: 60.9, ClassID: 0, Score: 0.91},
			{X1: 30, Y1: 30, X2: 30, Y2: 40, ClassID: 0, Score: 0.5},
		}})
	})

	mux.HandleFunc("/segment", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		leaf := severity.MaskFromRect(4, 4, image.Rect(0, 0, 4, 4))
		lesion := severity.MaskFromRect(4, 4, image.Rect(0, 0, 2, 1))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(RemoteSegmentResponse{Instances: []RemoteInstance{
			{ClassID: 0, Score: 0.9, Width: 4, Height: 4, RLE: EncodeRLE(leaf)},
			{ClassID: 1, Score: 0.6, Width: 4, Height: 4, RLE: EncodeRLE(lesion)},
		}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestRemoteClient_Detect(t *testing.T) {
	srv, calls := newInferenceServer(t)
	c, err := NewRemoteClient(RemoteConfig{BaseURL: srv.URL, Model: "leaf-v2"})
	require.NoError(t, err)

	dets, err := c.Detect(context.Background(), solidImage(100, 80), DefaultOptions())
	require.NoError(t, err)
	require.Len(t, dets, 1, "degenerate box is dropped")
	assert.Equal(t, severity.BoundingBox{X1: 10, Y1: 5, X2: 100, Y2: 60, ClassID: 0, Score: 0.91}, dets[0])
	assert.Equal(t, int32(1), calls.Load())
}

func TestRemoteClient_Segment(t *testing.T) {
	srv, _ := newInferenceServer(t)
	c, err := NewRemoteClient(RemoteConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	seg, err := c.Segment(context.Background(), solidImage(8, 8), DefaultOptions())
	require.NoError(t, err)
	require.Len(t, seg, 2)
	assert.Equal(t, 16, seg[0].Mask.Count())
	assert.Equal(t, 2, seg[1].Mask.Count())
	assert.Equal(t, 1, seg[1].ClassID)
}

func TestRemoteClient_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/segment" {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(RemoteSegmentResponse{Instances: []RemoteInstance{
				{ClassID: 0, Width: 2, Height: 2, RLE: []int{1, 1}},
			}})
			return
		}
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewRemoteClient(RemoteConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Detect(context.Background(), solidImage(4, 4), Options{})
	require.ErrorIs(t, err, severity.ErrInferenceFailure)
	assert.Contains(t, err.Error(), "503")

	_, err = c.Segment(context.Background(), solidImage(4, 4), Options{})
	require.ErrorIs(t, err, severity.ErrInferenceFailure, "short RLE is rejected")

	_, err = NewRemoteClient(RemoteConfig{})
	require.Error(t, err)
}

func TestRLE(t *testing.T) {
	m := severity.NewMask(5, 2)
	m.Set(0, 0, true)
	m.Set(1, 0, true)
	m.Set(4, 1, true)

	runs := EncodeRLE(m)
	assert.Equal(t, []int{0, 2, 7, 1}, runs)

	back, err := DecodeRLE(5, 2, runs)
	require.NoError(t, err)
	assert.True(t, back.Equal(m))

	_, err = DecodeRLE(2, 2, []int{2, 3})
	require.Error(t, err)
	_, err = DecodeRLE(2, 2, []int{-1, 5})
	require.Error(t, err)
	_, err = DecodeRLE(0, 2, nil)
	require.Error(t, err)
}

type countingSegmenter struct {
	active, peak atomic.Int32
}

func (c *countingSegmenter) Segment(ctx context.Context, img image.Image, opts Options) (severity.SegmentationResult, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	return severity.SegmentationResult{}, nil
}

func (c *countingSegmenter) Close() error { return nil }

func TestSerialized(t *testing.T) {
	inner := &countingSegmenter{}
	s := Serialized(inner)
	assert.Same(t, s, Serialized(s), "wrapping twice is idempotent")

	done := make(chan struct{})
	for range 8 {
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = s.Segment(context.Background(), solidImage(2, 2), Options{})
		}()
	}
	for range 8 {
		<-done
	}
	assert.Equal(t, int32(1), inner.peak.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Segment(ctx, solidImage(2, 2), Options{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSerialized_SharedBackendSharesLock(t *testing.T) {
	inner := &countingSegmenter{}
	a, b := Serialized(inner), Serialized(inner)
	assert.NotSame(t, a, b)

	done := make(chan struct{})
	for i := range 8 {
		s := a
		if i%2 == 1 {
			s = b
		}
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = s.Segment(context.Background(), solidImage(2, 2), Options{})
		}()
	}
	for range 8 {
		<-done
	}
	assert.Equal(t, int32(1), inner.peak.Load())
}
