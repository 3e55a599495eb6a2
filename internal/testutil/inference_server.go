package testutil

import (
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MeKo-Tech/leafscan/internal/inference"
	"github.com/MeKo-Tech/leafscan/internal/severity"
	"github.com/MeKo-Tech/leafscan/internal/utils"
)

// Class ids answered by the fake service: plant pixels are leaf class 0,
// lesion pixels are lesion class 1.
const (
	FakeLeafClass   = 0
	FakeLesionClass = 1
)

// InferenceServer is a fake remote inference service that detects and
// segments scenes drawn with the scene colours.
type InferenceServer struct {
	*httptest.Server
	DetectCalls  atomic.Int32
	SegmentCalls atomic.Int32
	// FailSegment makes /segment answer 500.
	FailSegment atomic.Bool

	segmentDelay atomic.Int64
}

// SetSegmentDelay makes every /segment call take at least d.
func (s *InferenceServer) SetSegmentDelay(d time.Duration) {
	s.segmentDelay.Store(int64(d))
}

// NewInferenceServer starts the fake service; it stops with the test.
func NewInferenceServer(t testing.TB) *InferenceServer {
	t.Helper()
	s := &InferenceServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /detect", s.handleDetect)
	mux.HandleFunc("POST /segment", s.handleSegment)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func readUpload(w http.ResponseWriter, r *http.Request) (image.Image, bool) {
	f, _, err := r.FormFile("image")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	defer func() { _ = f.Close() }()
	img, err := utils.DecodeImage(f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return img, true
}

func (s *InferenceServer) handleDetect(w http.ResponseWriter, r *http.Request) {
	s.DetectCalls.Add(1)
	img, ok := readUpload(w, r)
	if !ok {
		return
	}
	boxes := []inference.RemoteBox{}
	for _, rect := range plantComponents(img) {
		boxes = append(boxes, inference.RemoteBox{
			X1: float64(rect.Min.X), Y1: float64(rect.Min.Y),
			X2: float64(rect.Max.X), Y2: float64(rect.Max.Y),
			ClassID: FakeLeafClass, Score: 0.9,
		})
	}
	writeJSON(w, inference.RemoteDetectResponse{Detections: boxes})
}

func (s *InferenceServer) handleSegment(w http.ResponseWriter, r *http.Request) {
	s.SegmentCalls.Add(1)
	if d := time.Duration(s.segmentDelay.Load()); d > 0 {
		time.Sleep(d)
	}
	if s.FailSegment.Load() {
		http.Error(w, "segmentation model crashed", http.StatusInternalServerError)
		return
	}
	img, ok := readUpload(w, r)
	if !ok {
		return
	}
	b := img.Bounds()
	leaf := severity.NewMask(b.Dx(), b.Dy())
	lesion := severity.NewMask(b.Dx(), b.Dy())
	for y := range b.Dy() {
		for x := range b.Dx() {
			switch pixelClass(img.At(b.Min.X+x, b.Min.Y+y)) {
			case 1:
				leaf.Set(x, y, true)
			case 2:
				leaf.Set(x, y, true)
				lesion.Set(x, y, true)
			}
		}
	}

	instances := []inference.RemoteInstance{}
	if leaf.Count() > 0 {
		instances = append(instances, inference.RemoteInstance{
			ClassID: FakeLeafClass, Score: 0.95, Width: b.Dx(), Height: b.Dy(), RLE: inference.EncodeRLE(leaf),
		})
	}
	if lesion.Count() > 0 {
		instances = append(instances, inference.RemoteInstance{
			ClassID: FakeLesionClass, Score: 0.8, Width: b.Dx(), Height: b.Dy(), RLE: inference.EncodeRLE(lesion),
		})
	}
	writeJSON(w, inference.RemoteSegmentResponse{Instances: instances})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// plantComponents returns bounding boxes of 4-connected non-soil regions in
// scan order.
func plantComponents(img image.Image) []image.Rectangle {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plant := make([]bool, w*h)
	for y := range h {
		for x := range w {
			plant[y*w+x] = pixelClass(img.At(b.Min.X+x, b.Min.Y+y)) != 0
		}
	}

	seen := make([]bool, w*h)
	var out []image.Rectangle
	stack := make([]int, 0, 64)
	for start := range plant {
		if !plant[start] || seen[start] {
			continue
		}
		rect := image.Rect(start%w, start/w, start%w+1, start/w+1)
		seen[start] = true
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := p%w, p/w
			rect = rect.Union(image.Rect(x, y, x+1, y+1))
			for _, q := range [][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				if q[0] < 0 || q[1] < 0 || q[0] >= w || q[1] >= h {
					continue
				}
				i := q[1]*w + q[0]
				if plant[i] && !seen[i] {
					seen[i] = true
					stack = append(stack, i)
				}
			}
		}
		if rect.Dx()*rect.Dy() >= 16 {
			out = append(out, rect)
		}
	}
	return out
}
