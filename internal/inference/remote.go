package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"strconv"
	"time"

	"github.com/MeKo-Tech/leafscan/internal/severity"
	"github.com/go-resty/resty/v2"
)

// RemoteConfig addresses an HTTP inference service.
type RemoteConfig struct {
	BaseURL string
	// Model is forwarded so one service can host several weights.
	Model   string
	Timeout time.Duration
}

// RemoteBox is one detection on the wire.
type RemoteBox struct {
	X1      float64 `json:"x1"`
	Y1      float64 `json:"y1"`
	X2      float64 `json:"x2"`
	Y2      float64 `json:"y2"`
	ClassID int     `json:"class_id"`
	Score   float64 `json:"score"`
}

// RemoteDetectResponse is the body of POST /detect.
type RemoteDetectResponse struct {
	Detections []RemoteBox `json:"detections"`
}

// RemoteInstance is one segmented instance on the wire.
type RemoteInstance struct {
	ClassID int     `json:"class_id"`
	Score   float64 `json:"score"`
	Width   int     `json:"width"`
	Height  int     `json:"height"`
	RLE     []int   `json:"rle"`
}

// RemoteSegmentResponse is the body of POST /segment.
type RemoteSegmentResponse struct {
	Instances []RemoteInstance `json:"instances"`
}

// RemoteClient talks to an external inference service. It serves as both
// Detector and Segmenter.
type RemoteClient struct {
	client *resty.Client
	model  string
}

// NewRemoteClient builds a client for cfg.BaseURL.
func NewRemoteClient(cfg RemoteConfig) (*RemoteClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("remote inference URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &RemoteClient{client: c, model: cfg.Model}, nil
}

// post uploads img as PNG with the inference options.
func (r *RemoteClient) post(ctx context.Context, path string, img image.Image, opts Options, out any) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("encode image: %w", err)
	}

	form := map[string]string{
		"conf":  strconv.FormatFloat(opts.Confidence, 'f', -1, 64),
		"imgsz": strconv.Itoa(opts.InputSize),
	}
	if r.model != "" {
		form["model"] = r.model
	}

	resp, err := r.client.R().
		SetContext(ctx).
		SetFileReader("image", "image.png", &buf).
		SetFormData(form).
		SetResult(out).
		Post(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		body := resp.String()
		if len(body) > 200 {
			body = body[:200]
		}
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode(), body)
	}
	return nil
}

// Detect implements Detector.
func (r *RemoteClient) Detect(ctx context.Context, img image.Image, opts Options) (severity.DetectionResult, error) {
	opts = opts.withDefaults()
	var resp RemoteDetectResponse
	if err := r.post(ctx, "/detect", img, opts, &resp); err != nil {
		return nil, failure("remote detect", err)
	}

	b := img.Bounds()
	out := make(severity.DetectionResult, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		box := severity.BoundingBox{
			X1:      int(clampF(math.Trunc(d.X1), 0, float64(b.Dx()))),
			Y1:      int(clampF(math.Trunc(d.Y1), 0, float64(b.Dy()))),
			X2:      int(clampF(math.Trunc(d.X2), 0, float64(b.Dx()))),
			Y2:      int(clampF(math.Trunc(d.Y2), 0, float64(b.Dy()))),
			ClassID: d.ClassID,
			Score:   d.Score,
		}
		if box.Valid() {
			out = append(out, box)
		}
	}
	return out, nil
}

// Segment implements Segmenter.
func (r *RemoteClient) Segment(ctx context.Context, img image.Image, opts Options) (severity.SegmentationResult, error) {
	opts = opts.withDefaults()
	var resp RemoteSegmentResponse
	if err := r.post(ctx, "/segment", img, opts, &resp); err != nil {
		return nil, failure("remote segment", err)
	}

	out := make(severity.SegmentationResult, 0, len(resp.Instances))
	for i, inst := range resp.Instances {
		m, err := DecodeRLE(inst.Width, inst.Height, inst.RLE)
		if err != nil {
			return nil, failure("remote segment", fmt.Errorf("instance %d: %w", i, err))
		}
		out = append(out, severity.InstanceMask{ClassID: inst.ClassID, Score: inst.Score, Mask: m})
	}
	return out, nil
}

// Close is a no-op; the HTTP client holds no model state.
func (r *RemoteClient) Close() error { return nil }
