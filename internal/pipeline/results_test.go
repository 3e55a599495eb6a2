package pipeline

import (
	"encoding/json"
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/MeKo-Tech/leafscan/internal/severity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport() *Report {
	dets := threeBoxes()
	return &Report{
		Filename:   "leaf.jpg",
		Width:      200,
		Height:     200,
		Detections: dets,
		Selected:   []int{0, 1},
		Records: []severity.SeverityRecord{{
			BoxIndex:        0,
			Region:          severity.CropRegion{Source: dets[0], Padded: image.Rect(0, 0, 40, 40)},
			LeafPixels:      1600,
			LesionPixels:    160,
			SeverityPercent: 10,
			OverlayName:     "severity_crop_0_leaf.jpg",
		}},
		Skipped:              []severity.Skipped{{BoxIndex: 1, Reason: severity.SkipNoLeaf}},
		DetectionOverlayName: "det_annotated_leaf.jpg",
	}
}

func TestToJSON(t *testing.T) {
	out, err := ToJSON(sampleReport())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "det_annotated_leaf.jpg", decoded["det_filename"])
	results := decoded["results"].([]any)
	require.Len(t, results, 1)
	first := results[0].(map[string]any)
	assert.InDelta(t, 10.0, first["severity"], 1e-9)
	assert.InDelta(t, 1600.0, first["leaf_px"], 1e-9)
	assert.Equal(t, "severity_crop_0_leaf.jpg", first["filename"])

	_, err = ToJSON(nil)
	require.Error(t, err)
}

func TestToCSV(t *testing.T) {
	out, err := ToCSV(sampleReport())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "filename,box_index,x1,y1,x2,y2,score,leaf_px,lesion_px,severity,status,overlay", lines[0])
	assert.Equal(t, "leaf.jpg,0,10,10,30,30,0.900,1600,160,10.00,ok,severity_crop_0_leaf.jpg", lines[1])
	assert.Equal(t, "leaf.jpg,1,60,60,100,100,0.800,,,,no_leaf,", lines[2])
}

func TestToTextAndFormat(t *testing.T) {
	r := sampleReport()
	out, err := Format(r, "TEXT")
	require.NoError(t, err)
	assert.Contains(t, out, "box 0: severity 10.00%")
	assert.Contains(t, out, "box 1: skipped (no_leaf)")
	assert.Contains(t, out, "det_annotated_leaf.jpg")

	_, err = Format(r, "xml")
	require.Error(t, err)

	mean, ok := r.MeanSeverity()
	assert.True(t, ok)
	assert.InDelta(t, 10.0, mean, 1e-9)
	_, ok = (&Report{}).MeanSeverity()
	assert.False(t, ok)
}

func TestRenderDetections(t *testing.T) {
	img := testImage(50, 50)
	out := RenderDetections(img, severity.DetectionResult{{X1: 5, Y1: 20, X2: 40, Y2: 45, ClassID: 3, Score: 0.5}},
		DetectionStyle{Thickness: 1})
	assert.Equal(t, color.NRGBA{R: 40, G: 160, B: 40, A: 255}, img.NRGBAAt(5, 30), "source untouched")
	assert.NotEqual(t, img.NRGBAAt(5, 30), out.NRGBAAt(5, 30))
	assert.Equal(t, img.NRGBAAt(20, 30), out.NRGBAAt(20, 30), "interior untouched")
}

func TestRenderInstances_BadMask(t *testing.T) {
	_, err := RenderInstances(testImage(10, 10), severity.SegmentationResult{{Mask: severity.Mask{}}}, DefaultDetectionStyle())
	require.ErrorIs(t, err, severity.ErrResamplingMismatch)
}
