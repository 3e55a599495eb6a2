package inference

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/MeKo-Tech/leafscan/internal/mempool"
	"github.com/MeKo-Tech/leafscan/internal/onnx"
	"github.com/MeKo-Tech/leafscan/internal/severity"
	"github.com/disintegration/imaging"
)

// maxDetections caps the boxes kept after NMS.
const maxDetections = 300

var padColor = color.NRGBA{R: 114, G: 114, B: 114, A: 255}

// letterbox describes an aspect-preserving resize into a square canvas.
type letterbox struct {
	size       int
	scale      float64
	padX, padY int
	newW, newH int
	srcW, srcH int
}

func newLetterbox(srcW, srcH, size int) letterbox {
	scale := math.Min(float64(size)/float64(srcW), float64(size)/float64(srcH))
	nw := max(1, int(math.Round(float64(srcW)*scale)))
	nh := max(1, int(math.Round(float64(srcH)*scale)))
	return letterbox{
		size: size, scale: scale,
		padX: (size - nw) / 2, padY: (size - nh) / 2,
		newW: nw, newH: nh,
		srcW: srcW, srcH: srcH,
	}
}

// tensor renders img into a pooled CHW RGB buffer scaled to [0,1].
// Return the buffer with mempool.PutFloat32.
func (l letterbox) tensor(img image.Image) []float32 {
	resized := imaging.Resize(img, l.newW, l.newH, imaging.Linear)
	canvas := imaging.Paste(imaging.New(l.size, l.size, padColor), resized, image.Pt(l.padX, l.padY))

	plane := l.size * l.size
	buf := mempool.GetFloat32(3 * plane)
	for y := range l.size {
		row := canvas.Pix[y*canvas.Stride:]
		for x := range l.size {
			i := y*l.size + x
			buf[i] = float32(row[x*4]) / 255
			buf[plane+i] = float32(row[x*4+1]) / 255
			buf[2*plane+i] = float32(row[x*4+2]) / 255
		}
	}
	return buf
}

// toSource maps a letterboxed coordinate back to the source image.
func (l letterbox) toSource(x, y float64) (float64, float64) {
	return (x - float64(l.padX)) / l.scale, (y - float64(l.padY)) / l.scale
}

// yoloOutput views a [1, C, N] prediction tensor, or its [1, N, C] transpose.
type yoloOutput struct {
	data       []float32
	channels   int
	anchors    int
	transposed bool
}

func newYOLOOutput(t onnx.Tensor) (yoloOutput, error) {
	if len(t.Shape) != 3 || t.Shape[0] != 1 {
		return yoloOutput{}, fmt.Errorf("unexpected prediction shape %v", t.Shape)
	}
	c, n := int(t.Shape[1]), int(t.Shape[2])
	if len(t.Data) != c*n {
		return yoloOutput{}, fmt.Errorf("prediction shape %v does not match %d values", t.Shape, len(t.Data))
	}
	o := yoloOutput{data: t.Data, channels: c, anchors: n}
	if c > n {
		o.channels, o.anchors, o.transposed = n, c, true
	}
	return o, nil
}

func (o yoloOutput) at(ch, a int) float32 {
	if o.transposed {
		return o.data[a*o.channels+ch]
	}
	return o.data[ch*o.anchors+a]
}

// candidate is one scored prediction in letterboxed input coordinates.
type candidate struct {
	x1, y1, x2, y2 float64
	score          float64
	class          int
	coeffs         []float32
}

// decodeCandidates keeps anchors whose best class score reaches conf.
func decodeCandidates(o yoloOutput, numCoeffs int, conf float64) ([]candidate, error) {
	nc := o.channels - 4 - numCoeffs
	if nc <= 0 {
		return nil, fmt.Errorf("prediction has %d channels, need more than %d", o.channels, 4+numCoeffs)
	}

	var out []candidate
	for a := range o.anchors {
		best, cls := float32(math.Inf(-1)), -1
		for c := range nc {
			if v := o.at(4+c, a); v > best {
				best, cls = v, c
			}
		}
		if float64(best) < conf {
			continue
		}
		cx, cy := float64(o.at(0, a)), float64(o.at(1, a))
		w, h := float64(o.at(2, a)), float64(o.at(3, a))
		cand := candidate{
			x1: cx - w/2, y1: cy - h/2, x2: cx + w/2, y2: cy + h/2,
			score: float64(best), class: cls,
		}
		if numCoeffs > 0 {
			cand.coeffs = make([]float32, numCoeffs)
			for k := range numCoeffs {
				cand.coeffs[k] = o.at(4+nc+k, a)
			}
		}
		out = append(out, cand)
	}
	return out, nil
}

func iou(a, b candidate) float64 {
	ix := math.Min(a.x2, b.x2) - math.Max(a.x1, b.x1)
	iy := math.Min(a.y2, b.y2) - math.Max(a.y1, b.y1)
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	union := (a.x2-a.x1)*(a.y2-a.y1) + (b.x2-b.x1)*(b.y2-b.y1) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// nms suppresses same-class overlaps, highest score first.
func nms(cands []candidate, threshold float64) []candidate {
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	kept := make([]candidate, 0, min(len(cands), maxDetections))
	for _, c := range cands {
		suppressed := false
		for _, k := range kept {
			if k.class == c.class && iou(k, c) > threshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, c)
			if len(kept) == maxDetections {
				break
			}
		}
	}
	return kept
}

// boxes converts kept candidates to integer source-image boxes, dropping
// those that collapse after clamping.
func (l letterbox) boxes(cands []candidate) severity.DetectionResult {
	out := make(severity.DetectionResult, 0, len(cands))
	for _, c := range cands {
		x1, y1 := l.toSource(c.x1, c.y1)
		x2, y2 := l.toSource(c.x2, c.y2)
		b := severity.BoundingBox{
			X1:      int(clampF(x1, 0, float64(l.srcW))),
			Y1:      int(clampF(y1, 0, float64(l.srcH))),
			X2:      int(clampF(x2, 0, float64(l.srcW))),
			Y2:      int(clampF(y2, 0, float64(l.srcH))),
			ClassID: c.class,
			Score:   c.score,
		}
		if b.Valid() {
			out = append(out, b)
		}
	}
	return out
}

func clampF(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// logit inverts the sigmoid so masks can be thresholded before activation.
func logit(p float64) float64 {
	switch {
	case p <= 0:
		return math.Inf(-1)
	case p >= 1:
		return math.Inf(1)
	}
	return math.Log(p / (1 - p))
}

// decodeMask builds the instance mask from prototype coefficients. The mask
// covers the letterbox content window at prototype resolution, so it lines
// up with the input image without padding.
func decodeMask(c candidate, protos onnx.Tensor, l letterbox, threshold float64) (severity.Mask, error) {
	if err := onnx.ValidateNCHW(protos.Shape); err != nil {
		return severity.Mask{}, fmt.Errorf("prototype tensor: %w", err)
	}
	k, mh, mw := int(protos.Shape[1]), int(protos.Shape[2]), int(protos.Shape[3])
	if len(c.coeffs) != k {
		return severity.Mask{}, fmt.Errorf("candidate has %d coefficients, prototypes have %d", len(c.coeffs), k)
	}

	sx := float64(mw) / float64(l.size)
	sy := float64(mh) / float64(l.size)
	x0 := clampI(int(math.Round(float64(l.padX)*sx)), 0, mw)
	y0 := clampI(int(math.Round(float64(l.padY)*sy)), 0, mh)
	x1 := clampI(int(math.Round(float64(l.padX+l.newW)*sx)), 0, mw)
	y1 := clampI(int(math.Round(float64(l.padY+l.newH)*sy)), 0, mh)
	if x1 <= x0 || y1 <= y0 {
		return severity.Mask{}, errors.New("letterbox window is empty at prototype resolution")
	}

	bx0, by0 := c.x1*sx, c.y1*sy
	bx1, by1 := c.x2*sx, c.y2*sy
	cut := logit(threshold)
	plane := mh * mw

	m := severity.NewMask(x1-x0, y1-y0)
	for y := y0; y < y1; y++ {
		if float64(y) < by0 || float64(y) >= by1 {
			continue
		}
		for x := x0; x < x1; x++ {
			if float64(x) < bx0 || float64(x) >= bx1 {
				continue
			}
			var v float32
			off := y*mw + x
			for j, coef := range c.coeffs {
				v += coef * protos.Data[j*plane+off]
			}
			if float64(v) > cut {
				m.Bits[(y-y0)*m.Width+(x-x0)] = true
			}
		}
	}
	return m, nil
}

func clampI(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
