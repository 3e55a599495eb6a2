package pipeline

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/MeKo-Tech/leafscan/internal/severity"
	"github.com/MeKo-Tech/leafscan/internal/utils"
)

// DetectionStyle controls how boxes are drawn on the whole image.
type DetectionStyle struct {
	Thickness int
	Labels    bool
	// Names maps class ids to label text; unknown ids print as class_<id>.
	Names map[int]string
	// MaskAlpha is the tint weight of segmentation masks in RenderInstances.
	MaskAlpha float64
}

// DefaultDetectionStyle draws 2 px labelled boxes.
func DefaultDetectionStyle() DetectionStyle {
	return DetectionStyle{Thickness: 2, Labels: true, MaskAlpha: 0.4}
}

func (s DetectionStyle) label(classID int, score float64) string {
	name, ok := s.Names[classID]
	if !ok || name == "" {
		name = fmt.Sprintf("class_%d", classID)
	}
	return fmt.Sprintf("%s %.2f", name, score)
}

// cloneNRGBA copies img into a zero-origin NRGBA canvas.
func cloneNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// RenderDetections draws every detected box onto a copy of img.
func RenderDetections(img image.Image, dets severity.DetectionResult, style DetectionStyle) *image.NRGBA {
	dst := cloneNRGBA(img)
	for _, d := range dets {
		col := utils.ClassColor(d.ClassID)
		utils.DrawRect(dst, d.Rect(), col, style.Thickness)
		if style.Labels {
			utils.DrawLabel(dst, image.Pt(d.X1, d.Y1), style.label(d.ClassID, d.Score), color.White, col)
		}
	}
	return dst
}

// RenderInstances tints every instance mask in its class colour onto a copy
// of img. Masks at another resolution are resampled to the image first.
func RenderInstances(img image.Image, seg severity.SegmentationResult, style DetectionStyle) (*image.NRGBA, error) {
	dst := cloneNRGBA(img)
	w, h := dst.Bounds().Dx(), dst.Bounds().Dy()
	alpha := style.MaskAlpha
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultDetectionStyle().MaskAlpha
	}

	for _, inst := range seg {
		m, err := severity.Resample(inst.Mask, w, h)
		if err != nil {
			return nil, err
		}
		col := utils.ClassColor(inst.ClassID)
		first := image.Point{X: -1}
		for y := range h {
			for x := range w {
				if !m.At(x, y) {
					continue
				}
				if first.X < 0 {
					first = image.Pt(x, y)
				}
				i := dst.PixOffset(x, y)
				p := dst.Pix[i : i+3 : i+3]
				p[0] = mix(p[0], col.R, alpha)
				p[1] = mix(p[1], col.G, alpha)
				p[2] = mix(p[2], col.B, alpha)
			}
		}
		if style.Labels && first.X >= 0 {
			utils.DrawLabel(dst, first, style.label(inst.ClassID, inst.Score), color.White, col)
		}
	}
	return dst, nil
}

func mix(orig, tint uint8, alpha float64) uint8 {
	return uint8(float64(orig)*(1-alpha) + float64(tint)*alpha + 0.5)
}
