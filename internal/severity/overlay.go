package severity

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// OverlayStyle controls the colours of the severity overlay.
type OverlayStyle struct {
	LeafTint    color.NRGBA
	LesionColor color.NRGBA
	// TintWeight is the share of LeafTint in the leaf blend.
	TintWeight float64
}

// DefaultOverlayStyle is a 70/30 green leaf blend with solid dark red lesions.
func DefaultOverlayStyle() OverlayStyle {
	return OverlayStyle{
		LeafTint:    color.NRGBA{R: 0, G: 255, B: 0, A: 255},
		LesionColor: color.NRGBA{R: 139, G: 0, B: 0, A: 255},
		TintWeight:  0.3,
	}
}

// RenderOverlay tints leaf pixels of a copy of crop and then paints lesion
// pixels solid, so lesion marking always wins over the leaf tint.
func RenderOverlay(crop image.Image, leaf, lesionInLeaf Mask, style OverlayStyle) (*image.NRGBA, error) {
	b := crop.Bounds()
	if leaf.Width != b.Dx() || leaf.Height != b.Dy() || !leaf.SameSize(lesionInLeaf) {
		return nil, fmt.Errorf("%w: crop %dx%d, leaf %dx%d, lesion %dx%d", ErrResamplingMismatch,
			b.Dx(), b.Dy(), leaf.Width, leaf.Height, lesionInLeaf.Width, lesionInLeaf.Height)
	}

	out := imaging.Clone(crop)
	w := style.TintWeight
	if w < 0 || w > 1 {
		w = DefaultOverlayStyle().TintWeight
	}
	tint := [3]float64{float64(style.LeafTint.R), float64(style.LeafTint.G), float64(style.LeafTint.B)}

	for y := 0; y < leaf.Height; y++ {
		row := out.Pix[y*out.Stride:]
		for x := 0; x < leaf.Width; x++ {
			i := y*leaf.Width + x
			if !leaf.Bits[i] {
				continue
			}
			px := row[x*4 : x*4+3]
			for c := range 3 {
				px[c] = blend(px[c], tint[c], w)
			}
		}
	}

	for y := 0; y < lesionInLeaf.Height; y++ {
		row := out.Pix[y*out.Stride:]
		for x := 0; x < lesionInLeaf.Width; x++ {
			if !lesionInLeaf.Bits[y*lesionInLeaf.Width+x] {
				continue
			}
			px := row[x*4 : x*4+4]
			px[0], px[1], px[2], px[3] = style.LesionColor.R, style.LesionColor.G, style.LesionColor.B, 255
		}
	}
	return out, nil
}

// blend truncates like an integer cast; the epsilon absorbs float error so
// that e.g. 0.7*100 lands on 70.
func blend(orig uint8, tint, weight float64) uint8 {
	v := float64(orig)*(1-weight) + tint*weight + 1e-9
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

// Analyze runs combine, severity and overlay for one segmented crop.
func Analyze(crop image.Image, seg SegmentationResult, classes ClassConfig, style OverlayStyle) (Severity, *image.NRGBA, error) {
	b := crop.Bounds()
	leaf, lesion, err := Combine(seg, classes, b.Dx(), b.Dy())
	if err != nil {
		return Severity{}, nil, err
	}
	overlay, err := RenderOverlay(crop, leaf, lesion, style)
	if err != nil {
		return Severity{}, nil, err
	}
	return ComputeSeverity(leaf, lesion), overlay, nil
}
