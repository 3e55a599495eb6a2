package severity

import (
	"image"

	"github.com/disintegration/imaging"
)

// DefaultPad is the margin added around each box before cropping.
const DefaultPad = 10

// PadBounds grows box by pad on every side and clamps it to [0,w)x[0,h).
func PadBounds(box BoundingBox, pad, w, h int) image.Rectangle {
	if pad < 0 {
		pad = 0
	}
	x1 := max(0, box.X1-pad)
	y1 := max(0, box.Y1-pad)
	x2 := min(w, box.X2+pad)
	y2 := min(h, box.Y2+pad)
	r := image.Rect(x1, y1, x2, y2)
	if x2 <= x1 || y2 <= y1 {
		// image.Rect would reorder the corners; keep it empty instead.
		return image.Rectangle{Min: image.Pt(x1, y1), Max: image.Pt(x1, y1)}
	}
	return r
}

// PadCrop cuts the padded region around box out of img. Coordinates are
// relative to the image origin. The returned image is nil when the box lies
// completely outside the image.
func PadCrop(img image.Image, box BoundingBox, pad int) (CropRegion, image.Image) {
	b := img.Bounds()
	region := CropRegion{Source: box, Padded: PadBounds(box, pad, b.Dx(), b.Dy())}
	if region.Padded.Empty() {
		return region, nil
	}
	return region, imaging.Crop(img, region.Padded.Add(b.Min))
}
