package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

// Scene colours. The fake inference service classifies pixels by the
// nearest of these.
var (
	SoilColor   = color.NRGBA{R: 200, G: 190, B: 170, A: 255}
	LeafColor   = color.NRGBA{R: 34, G: 139, B: 34, A: 255}
	LesionColor = color.NRGBA{R: 101, G: 67, B: 33, A: 255}
)

// Leaf is one rectangular leaf with an optional lesion patch. Lesion is in
// image coordinates and is clipped to the leaf.
type Leaf struct {
	Rect   image.Rectangle
	Lesion image.Rectangle
}

// Severity is the expected lesion share of the leaf in percent.
func (l Leaf) Severity() float64 {
	leaf := l.Rect.Dx() * l.Rect.Dy()
	if leaf == 0 {
		return 0
	}
	lesion := l.Lesion.Intersect(l.Rect)
	v := float64(lesion.Dx()*lesion.Dy()) * 100 / float64(leaf)
	return math.Round(v*100) / 100
}

// Scene describes a synthetic field photo.
type Scene struct {
	Width, Height int
	Leaves        []Leaf
}

// DefaultScene has a small healthy-ish leaf and a larger diseased one.
func DefaultScene() Scene {
	return Scene{
		Width:  320,
		Height: 240,
		Leaves: []Leaf{
			{Rect: image.Rect(20, 30, 100, 110), Lesion: image.Rect(20, 30, 28, 110)},
			{Rect: image.Rect(150, 40, 290, 200), Lesion: image.Rect(150, 40, 290, 80)},
		},
	}
}

// Render draws the scene.
func (s Scene) Render() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, s.Width, s.Height))
	draw.Draw(img, img.Bounds(), image.NewUniform(SoilColor), image.Point{}, draw.Src)
	for _, l := range s.Leaves {
		draw.Draw(img, l.Rect, image.NewUniform(LeafColor), image.Point{}, draw.Src)
		draw.Draw(img, l.Lesion.Intersect(l.Rect), image.NewUniform(LesionColor), image.Point{}, draw.Src)
	}
	return img
}

// EncodePNG encodes img for multipart uploads.
func EncodePNG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// SaveImage writes img to path; the format follows the extension.
func SaveImage(t testing.TB, img image.Image, path string) {
	t.Helper()
	require.NoError(t, EnsureDir(filepath.Dir(path)))
	require.NoError(t, imaging.Save(img, path))
}

// LoadImage reads an image file.
func LoadImage(t testing.TB, path string) image.Image {
	t.Helper()
	img, err := imaging.Open(path)
	require.NoError(t, err, "failed to open image %s", path)
	return img
}

// CompareImages reports whether the mean per-pixel colour distance of two
// equally sized images is within tolerance (0..1).
func CompareImages(img1, img2 image.Image, tolerance float64) bool {
	b1, b2 := img1.Bounds(), img2.Bounds()
	if b1.Dx() != b2.Dx() || b1.Dy() != b2.Dy() {
		return false
	}
	var total float64
	for y := range b1.Dy() {
		for x := range b1.Dx() {
			r1, g1, bl1, a1 := img1.At(b1.Min.X+x, b1.Min.Y+y).RGBA()
			r2, g2, bl2, a2 := img2.At(b2.Min.X+x, b2.Min.Y+y).RGBA()
			dr, dg := float64(r1)-float64(r2), float64(g1)-float64(g2)
			db, da := float64(bl1)-float64(bl2), float64(a1)-float64(a2)
			total += math.Sqrt(dr*dr + dg*dg + db*db + da*da)
		}
	}
	n := float64(b1.Dx() * b1.Dy())
	if n == 0 {
		return true
	}
	return total/n/math.Sqrt(4*65535*65535) <= tolerance
}

// pixelClass maps a pixel to 0 soil, 1 leaf, 2 lesion.
func pixelClass(c color.Color) int {
	r, g, b, _ := c.RGBA()
	best, bestD := 0, math.MaxFloat64
	for i, ref := range []color.NRGBA{SoilColor, LeafColor, LesionColor} {
		dr := float64(r>>8) - float64(ref.R)
		dg := float64(g>>8) - float64(ref.G)
		db := float64(b>>8) - float64(ref.B)
		if d := dr*dr + dg*dg + db*db; d < bestD {
			best, bestD = i, d
		}
	}
	return best
}
