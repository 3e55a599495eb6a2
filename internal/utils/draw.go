package utils

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// palette cycles distinct colours per class id.
var palette = []color.NRGBA{
	{R: 255, G: 56, B: 56, A: 255},
	{R: 255, G: 157, B: 151, A: 255},
	{R: 255, G: 112, B: 31, A: 255},
	{R: 255, G: 178, B: 29, A: 255},
	{R: 207, G: 210, B: 49, A: 255},
	{R: 72, G: 249, B: 10, A: 255},
	{R: 26, G: 147, B: 52, A: 255},
	{R: 0, G: 212, B: 187, A: 255},
	{R: 44, G: 153, B: 168, A: 255},
	{R: 0, G: 194, B: 255, A: 255},
}

// ClassColor returns the palette colour for a class id.
func ClassColor(id int) color.NRGBA {
	if id < 0 {
		id = -id
	}
	return palette[id%len(palette)]
}

// DrawRect draws an axis-aligned rectangle outline into dst.
func DrawRect(dst draw.Image, rect image.Rectangle, col color.Color, thickness int) {
	if thickness < 1 {
		thickness = 1
	}
	rect = rect.Intersect(dst.Bounds())
	if rect.Empty() {
		return
	}
	for t := range thickness {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			dst.Set(x, rect.Min.Y+t, col)
			dst.Set(x, rect.Max.Y-1-t, col)
		}
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			dst.Set(rect.Min.X+t, y, col)
			dst.Set(rect.Max.X-1-t, y, col)
		}
	}
}

// DrawLabel writes text on a filled background whose bottom-left corner sits
// at pt, moving it inside dst when it would fall off an edge.
func DrawLabel(dst draw.Image, pt image.Point, text string, fg, bg color.Color) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil() + 4
	height := face.Metrics().Height.Ceil() + 2

	b := dst.Bounds()
	box := image.Rect(pt.X, pt.Y-height, pt.X+width, pt.Y)
	if box.Min.Y < b.Min.Y {
		box = box.Add(image.Pt(0, b.Min.Y-box.Min.Y))
	}
	if box.Max.X > b.Max.X {
		box = box.Sub(image.Pt(box.Max.X-b.Max.X, 0))
	}
	draw.Draw(dst, box.Intersect(b), image.NewUniform(bg), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(fg),
		Face: face,
		Dot:  fixed.P(box.Min.X+2, box.Max.Y-1-face.Metrics().Descent.Ceil()),
	}
	d.DrawString(text)
}
