package severity

import (
	"fmt"
	"image"
	"math"
)

// Mask is a row-major boolean pixel grid.
type Mask struct {
	Width  int
	Height int
	Bits   []bool
}

// NewMask returns an all-false mask of the given size.
func NewMask(w, h int) Mask {
	if w < 0 || h < 0 {
		w, h = 0, 0
	}
	return Mask{Width: w, Height: h, Bits: make([]bool, w*h)}
}

// MaskFromRect returns a w x h mask that is true inside r.
func MaskFromRect(w, h int, r image.Rectangle) Mask {
	m := NewMask(w, h)
	r = r.Intersect(image.Rect(0, 0, w, h))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := m.Bits[y*w : (y+1)*w]
		for x := r.Min.X; x < r.Max.X; x++ {
			row[x] = true
		}
	}
	return m
}

// Valid reports whether the mask is non-empty and its data matches its size.
func (m Mask) Valid() bool {
	return m.Width > 0 && m.Height > 0 && len(m.Bits) == m.Width*m.Height
}

// At returns the cell at (x, y); out-of-range reads are false.
func (m Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.Bits[y*m.Width+x]
}

// Set writes the cell at (x, y); out-of-range writes are ignored.
func (m Mask) Set(x, y int, v bool) {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return
	}
	m.Bits[y*m.Width+x] = v
}

// Count returns the number of true cells.
func (m Mask) Count() int {
	n := 0
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (m Mask) Clone() Mask {
	bits := make([]bool, len(m.Bits))
	copy(bits, m.Bits)
	return Mask{Width: m.Width, Height: m.Height, Bits: bits}
}

// SameSize reports whether both masks share dimensions.
func (m Mask) SameSize(o Mask) bool {
	return m.Width == o.Width && m.Height == o.Height
}

// And returns the cell-wise conjunction. Sizes must match.
func (m Mask) And(o Mask) Mask {
	out := NewMask(m.Width, m.Height)
	if !m.SameSize(o) {
		return out
	}
	for i := range out.Bits {
		out.Bits[i] = m.Bits[i] && o.Bits[i]
	}
	return out
}

// SubsetOf reports whether every true cell of m is also true in o.
func (m Mask) SubsetOf(o Mask) bool {
	if !m.SameSize(o) {
		return false
	}
	for i, b := range m.Bits {
		if b && !o.Bits[i] {
			return false
		}
	}
	return true
}

// Equal compares size and contents.
func (m Mask) Equal(o Mask) bool {
	if !m.SameSize(o) || len(m.Bits) != len(o.Bits) {
		return false
	}
	for i := range m.Bits {
		if m.Bits[i] != o.Bits[i] {
			return false
		}
	}
	return true
}

func (m Mask) orWith(o Mask) {
	for i, b := range o.Bits {
		if b {
			m.Bits[i] = true
		}
	}
}

// span is one source cell and the fraction of a target cell it covers.
type span struct {
	idx    int
	weight float64
}

// Resample maps m onto a w x h grid. A target cell becomes true when at
// least half of its footprint in the source grid is true; for upscaling this
// is nearest-neighbour.
func Resample(m Mask, w, h int) (Mask, error) {
	if w <= 0 || h <= 0 {
		return Mask{}, fmt.Errorf("%w: target size %dx%d", ErrResamplingMismatch, w, h)
	}
	if !m.Valid() {
		return Mask{}, fmt.Errorf("%w: source %dx%d with %d cells",
			ErrResamplingMismatch, m.Width, m.Height, len(m.Bits))
	}
	if m.Width == w && m.Height == h {
		return m.Clone(), nil
	}

	xs := footprints(m.Width, w)
	ys := footprints(m.Height, h)
	out := NewMask(w, h)
	const half = 0.5 - 1e-9

	for ty, fy := range ys {
		for tx, fx := range xs {
			covered := 0.0
			for _, sy := range fy {
				row := m.Bits[sy.idx*m.Width : (sy.idx+1)*m.Width]
				for _, sx := range fx {
					if row[sx.idx] {
						covered += sy.weight * sx.weight
					}
				}
			}
			if covered >= half {
				out.Bits[ty*w+tx] = true
			}
		}
	}
	return out, nil
}

// footprints lists, for each of dst target cells, the src cells it overlaps
// with weights normalised to sum to one.
func footprints(src, dst int) [][]span {
	scale := float64(src) / float64(dst)
	out := make([][]span, dst)
	for i := range dst {
		lo := float64(i) * scale
		hi := lo + scale
		for s := int(lo); s < src && float64(s) < hi; s++ {
			overlap := math.Min(hi, float64(s+1)) - math.Max(lo, float64(s))
			if overlap > 0 {
				out[i] = append(out[i], span{idx: s, weight: overlap / scale})
			}
		}
	}
	return out
}
