package inference

import (
	"fmt"

	"github.com/MeKo-Tech/leafscan/internal/severity"
)

// EncodeRLE run-length encodes a mask in row-major order. Runs alternate
// false/true starting with a (possibly zero) false run.
func EncodeRLE(m severity.Mask) []int {
	runs := []int{}
	cur, n := false, 0
	for _, b := range m.Bits {
		if b != cur {
			runs = append(runs, n)
			cur, n = b, 0
		}
		n++
	}
	return append(runs, n)
}

// DecodeRLE expands runs produced by EncodeRLE into a w x h mask.
func DecodeRLE(w, h int, runs []int) (severity.Mask, error) {
	if w <= 0 || h <= 0 {
		return severity.Mask{}, fmt.Errorf("invalid mask size %dx%d", w, h)
	}
	m := severity.NewMask(w, h)
	pos, val := 0, false
	for i, r := range runs {
		if r < 0 {
			return severity.Mask{}, fmt.Errorf("negative run %d at index %d", r, i)
		}
		if pos+r > len(m.Bits) {
			return severity.Mask{}, fmt.Errorf("runs exceed %dx%d mask", w, h)
		}
		if val {
			for j := pos; j < pos+r; j++ {
				m.Bits[j] = true
			}
		}
		pos += r
		val = !val
	}
	if pos != len(m.Bits) {
		return severity.Mask{}, fmt.Errorf("runs cover %d of %d cells", pos, len(m.Bits))
	}
	return m, nil
}
