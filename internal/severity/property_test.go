package severity

import (
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// randomMask fills a w x h mask with roughly the given density of true cells.
func randomMask(rng *rand.Rand, w, h int, density float64) Mask {
	m := NewMask(w, h)
	for i := range m.Bits {
		m.Bits[i] = rng.Float64() < density
	}
	return m
}

// randomSegmentation builds n instances with class ids 0..5 at a native size
// that may differ from the crop size.
func randomSegmentation(seed int64, n int) SegmentationResult {
	rng := rand.New(rand.NewSource(seed))
	nw, nh := 8+rng.Intn(24), 8+rng.Intn(24)
	seg := make(SegmentationResult, n)
	for i := range seg {
		seg[i] = InstanceMask{ClassID: rng.Intn(6), Mask: randomMask(rng, nw, nh, rng.Float64())}
	}
	// Guarantee at least one leaf instance.
	seg[0].ClassID = 0
	return seg
}

func TestPadBounds_Properties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("padded bounds stay inside the image and never shrink the box", prop.ForAll(
		func(x1, y1, bw, bh, pad, w, h int) bool {
			if x1+bw > w || y1+bh > h {
				return true
			}
			box := BoundingBox{X1: x1, Y1: y1, X2: x1 + bw, Y2: y1 + bh}
			r := PadBounds(box, pad, w, h)

			if r.Min.X < 0 || r.Min.X > r.Max.X || r.Max.X > w {
				return false
			}
			if r.Min.Y < 0 || r.Min.Y > r.Max.Y || r.Max.Y > h {
				return false
			}
			return r.Dx() >= bw && r.Dy() >= bh
		},
		gen.IntRange(0, 200),
		gen.IntRange(0, 200),
		gen.IntRange(1, 100),
		gen.IntRange(1, 100),
		gen.IntRange(0, 50),
		gen.IntRange(50, 300),
		gen.IntRange(50, 300),
	))

	properties.TestingRun(t)
}

func TestCombine_Properties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	classes := ClassConfig{LeafClasses: NewLeafClassSet(0, 2, 3), Pairing: ClassPairing{0: 1, 3: 4}}

	properties.Property("lesion mask is a subset of the leaf mask", prop.ForAll(
		func(seed int64, n, w, h int) bool {
			leaf, lesion, err := Combine(randomSegmentation(seed, n), classes, w, h)
			if err != nil {
				return false
			}
			return lesion.SubsetOf(leaf) && lesion.And(leaf).Equal(lesion)
		},
		gen.Int64(),
		gen.IntRange(1, 6),
		gen.IntRange(1, 40),
		gen.IntRange(1, 40),
	))

	properties.Property("combination is order independent", prop.ForAll(
		func(seed int64, n, w, h int) bool {
			seg := randomSegmentation(seed, n)
			leafA, lesionA, errA := Combine(seg, classes, w, h)

			shuffled := make(SegmentationResult, len(seg))
			copy(shuffled, seg)
			rng := rand.New(rand.NewSource(seed ^ 0x5eed))
			rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
			leafB, lesionB, errB := Combine(shuffled, classes, w, h)

			if errA != nil || errB != nil {
				return false
			}
			return leafA.Equal(leafB) && lesionA.Equal(lesionB)
		},
		gen.Int64(),
		gen.IntRange(1, 6),
		gen.IntRange(1, 40),
		gen.IntRange(1, 40),
	))

	properties.Property("severity stays within 0..100", prop.ForAll(
		func(seed int64, n, w, h int) bool {
			leaf, lesion, err := Combine(randomSegmentation(seed, n), classes, w, h)
			if err != nil {
				return false
			}
			s := ComputeSeverity(leaf, lesion)
			return s.Percent >= 0 && s.Percent <= 100 && s.LesionPixels <= s.LeafPixels
		},
		gen.Int64(),
		gen.IntRange(1, 6),
		gen.IntRange(1, 40),
		gen.IntRange(1, 40),
	))

	properties.Property("empty lesion mask means zero severity", prop.ForAll(
		func(seed int64, w, h int) bool {
			rng := rand.New(rand.NewSource(seed))
			leaf := randomMask(rng, w, h, rng.Float64())
			return ComputeSeverity(leaf, NewMask(w, h)).Percent == 0
		},
		gen.Int64(),
		gen.IntRange(1, 60),
		gen.IntRange(1, 60),
	))

	properties.TestingRun(t)
}

func TestSelectBoxes_Properties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("single-largest picks area 200 from any order of [50,200,10]", prop.ForAll(
		func(seed int64) bool {
			dets := DetectionResult{boxWithArea(5, 10), boxWithArea(10, 20), boxWithArea(2, 5)}
			rng := rand.New(rand.NewSource(seed))
			rng.Shuffle(len(dets), func(i, j int) { dets[i], dets[j] = dets[j], dets[i] })

			idx, err := SelectBoxes(dets, SelectLargest)
			if err != nil || len(idx) != 1 {
				return false
			}
			return dets[idx[0]].Area() == 200
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}
