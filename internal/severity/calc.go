package severity

import "math"

// Severity holds the pixel counts behind a severity percentage.
type Severity struct {
	LeafPixels   int
	LesionPixels int
	Percent      float64
}

// ComputeSeverity returns lesion/leaf*100 rounded to two decimals, or 0 for
// an empty leaf mask.
func ComputeSeverity(leaf, lesionInLeaf Mask) Severity {
	s := Severity{LeafPixels: leaf.Count(), LesionPixels: lesionInLeaf.Count()}
	if s.LeafPixels == 0 {
		return s
	}
	s.Percent = math.Round(float64(s.LesionPixels)/float64(s.LeafPixels)*100*100) / 100
	return s
}
