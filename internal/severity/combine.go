package severity

import "fmt"

// Combine aligns every instance to a w x h crop and returns the union of the
// leaf instances and the union of their paired lesion instances restricted to
// that leaf area. Lesion pixels outside the leaf silhouette are dropped so
// they cannot inflate severity.
func Combine(seg SegmentationResult, classes ClassConfig, w, h int) (leaf, lesionInLeaf Mask, err error) {
	if w <= 0 || h <= 0 {
		return Mask{}, Mask{}, fmt.Errorf("%w: crop size %dx%d", ErrResamplingMismatch, w, h)
	}

	aligned := make([]Mask, len(seg))
	for i, inst := range seg {
		m, err := Resample(inst.Mask, w, h)
		if err != nil {
			return Mask{}, Mask{}, fmt.Errorf("instance %d (class %d): %w", i, inst.ClassID, err)
		}
		aligned[i] = m
	}

	leaf = NewMask(w, h)
	present := make(map[int]struct{})
	for i, inst := range seg {
		if !classes.LeafClasses.Contains(inst.ClassID) {
			continue
		}
		present[inst.ClassID] = struct{}{}
		leaf.orWith(aligned[i])
	}
	if len(present) == 0 {
		return Mask{}, Mask{}, ErrNoLeafFound
	}

	lesionIDs := classes.lesionClassesFor(present)
	lesion := NewMask(w, h)
	for i, inst := range seg {
		if _, ok := lesionIDs[inst.ClassID]; ok {
			lesion.orWith(aligned[i])
		}
	}

	return leaf, lesion.And(leaf), nil
}
