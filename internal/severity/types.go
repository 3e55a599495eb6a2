// Package severity implements the leaf disease severity computation: box
// selection, padded cropping, leaf/lesion mask algebra, the severity
// percentage and the overlay that visualises it.
package severity

import (
	"encoding/json"
	"fmt"
	"image"
	"sort"
)

// BoundingBox is an axis-aligned detection in integer pixel coordinates.
type BoundingBox struct {
	X1      int     `json:"x1"`
	Y1      int     `json:"y1"`
	X2      int     `json:"x2"`
	Y2      int     `json:"y2"`
	ClassID int     `json:"class_id"`
	Score   float64 `json:"score"`
}

// Area returns (x2-x1)*(y2-y1). Degenerate boxes have zero area.
func (b BoundingBox) Area() int {
	w, h := b.X2-b.X1, b.Y2-b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Valid reports whether x1<x2 and y1<y2.
func (b BoundingBox) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

// DetectionResult is the ordered list of boxes found in one image.
type DetectionResult []BoundingBox

// InstanceMask is one segmented instance at the model's native resolution.
type InstanceMask struct {
	ClassID int     `json:"class_id"`
	Score   float64 `json:"score"`
	Mask    Mask    `json:"-"`
}

// SegmentationResult is the ordered list of instances found in one crop.
type SegmentationResult []InstanceMask

// LeafClassSet holds the segmentation class ids that represent leaf tissue.
type LeafClassSet map[int]struct{}

// NewLeafClassSet builds a set from ids.
func NewLeafClassSet(ids ...int) LeafClassSet {
	s := make(LeafClassSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports membership.
func (s LeafClassSet) Contains(id int) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the members in ascending order.
func (s LeafClassSet) IDs() []int {
	ids := make([]int, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// ClassPairing maps a leaf class id to the lesion class id drawn on it.
// Leaf classes without an entry have no lesion class.
type ClassPairing map[int]int

// ClassConfig is the per-deployment class vocabulary of the segmentation model.
type ClassConfig struct {
	LeafClasses LeafClassSet
	Pairing     ClassPairing
	Names       map[int]string
}

// DefaultClassConfig is the deployed vocabulary: leaves {0,2,3}, lesion
// pairs 0->1 and 3->4. Leaf class 2 has no lesion class.
func DefaultClassConfig() ClassConfig {
	return ClassConfig{
		LeafClasses: NewLeafClassSet(0, 2, 3),
		Pairing:     ClassPairing{0: 1, 3: 4},
	}
}

// Validate checks that every pairing starts at a leaf class and ends at a
// class that is not itself a leaf class.
func (c ClassConfig) Validate() error {
	if len(c.LeafClasses) == 0 {
		return fmt.Errorf("leaf class set is empty")
	}
	for leaf, lesion := range c.Pairing {
		if !c.LeafClasses.Contains(leaf) {
			return fmt.Errorf("pairing key %d is not a leaf class", leaf)
		}
		if c.LeafClasses.Contains(lesion) {
			return fmt.Errorf("pairing %d -> %d targets a leaf class", leaf, lesion)
		}
	}
	return nil
}

// Name returns the configured label of a class id.
func (c ClassConfig) Name(id int) string {
	if n, ok := c.Names[id]; ok && n != "" {
		return n
	}
	return fmt.Sprintf("class_%d", id)
}

// lesionClassesFor resolves the lesion ids paired with the given leaf classes.
func (c ClassConfig) lesionClassesFor(leaves map[int]struct{}) map[int]struct{} {
	out := make(map[int]struct{}, len(leaves))
	for leaf := range leaves {
		if lesion, ok := c.Pairing[leaf]; ok {
			out[lesion] = struct{}{}
		}
	}
	return out
}

// CropRegion records the box a crop came from and the padded, clamped
// rectangle that was actually cut out of the source image.
type CropRegion struct {
	Source BoundingBox
	Padded image.Rectangle
}

// Width of the padded region.
func (r CropRegion) Width() int { return r.Padded.Dx() }

// Height of the padded region.
func (r CropRegion) Height() int { return r.Padded.Dy() }

// MarshalJSON emits the padded bounds as [x1, y1, x2, y2].
func (r CropRegion) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Box    BoundingBox `json:"box"`
		Padded [4]int      `json:"padded"`
	}{
		Box:    r.Source,
		Padded: [4]int{r.Padded.Min.X, r.Padded.Min.Y, r.Padded.Max.X, r.Padded.Max.Y},
	})
}

// SeverityRecord is the complete result for one analysed crop.
type SeverityRecord struct {
	BoxIndex        int         `json:"box_index"`
	Region          CropRegion  `json:"region"`
	LeafPixels      int         `json:"leaf_px"`
	LesionPixels    int         `json:"lesion_px"`
	SeverityPercent float64     `json:"severity"`
	OverlayName     string      `json:"filename,omitempty"`
	Overlay         image.Image `json:"-"`
}
