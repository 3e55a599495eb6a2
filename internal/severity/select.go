package severity

import "fmt"

// SelectionMode decides which detections are analysed.
type SelectionMode string

const (
	// SelectLargest analyses only the box with the largest area.
	SelectLargest SelectionMode = "single-largest"
	// SelectAll analyses every box in detection order.
	SelectAll SelectionMode = "all"
)

// ModeFor maps the multi_leaf switch to a selection mode.
func ModeFor(multiLeaf bool) SelectionMode {
	if multiLeaf {
		return SelectAll
	}
	return SelectLargest
}

// ParseSelectionMode validates a mode name.
func ParseSelectionMode(s string) (SelectionMode, error) {
	switch SelectionMode(s) {
	case SelectLargest, SelectAll:
		return SelectionMode(s), nil
	case "":
		return SelectLargest, nil
	default:
		return "", fmt.Errorf("unknown selection mode %q", s)
	}
}

// SelectBoxes returns the indices of the boxes to analyse, in input order.
// Ties for the largest area go to the first box.
func SelectBoxes(dets DetectionResult, mode SelectionMode) ([]int, error) {
	if len(dets) == 0 {
		return nil, ErrNoDetections
	}

	switch mode {
	case SelectAll:
		idxs := make([]int, len(dets))
		for i := range dets {
			idxs[i] = i
		}
		return idxs, nil
	case SelectLargest, "":
		best := 0
		for i := 1; i < len(dets); i++ {
			if dets[i].Area() > dets[best].Area() {
				best = i
			}
		}
		return []int{best}, nil
	default:
		return nil, fmt.Errorf("unknown selection mode %q", mode)
	}
}
