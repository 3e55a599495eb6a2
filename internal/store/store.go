// Package store persists overlay images under the names the presentation
// layer expects.
package store

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
)

const (
	cropPrefix      = "severity_crop_"
	detectionPrefix = "det_annotated_"
	annotatedPrefix = "annotated_"
	segmentPrefix   = "seg_annotated_"
)

// CropOverlayName is the artifact name of the overlay for one box.
func CropOverlayName(boxIndex int, filename string) string {
	return fmt.Sprintf("%s%d_%s", cropPrefix, boxIndex, cleanBase(filename))
}

// DetectionOverlayName is the whole-image detection visualization name.
func DetectionOverlayName(filename string) string {
	return detectionPrefix + cleanBase(filename)
}

// AnnotatedName is the output of a detection-only run.
func AnnotatedName(filename string) string {
	return annotatedPrefix + cleanBase(filename)
}

// SegmentationOverlayName is the output of a segmentation-only run.
func SegmentationOverlayName(filename string) string {
	return segmentPrefix + cleanBase(filename)
}

// cleanBase strips directories so names cannot escape the store.
func cleanBase(name string) string {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if base == "/" || base == "." {
		return "image.png"
	}
	return base
}

// Store persists rendered images.
type Store interface {
	// Save writes img under name and returns the name actually used.
	Save(name string, img image.Image) (string, error)
}

// Dir writes artifacts into a directory.
type Dir struct {
	root string
	mu   sync.Mutex
}

// NewDir creates root if needed.
func NewDir(root string) (*Dir, error) {
	if root == "" {
		return nil, errors.New("output directory is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &Dir{root: root}, nil
}

// Root returns the directory path.
func (d *Dir) Root() string { return d.root }

// Save encodes by extension; names without a known image extension get .png.
func (d *Dir) Save(name string, img image.Image) (string, error) {
	name = cleanBase(name)
	if _, err := imaging.FormatFromFilename(name); err != nil {
		name += ".png"
	}
	path := filepath.Join(d.root, name)

	// Concurrent crops never share a name, but a re-run may overwrite one.
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := imaging.Save(img, path); err != nil {
		return "", fmt.Errorf("save %s: %w", name, err)
	}
	return name, nil
}

// Path resolves a stored artifact, rejecting anything outside the store.
func (d *Dir) Path(name string) (string, error) {
	clean := cleanBase(name)
	if clean != name {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	path := filepath.Join(d.root, clean)
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

// List returns the stored artifact names in sorted order.
func (d *Dir) List() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := imaging.FormatFromFilename(e.Name()); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
