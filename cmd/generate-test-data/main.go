package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/MeKo-Tech/leafscan/internal/testutil"
	"github.com/disintegration/imaging"
)

// groundTruth is written next to every generated scene.
type groundTruth struct {
	Image  string      `json:"image"`
	Width  int         `json:"width"`
	Height int         `json:"height"`
	Leaves []leafTruth `json:"leaves"`
}

type leafTruth struct {
	Box      [4]int  `json:"box"`
	Lesion   [4]int  `json:"lesion"`
	Severity float64 `json:"severity"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	var (
		outDir = flag.String("out", "testdata/scenes", "output directory")
		count  = flag.Int("n", 8, "number of random scenes")
		seed   = flag.Uint64("seed", 1, "random seed")
		help   = flag.Bool("h", false, "Show help")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Generate synthetic field photos with known leaf severities.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}

	if err := testutil.EnsureDir(*outDir); err != nil {
		slog.Error("Failed to create output directory", "error", err)
		os.Exit(1)
	}

	rng := rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15))
	scenes := map[string]testutil.Scene{"default": testutil.DefaultScene()}
	for i := range *count {
		scenes[fmt.Sprintf("random_%02d", i+1)] = randomScene(rng)
	}

	for name, scene := range scenes {
		if err := writeScene(*outDir, name, scene); err != nil {
			slog.Error("Failed to write scene", "name", name, "error", err)
			os.Exit(1)
		}
	}
	slog.Info("Generated scenes", "count", len(scenes), "dir", *outDir)
}

// randomScene places one to three non-overlapping leaves side by side.
func randomScene(rng *rand.Rand) testutil.Scene {
	s := testutil.Scene{Width: 480, Height: 320}
	n := 1 + rng.IntN(3)
	slot := s.Width / n
	for i := range n {
		w := 40 + rng.IntN(slot-60)
		h := 60 + rng.IntN(s.Height-100)
		x := i*slot + 10 + rng.IntN(slot-w-10)
		y := 10 + rng.IntN(s.Height-h-20)
		leaf := image.Rect(x, y, x+w, y+h)

		lw := 1 + rng.IntN(w)
		lh := 1 + rng.IntN(h/2)
		lx := x + rng.IntN(w-lw+1)
		ly := y + rng.IntN(h-lh+1)
		s.Leaves = append(s.Leaves, testutil.Leaf{Rect: leaf, Lesion: image.Rect(lx, ly, lx+lw, ly+lh)})
	}
	return s
}

func writeScene(dir, name string, s testutil.Scene) error {
	imageName := name + ".png"
	if err := imaging.Save(s.Render(), filepath.Join(dir, imageName)); err != nil {
		return fmt.Errorf("failed to save image: %w", err)
	}

	truth := groundTruth{Image: imageName, Width: s.Width, Height: s.Height}
	for _, l := range s.Leaves {
		truth.Leaves = append(truth.Leaves, leafTruth{
			Box:      [4]int{l.Rect.Min.X, l.Rect.Min.Y, l.Rect.Max.X, l.Rect.Max.Y},
			Lesion:   [4]int{l.Lesion.Min.X, l.Lesion.Min.Y, l.Lesion.Max.X, l.Lesion.Max.Y},
			Severity: l.Severity(),
		})
	}
	data, err := json.MarshalIndent(truth, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name+".json"), data, 0o600)
}
