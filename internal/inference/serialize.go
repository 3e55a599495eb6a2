package inference

import (
	"context"
	"image"
	"reflect"
	"sync"

	"github.com/MeKo-Tech/leafscan/internal/severity"
)

// backendLocks holds one mutex per wrapped backend so that every wrapper
// around the same cached model shares it.
var backendLocks sync.Map // Segmenter -> *sync.Mutex

func lockFor(s Segmenter) *sync.Mutex {
	if t := reflect.TypeOf(s); t == nil || !t.Comparable() {
		return &sync.Mutex{}
	}
	mu, _ := backendLocks.LoadOrStore(s, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// serializedSegmenter funnels calls through a single lock for backends that
// are not reentrant.
type serializedSegmenter struct {
	mu   *sync.Mutex
	next Segmenter
}

// Serialized returns a Segmenter that runs at most one call at a time.
// Wrappers around the same backend share one lock.
func Serialized(s Segmenter) Segmenter {
	if _, ok := s.(*serializedSegmenter); ok {
		return s
	}
	return &serializedSegmenter{mu: lockFor(s), next: s}
}

func (s *serializedSegmenter) Segment(ctx context.Context, img image.Image, opts Options) (severity.SegmentationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.next.Segment(ctx, img, opts)
}

// Close is a no-op; the wrapped backend belongs to whoever created it.
func (s *serializedSegmenter) Close() error { return nil }
