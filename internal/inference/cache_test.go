package inference

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModel struct {
	name   string
	closed atomic.Bool
}

func (f *fakeModel) Close() error {
	f.closed.Store(true)
	return nil
}

func TestCache_PopulatesOncePerKey(t *testing.T) {
	c := NewCache()
	var created atomic.Int32

	var wg sync.WaitGroup
	handles := make([]io.Closer, 32)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := c.GetOrCreate("detect|onnx|leaf.onnx", func() (io.Closer, error) {
				created.Add(1)
				time.Sleep(10 * time.Millisecond)
				return &fakeModel{name: "leaf"}, nil
			})
			require.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
	assert.Equal(t, []string{"detect|onnx|leaf.onnx"}, c.Keys())
	assert.Equal(t, 1, c.Loads())
}

func TestCache_FailedLoadIsRetried(t *testing.T) {
	c := NewCache()
	boom := errors.New("missing weights")

	_, err := c.GetOrCreate("k", func() (io.Closer, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	assert.Empty(t, c.Keys())

	h, err := c.GetOrCreate("k", func() (io.Closer, error) { return &fakeModel{}, nil })
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, 2, c.Loads())
}

func TestCache_PanickingLoadReleasesWaiters(t *testing.T) {
	c := NewCache()
	started := make(chan struct{})
	release := make(chan struct{})

	waiterErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrCreate("k", func() (io.Closer, error) {
			close(started)
			<-release
			panic("corrupt weights")
		})
		waiterErr <- err
	}()
	<-started

	second := make(chan error, 1)
	go func() {
		_, err := c.GetOrCreate("k", func() (io.Closer, error) { return &fakeModel{}, nil })
		second <- err
	}()
	time.Sleep(10 * time.Millisecond)
	close(release)

	select {
	case err := <-waiterErr:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "corrupt weights")
	case <-time.After(2 * time.Second):
		t.Fatal("panicking load never returned")
	}
	// The second lookup either shared the failed load or retried after it.
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("lookup blocked after a panicking load")
	}

	h, err := c.GetOrCreate("k", func() (io.Closer, error) { return &fakeModel{}, nil })
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestCache_CloseReleasesModels(t *testing.T) {
	c := NewCache()
	a, err := Get(c, "a", func() (*fakeModel, error) { return &fakeModel{name: "a"}, nil })
	require.NoError(t, err)
	b, err := Get(c, "b", func() (*fakeModel, error) { return &fakeModel{name: "b"}, nil })
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.True(t, a.closed.Load())
	assert.True(t, b.closed.Load())

	_, err = c.GetOrCreate("a", func() (io.Closer, error) { return &fakeModel{}, nil })
	require.ErrorIs(t, err, ErrCacheClosed)
	require.NoError(t, c.Close(), "second close is a no-op")
}

func TestGet_TypeMismatch(t *testing.T) {
	c := NewCache()
	_, err := Get(c, "shared", func() (*fakeModel, error) { return &fakeModel{}, nil })
	require.NoError(t, err)

	_, err = Get(c, "shared", func() (*RemoteClient, error) { return &RemoteClient{}, nil })
	require.Error(t, err)
}
