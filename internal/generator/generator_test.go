package generator

import (
	"bytes"
	"context"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lazyimage/internal/cache"
	"lazyimage/internal/codec"
	"lazyimage/internal/resample"
	"lazyimage/internal/surface"
	"lazyimage/internal/trace"
)

func gradient(w, h int, seed byte) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(x, y)
			img.Pix[i] = byte(x) + seed
			img.Pix[i+1] = byte(y)
			img.Pix[i+2] = byte(x+y) ^ seed
			img.Pix[i+3] = 255
		}
	}
	return img
}

func zframe(t *testing.T, durations []time.Duration, frames ...image.Image) []byte {
	t.Helper()
	b := frames[0].Bounds()
	var buf bytes.Buffer
	require.NoError(t, codec.EncodeZFrame(&buf, codec.ZFrameImage{
		Width:     b.Dx(),
		Height:    b.Dy(),
		LoopCount: codec.LoopInfinite,
		Frames:    frames,
		Durations: durations,
	}))
	return buf.Bytes()
}

// countingResampler counts resample calls and can hold them until released.
type countingResampler struct {
	inner resample.Resampler
	calls atomic.Int64
	gate  chan struct{}
}

func (r *countingResampler) Name() string { return "counting" }

func (r *countingResampler) Resample(src *surface.Surface, target cache.Size, subset image.Rectangle) (*surface.Surface, error) {
	r.calls.Add(1)
	if r.gate != nil {
		<-r.gate
	}
	return r.inner.Resample(src, target, subset)
}

type fixture struct {
	gen       *FrameGenerator
	cache     *cache.DecodeCache
	resampler *countingResampler
	tracer    *trace.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		cache:     cache.New(cache.Options{MaxBytes: 64 << 20}, nil),
		resampler: &countingResampler{inner: resample.NewLanczos()},
		tracer:    &trace.Recorder{},
	}
	f.gen = New(Options{
		Cache:     f.cache,
		Resampler: f.resampler,
		Tracer:    f.tracer,
		Policy:    cache.DefaultPolicyOptions(),
	})
	t.Cleanup(f.gen.Close)
	return f
}

func full(s cache.Size) image.Rectangle { return s.Rect() }

func TestDecodeAndScaleNativeSize(t *testing.T) {
	f := newFixture(t)
	src := gradient(40, 30, 1)
	require.NoError(t, f.gen.SetData(zframe(t, nil, src), true))

	size, err := f.gen.FullSize()
	require.NoError(t, err)
	assert.Equal(t, cache.Size{W: 40, H: 30}, size)
	assert.Equal(t, "zframe", f.gen.ImageType())

	h, err := f.gen.DecodeAndScale(context.Background(), size, 0, full(size))
	require.NoError(t, err)
	defer h.Release()

	assert.True(t, h.Cached())
	assert.Equal(t, src.Pix, h.Surface().Pix())
	assert.Zero(t, f.resampler.calls.Load())
	assert.Equal(t, 1, f.tracer.Count(trace.EventDecodeImage, true))
	assert.Equal(t, 1, f.tracer.Count(trace.EventDecodeImage, false))
}

func TestConcurrentRequestsShareOneDecode(t *testing.T) {
	f := newFixture(t)
	f.resampler.gate = make(chan struct{})
	require.NoError(t, f.gen.SetData(zframe(t, nil, gradient(300, 300, 2)), true))

	target := cache.Size{W: 150, H: 150}
	const n = 8
	var wg sync.WaitGroup
	handles := make([]*cache.Handle, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = f.gen.DecodeAndScale(context.Background(), target, 0, full(target))
		}(i)
	}

	require.Eventually(t, func() bool { return f.resampler.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(f.resampler.gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 150, handles[i].Surface().Width())
		assert.True(t, surface.Equal(handles[0].Surface(), handles[i].Surface()))
		handles[i].Release()
	}
	assert.EqualValues(t, 1, f.gen.DecodeCount())
	assert.EqualValues(t, 1, f.resampler.calls.Load())
	assert.Zero(t, f.cache.Stats().Referenced)
}

func TestIncompleteDataIsNeverCached(t *testing.T) {
	f := newFixture(t)
	data := zframe(t, nil, gradient(1000, 1000, 3))
	require.NoError(t, f.gen.SetData(data, false))

	target := cache.Size{W: 50, H: 50}
	before := f.cache.Len()
	h, err := f.gen.DecodeAndScale(context.Background(), target, 0, full(target))
	require.NoError(t, err)
	assert.False(t, h.Cached())
	h.Release()
	assert.Equal(t, before, f.cache.Len())
	assert.False(t, f.gen.IsCached(target, 0))

	require.NoError(t, f.gen.SetData(data, true))
	h, err = f.gen.DecodeAndScale(context.Background(), target, 0, full(target))
	require.NoError(t, err)
	assert.True(t, h.Cached())
	h.Release()
	assert.True(t, f.gen.IsCached(target, 0))
}

func TestRepeatedRequestsAreCached(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gen.SetData(zframe(t, nil, gradient(400, 400, 4)), true))

	// 80x80 of a 200x200 target is neither small nor a quarter of the target.
	target := cache.Size{W: 200, H: 200}
	subset := image.Rect(0, 0, 80, 80)
	for i := 1; i <= 4; i++ {
		h, err := f.gen.DecodeAndScale(context.Background(), target, 0, subset)
		require.NoError(t, err)
		assert.False(t, h.Cached(), "request %d", i)
		h.Release()
	}

	h, err := f.gen.DecodeAndScale(context.Background(), target, 0, subset)
	require.NoError(t, err)
	assert.True(t, h.Cached())
	h.Release()
	assert.EqualValues(t, 5, f.resampler.calls.Load())

	h, err = f.gen.DecodeAndScale(context.Background(), target, 0, subset)
	require.NoError(t, err)
	h.Release()
	assert.EqualValues(t, 5, f.resampler.calls.Load())
	assert.EqualValues(t, 1, f.gen.DecodeCount())
}

func TestShapeChangeReplacesCachedResample(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gen.SetData(zframe(t, nil, gradient(300, 300, 5)), true))

	small := cache.Size{W: 100, H: 100}
	large := cache.Size{W: 150, H: 150}

	h, err := f.gen.DecodeAndScale(context.Background(), small, 0, full(small))
	require.NoError(t, err)
	h.Release()
	assert.True(t, f.gen.IsCached(small, 0))

	h, err = f.gen.DecodeAndScale(context.Background(), large, 0, full(large))
	require.NoError(t, err)
	h.Release()
	assert.True(t, f.gen.IsCached(large, 0))
	assert.False(t, f.gen.IsCached(small, 0))
}

func TestSubsetServedFromCachedFullTarget(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gen.SetData(zframe(t, nil, gradient(400, 400, 6)), true))

	target := cache.Size{W: 200, H: 200}
	h, err := f.gen.DecodeAndScale(context.Background(), target, 0, full(target))
	require.NoError(t, err)
	whole := h.Surface()
	h.Release()

	calls := f.resampler.calls.Load()
	sub := image.Rect(10, 10, 50, 50)
	h, err = f.gen.DecodeAndScale(context.Background(), target, 0, sub)
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, calls, f.resampler.calls.Load())
	assert.True(t, surface.Equal(whole.Sub(sub), h.Surface()))

	direct, err := resample.NewLanczos().Resample(mustNative(t, f.gen), target, sub)
	require.NoError(t, err)
	assert.True(t, surface.Equal(direct, h.Surface()))
}

func mustNative(t *testing.T, g *FrameGenerator) *surface.Surface {
	t.Helper()
	size, err := g.FullSize()
	require.NoError(t, err)
	h, err := g.DecodeAndScale(context.Background(), size, 0, full(size))
	require.NoError(t, err)
	defer h.Release()
	return h.Surface()
}

func TestStreamingData(t *testing.T) {
	f := newFixture(t)
	data := zframe(t, []time.Duration{5 * time.Millisecond, 40 * time.Millisecond},
		gradient(32, 32, 7), gradient(32, 32, 8))

	_, err := f.gen.FullSize()
	assert.ErrorIs(t, err, ErrIncompleteData)

	half := len(data) - 10
	require.NoError(t, f.gen.Append(data[:half], false))
	assert.Equal(t, 2, f.gen.FrameCount())
	assert.True(t, f.gen.IsFrameComplete(0))
	assert.False(t, f.gen.IsFrameComplete(1))

	size := cache.Size{W: 32, H: 32}
	_, err = f.gen.DecodeAndScale(context.Background(), size, 1, full(size))
	assert.ErrorIs(t, err, ErrIncompleteData)

	assert.ErrorIs(t, f.gen.SetData(data[:5], false), ErrDataShrunk)
	require.NoError(t, f.gen.SetData(data, false))
	require.NoError(t, f.gen.Append(nil, true))
	assert.ErrorIs(t, f.gen.Append([]byte{0}, true), ErrDataComplete)

	copied, complete := f.gen.CopyData()
	assert.Equal(t, data, copied)
	assert.True(t, complete)
	assert.Equal(t, 2, f.gen.FrameCount())
	assert.Equal(t, codec.LoopInfinite, f.gen.RepetitionCount())
	assert.Equal(t, 100*time.Millisecond, f.gen.FrameDuration(0))
	assert.Equal(t, 40*time.Millisecond, f.gen.FrameDuration(1))

	h, err := f.gen.DecodeAndScale(context.Background(), size, 1, full(size))
	require.NoError(t, err)
	h.Release()
}

func TestDecodeFailureIsSticky(t *testing.T) {
	f := newFixture(t)
	data := zframe(t, nil, gradient(16, 16, 9))
	data[len(data)-3] ^= 0xff
	data[len(data)-4] ^= 0xff
	require.NoError(t, f.gen.SetData(data, true))

	size := cache.Size{W: 16, H: 16}
	for i := 0; i < 2; i++ {
		_, err := f.gen.DecodeAndScale(context.Background(), size, 0, full(size))
		assert.ErrorIs(t, err, ErrDecodeFailure)
		assert.ErrorIs(t, err, codec.ErrCorrupt)
	}
	assert.EqualValues(t, 1, f.gen.DecodeCount())
}

func TestInvalidRequests(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gen.SetData(zframe(t, nil, gradient(20, 20, 10)), true))

	target := cache.Size{W: 10, H: 10}
	_, err := f.gen.DecodeAndScale(context.Background(), target, 0, image.Rect(5, 5, 20, 20))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.gen.DecodeAndScale(context.Background(), cache.Size{}, 0, image.Rect(0, 0, 1, 1))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.gen.DecodeAndScale(context.Background(), target, 3, full(target))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = New(Options{}).DecodeAndScale(context.Background(), target, 0, full(target))
	assert.ErrorIs(t, err, ErrIncompleteData)
}

func TestOversizedTargetIsRejected(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gen.SetData(zframe(t, nil, gradient(16, 16, 11)), true))

	huge := cache.Size{W: 1 << 31, H: 1 << 31}
	assert.NotPanics(t, func() {
		_, err := f.gen.DecodeAndScale(context.Background(), huge, 0, image.Rect(0, 0, 16, 16))
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	wide := cache.Size{W: DefaultMaxTargetPixels + 1, H: 1}
	_, err := f.gen.DecodeAndScale(context.Background(), wide, 0, image.Rect(0, 0, 16, 1))
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Zero(t, f.resampler.calls.Load())
}

func TestMaxTargetPixelsOption(t *testing.T) {
	c := cache.New(cache.Options{}, nil)
	gen := New(Options{Cache: c, MaxTargetPixels: 100 * 100})
	t.Cleanup(gen.Close)
	require.NoError(t, gen.SetData(zframe(t, nil, gradient(50, 50, 12)), true))

	h, err := gen.DecodeAndScale(context.Background(), cache.Size{W: 100, H: 100}, 0, image.Rect(0, 0, 10, 10))
	require.NoError(t, err)
	h.Release()

	_, err = gen.DecodeAndScale(context.Background(), cache.Size{W: 101, H: 100}, 0, image.Rect(0, 0, 10, 10))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

type panickingResampler struct{}

func (panickingResampler) Name() string { return "panicking" }

func (panickingResampler) Resample(*surface.Surface, cache.Size, image.Rectangle) (*surface.Surface, error) {
	panic("out of memory")
}

func TestPanicInFlightBecomesDecodeFailure(t *testing.T) {
	c := cache.New(cache.Options{}, nil)
	gen := New(Options{Cache: c, Resampler: panickingResampler{}})
	t.Cleanup(gen.Close)
	require.NoError(t, gen.SetData(zframe(t, nil, gradient(32, 32, 13)), true))

	target := cache.Size{W: 16, H: 16}
	assert.NotPanics(t, func() {
		_, err := gen.DecodeAndScale(context.Background(), target, 0, full(target))
		assert.ErrorIs(t, err, ErrDecodeFailure)
	})

	// The native frame decoded before the panic is still usable.
	h, err := gen.DecodeAndScale(context.Background(), cache.Size{W: 32, H: 32}, 0, image.Rect(0, 0, 32, 32))
	require.NoError(t, err)
	h.Release()
}

func TestCachedFragmentOwnsItsPixels(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gen.SetData(zframe(t, nil, gradient(100, 100, 14)), true))

	target := cache.Size{W: 2000, H: 2000}
	h, err := f.gen.DecodeAndScale(context.Background(), target, 0, image.Rect(100, 200, 164, 264))
	require.NoError(t, err)
	defer h.Release()

	require.True(t, h.Cached())
	assert.Equal(t, 64*4, h.Surface().Stride())
	assert.Len(t, h.Surface().Pix(), 64*64*4)

	// Native frame plus the fragment, nothing from the 2000x2000 scale.
	assert.EqualValues(t, 100*100*4+64*64*4, f.cache.Stats().Bytes)
}

func TestWaiterCanGiveUp(t *testing.T) {
	f := newFixture(t)
	f.resampler.gate = make(chan struct{})
	require.NoError(t, f.gen.SetData(zframe(t, nil, gradient(64, 64, 11)), true))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	target := cache.Size{W: 32, H: 32}
	_, err := f.gen.DecodeAndScale(ctx, target, 0, full(target))
	assert.ErrorIs(t, err, context.Canceled)

	// The abandoned flight still completes and fills the cache.
	close(f.resampler.gate)
	assert.Eventually(t, func() bool { return f.gen.IsCached(target, 0) }, time.Second, time.Millisecond)
}

func TestCloseRemovesEntries(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gen.SetData(zframe(t, nil, gradient(20, 20, 12)), true))

	size := cache.Size{W: 20, H: 20}
	h, err := f.gen.DecodeAndScale(context.Background(), size, 0, full(size))
	require.NoError(t, err)
	h.Release()
	require.Equal(t, 1, f.cache.Len())

	f.gen.Close()
	assert.Zero(t, f.cache.Len())
	_, err = f.gen.DecodeAndScale(context.Background(), size, 0, full(size))
	assert.ErrorIs(t, err, ErrClosed)
}
