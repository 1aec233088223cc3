package cache

import (
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lazyimage/internal/surface"
)

// gradient builds a w×h surface whose pixels encode their coordinates.
func gradient(t *testing.T, w, h int) *surface.Surface {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 255})
		}
	}
	s, err := surface.Adopt(img)
	require.NoError(t, err)
	return s
}

func fullKey(gen uuid.UUID, frame, w, h int) Key {
	return FullKey(gen, Size{W: 1000, H: 1000}, frame, Size{W: w, H: h})
}

func TestLockMissThenHit(t *testing.T) {
	c := New(Options{}, nil)
	gen := uuid.New()
	key := fullKey(gen, 0, 20, 20)

	_, ok := c.Lock(gen, key.Target, 0, key.Subset)
	assert.False(t, ok)

	require.NoError(t, c.Insert(key, gradient(t, 20, 20)))

	h, ok := c.Lock(gen, key.Target, 0, key.Subset)
	require.True(t, ok)
	defer h.Release()
	assert.True(t, h.Cached())
	assert.Equal(t, 20, h.Surface().Width())

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, 1, st.Referenced)
}

func TestLockServesContainedSubset(t *testing.T) {
	c := New(Options{}, nil)
	gen := uuid.New()
	full := gradient(t, 200, 200)
	require.NoError(t, c.Insert(fullKey(gen, 0, 200, 200), full))

	want := image.Rect(10, 10, 60, 60)
	h, ok := c.Lock(gen, Size{W: 200, H: 200}, 0, want)
	require.True(t, ok)
	defer h.Release()

	assert.Equal(t, 50, h.Surface().Width())
	assert.Equal(t, 50, h.Surface().Height())
	assert.True(t, surface.Equal(full.Sub(want), h.Surface()))

	_, ok = c.Lock(gen, Size{W: 200, H: 200}, 1, want)
	assert.False(t, ok, "different frame must miss")
	_, ok = c.Lock(gen, Size{W: 100, H: 100}, 0, image.Rect(0, 0, 10, 10))
	assert.False(t, ok, "different target size must miss")
}

func TestInsertCompactsViews(t *testing.T) {
	c := New(Options{}, nil)
	gen := uuid.New()
	parent := gradient(t, 400, 400)
	subset := image.Rect(0, 0, 32, 32)
	key := Key{Generator: gen, FullSize: Size{W: 100, H: 100}, Target: Size{W: 400, H: 400}, Subset: subset}

	view := parent.Sub(subset)
	require.NoError(t, c.Insert(key, view))
	assert.EqualValues(t, 32*32*4, c.Stats().Bytes)

	h, ok := c.Lock(gen, key.Target, 0, subset)
	require.True(t, ok)
	defer h.Release()
	assert.Equal(t, 32*4, h.Surface().Stride())
	assert.True(t, surface.Equal(view, h.Surface()))
}

func TestLockUncountedLeavesStats(t *testing.T) {
	c := New(Options{}, nil)
	gen := uuid.New()
	key := fullKey(gen, 0, 20, 20)

	_, ok := c.LockUncounted(gen, key.Target, 0, key.Subset)
	assert.False(t, ok)
	require.NoError(t, c.Insert(key, gradient(t, 20, 20)))
	h, ok := c.LockUncounted(gen, key.Target, 0, key.Subset)
	require.True(t, ok)
	h.Release()

	st := c.Stats()
	assert.Zero(t, st.Hits)
	assert.Zero(t, st.Misses)
}

func TestLockPrefersSmallestContainingEntry(t *testing.T) {
	c := New(Options{}, nil)
	gen := uuid.New()
	target := Size{W: 400, H: 400}

	left := Key{Generator: gen, FullSize: Size{W: 800, H: 800}, Target: target, Subset: image.Rect(0, 0, 200, 400)}
	right := Key{Generator: gen, FullSize: Size{W: 800, H: 800}, Target: target, Subset: image.Rect(200, 0, 400, 400)}
	require.NoError(t, c.Insert(left, gradient(t, 200, 400)))
	require.NoError(t, c.Insert(right, gradient(t, 200, 400)))
	assert.Equal(t, 2, c.Len(), "disjoint subsets coexist")

	h, ok := c.Lock(gen, target, 0, image.Rect(250, 10, 260, 20))
	require.True(t, ok)
	defer h.Release()
	assert.Equal(t, 10, h.Surface().Width())

	_, ok = c.Lock(gen, target, 0, image.Rect(150, 0, 250, 10))
	assert.False(t, ok, "a subset spanning two entries is a miss")
}

func TestEvictAllSkipsLockedEntries(t *testing.T) {
	c := New(Options{}, nil)
	gen := uuid.New()
	locked := fullKey(gen, 0, 10, 10)
	idle := fullKey(gen, 1, 10, 10)
	require.NoError(t, c.Insert(locked, gradient(t, 10, 10)))
	require.NoError(t, c.Insert(idle, gradient(t, 10, 10)))

	h, ok := c.Lock(gen, locked.Target, 0, locked.Subset)
	require.True(t, ok)

	assert.Equal(t, 1, c.EvictAll())
	assert.True(t, c.IsCached(gen, locked.Target, 0))
	assert.False(t, c.IsCached(gen, idle.Target, 1))

	h.Release()
	assert.True(t, c.IsCached(gen, locked.Target, 0), "release never evicts")
	assert.Equal(t, 1, c.EvictAll())
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Stats().Bytes)
}

func TestPruneEvictsLeastRecentlyUsed(t *testing.T) {
	one := gradient(t, 10, 10).ByteSize()
	c := New(Options{MaxBytes: 2 * one}, nil)
	gen := uuid.New()

	k0, k1, k2 := fullKey(gen, 0, 10, 10), fullKey(gen, 1, 10, 10), fullKey(gen, 2, 10, 10)
	require.NoError(t, c.Insert(k0, gradient(t, 10, 10)))
	require.NoError(t, c.Insert(k1, gradient(t, 10, 10)))

	h, ok := c.Lock(gen, k0.Target, 0, k0.Subset)
	require.True(t, ok)
	h.Release()

	require.NoError(t, c.Insert(k2, gradient(t, 10, 10)))
	assert.True(t, c.Contains(k0))
	assert.False(t, c.Contains(k1), "k1 was least recently used")
	assert.True(t, c.Contains(k2))
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestPruneNeverEvictsReferenced(t *testing.T) {
	one := gradient(t, 10, 10).ByteSize()
	c := New(Options{MaxBytes: one}, nil)
	gen := uuid.New()

	k0, k1 := fullKey(gen, 0, 10, 10), fullKey(gen, 1, 10, 10)
	h0, err := c.InsertAndLock(k0, gradient(t, 10, 10))
	require.NoError(t, err)
	h1, err := c.InsertAndLock(k1, gradient(t, 10, 10))
	require.NoError(t, err)

	assert.Equal(t, 0, c.Prune())
	assert.Equal(t, 2, c.Len())

	h0.Release()
	assert.Equal(t, 1, c.Prune())
	assert.False(t, c.Contains(k0))
	assert.True(t, c.Contains(k1))
	h1.Release()
}

func TestInsertReplacesOverlappingSubset(t *testing.T) {
	c := New(Options{}, nil)
	gen := uuid.New()
	target := Size{W: 100, H: 100}
	first := Key{Generator: gen, FullSize: Size{W: 400, H: 400}, Target: target, Subset: image.Rect(0, 0, 60, 60)}
	second := Key{Generator: gen, FullSize: Size{W: 400, H: 400}, Target: target, Subset: image.Rect(40, 40, 100, 100)}

	old, err := c.InsertAndLock(first, gradient(t, 60, 60))
	require.NoError(t, err)
	require.NoError(t, c.Insert(second, gradient(t, 60, 60)))

	assert.False(t, c.Contains(first), "last writer wins")
	assert.True(t, c.Contains(second))
	assert.Equal(t, 1, c.Len())

	st := c.Stats()
	assert.Equal(t, 1, st.Detached)
	assert.Equal(t, 2*old.Surface().ByteSize(), st.Bytes)

	assert.Equal(t, 60, old.Surface().Width(), "replaced surface stays readable while locked")
	old.Release()
	old.Release()

	st = c.Stats()
	assert.Equal(t, 0, st.Detached)
	assert.Equal(t, old.Surface().ByteSize(), st.Bytes)
}

func TestEvictExceptFrame(t *testing.T) {
	c := New(Options{}, nil)
	gen, other := uuid.New(), uuid.New()
	for frame := 0; frame < 3; frame++ {
		require.NoError(t, c.Insert(fullKey(gen, frame, 8, 8), gradient(t, 8, 8)))
	}
	require.NoError(t, c.Insert(fullKey(other, 0, 8, 8), gradient(t, 8, 8)))

	assert.Equal(t, 2, c.EvictExceptFrame(gen, 1))
	assert.True(t, c.IsCached(gen, Size{W: 8, H: 8}, 1))
	assert.False(t, c.IsCached(gen, Size{W: 8, H: 8}, 0))
	assert.True(t, c.IsCached(other, Size{W: 8, H: 8}, 0))
}

func TestRemoveGeneratorDetachesLockedEntries(t *testing.T) {
	c := New(Options{}, nil)
	gen := uuid.New()
	key := fullKey(gen, 0, 8, 8)
	h, err := c.InsertAndLock(key, gradient(t, 8, 8))
	require.NoError(t, err)

	assert.Equal(t, 1, c.RemoveGenerator(gen))
	assert.False(t, c.IsCached(gen, key.Target, 0))
	assert.Equal(t, 1, c.Stats().Detached)

	h.Release()
	assert.Equal(t, int64(0), c.Stats().Bytes)
}

func TestDisabledCacheHandsOutThrowaways(t *testing.T) {
	c := New(Options{Disabled: true}, nil)
	gen := uuid.New()
	key := fullKey(gen, 0, 8, 8)

	h, err := c.InsertAndLock(key, gradient(t, 8, 8))
	require.NoError(t, err)
	assert.False(t, h.Cached())
	h.Release()
	assert.Equal(t, 0, c.Len())
}

func TestInsertValidatesKey(t *testing.T) {
	c := New(Options{}, nil)
	gen := uuid.New()

	err := c.Insert(Key{Generator: gen, FullSize: Size{W: 10, H: 10}, Target: Size{W: 10, H: 10}, Subset: image.Rect(5, 5, 20, 20)}, gradient(t, 15, 15))
	assert.ErrorIs(t, err, ErrInvalidKey)

	err = c.Insert(fullKey(gen, 0, 10, 10), gradient(t, 9, 10))
	assert.ErrorIs(t, err, ErrSurfaceMismatch)
}

func TestConcurrentLockRelease(t *testing.T) {
	c := New(Options{MaxEntries: 4}, nil)
	gen := uuid.New()
	for frame := 0; frame < 4; frame++ {
		require.NoError(t, c.Insert(fullKey(gen, frame, 16, 16), gradient(t, 16, 16)))
	}

	src := gradient(t, 16, 16)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < 200; n++ {
				frame := (i + n) % 6
				key := fullKey(gen, frame, 16, 16)
				if h, ok := c.Lock(gen, key.Target, frame, image.Rect(2, 2, 10, 10)); ok {
					assert.Equal(t, 8, h.Surface().Width())
					h.Release()
					continue
				}
				if n%3 == 0 {
					c.EvictAll()
				}
				_ = c.Insert(key, src)
			}
		}(i)
	}
	wg.Wait()

	st := c.Stats()
	assert.Equal(t, 0, st.Referenced)
	assert.Equal(t, 0, st.Detached)
	assert.LessOrEqual(t, st.Entries, 6)
}
