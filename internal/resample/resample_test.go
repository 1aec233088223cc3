package resample

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lazyimage/internal/cache"
	"lazyimage/internal/surface"
)

func checker(t *testing.T, w, h int) *surface.Surface {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(0)
			if (x/4+y/4)%2 == 0 {
				v = 255
			}
			img.SetRGBA(x, y, color.RGBA{R: v, G: uint8(x), B: uint8(y), A: 255})
		}
	}
	s, err := surface.Adopt(img)
	require.NoError(t, err)
	return s
}

func TestLanczosScalesToTarget(t *testing.T) {
	src := checker(t, 120, 80)
	out, err := NewLanczos().Resample(src, cache.Size{W: 60, H: 40}, image.Rect(0, 0, 60, 40))
	require.NoError(t, err)
	assert.Equal(t, 60, out.Width())
	assert.Equal(t, 40, out.Height())
}

func TestSubsetMatchesCropOfFullScale(t *testing.T) {
	src := checker(t, 300, 300)
	target := cache.Size{W: 200, H: 200}
	r := NewLanczos()

	full, err := r.Resample(src, target, target.Rect())
	require.NoError(t, err)

	subset := image.Rect(10, 10, 60, 60)
	part, err := r.Resample(src, target, subset)
	require.NoError(t, err)

	assert.True(t, surface.Equal(full.Sub(subset), part))
	assert.Equal(t, subset.Dx()*4, part.Stride())
	assert.EqualValues(t, subset.Dx()*subset.Dy()*4, part.ByteSize())
}

func TestLanczosIdentityKeepsPixels(t *testing.T) {
	src := checker(t, 32, 32)
	out, err := NewLanczos().Resample(src, cache.Size{W: 32, H: 32}, image.Rect(0, 0, 32, 32))
	require.NoError(t, err)
	assert.True(t, surface.Equal(src, out))
}

func TestRejectsBadRequests(t *testing.T) {
	src := checker(t, 10, 10)
	r := NewLanczos()

	_, err := r.Resample(src, cache.Size{}, image.Rect(0, 0, 1, 1))
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = r.Resample(src, cache.Size{W: 5, H: 5}, image.Rect(0, 0, 6, 6))
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestByName(t *testing.T) {
	r, err := ByName("")
	require.NoError(t, err)
	assert.Equal(t, "lanczos3", r.Name())

	_, err = ByName("nearest")
	assert.Error(t, err)
}
