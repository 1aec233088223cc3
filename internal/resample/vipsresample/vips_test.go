//go:build vips

package vipsresample

import (
	"image"
	"image/color"
	"os"
	"testing"

	"github.com/cshum/vipsgen/vips"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lazyimage/internal/cache"
	"lazyimage/internal/resample"
	"lazyimage/internal/surface"
)

// These tests need libvips and only build with -tags vips.
func TestMain(m *testing.M) {
	vips.Startup(&vips.Config{ConcurrencyLevel: 1})
	code := m.Run()
	vips.Shutdown()
	os.Exit(code)
}

func stripes(t *testing.T, w, h int) *surface.Surface {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 3), G: uint8(y * 5), B: uint8((x / 8) * 40), A: 255})
		}
	}
	s, err := surface.Adopt(img)
	require.NoError(t, err)
	return s
}

func TestResampleScalesToTarget(t *testing.T) {
	out, err := New().Resample(stripes(t, 120, 90), cache.Size{W: 40, H: 30}, image.Rect(0, 0, 40, 30))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 40, 30), out.Bounds())
	assert.Equal(t, 40*4, out.Stride())
}

func TestResampleSubsetMatchesCrop(t *testing.T) {
	src := stripes(t, 200, 160)
	target := cache.Size{W: 100, H: 80}
	r := New()

	whole, err := r.Resample(src, target, target.Rect())
	require.NoError(t, err)

	subset := image.Rect(20, 10, 52, 42)
	part, err := r.Resample(src, target, subset)
	require.NoError(t, err)
	assert.True(t, surface.Equal(whole.Sub(subset), part))
}

func TestResampleRejectsSubsetOutsideTarget(t *testing.T) {
	_, err := New().Resample(stripes(t, 16, 16), cache.Size{W: 8, H: 8}, image.Rect(4, 4, 12, 12))
	assert.ErrorIs(t, err, resample.ErrInvalidTarget)
}
