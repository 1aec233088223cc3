// Package vipsresample resamples through libvips. The process must call
// vips.Startup before using it.
package vipsresample

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/cshum/vipsgen/vips"

	"lazyimage/internal/cache"
	"lazyimage/internal/resample"
	"lazyimage/internal/surface"
)

type Resampler struct{}

func New() *Resampler {
	return &Resampler{}
}

func (r *Resampler) Name() string { return "vips" }

func (r *Resampler) Resample(src *surface.Surface, target cache.Size, subset image.Rectangle) (*surface.Surface, error) {
	if err := resample.Check(src, target, subset); err != nil {
		return nil, err
	}

	// Frames cross into libvips as an uncompressed PNG to keep the pixel
	// layout in one place.
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.NoCompression}
	if err := enc.Encode(&buf, src.Image()); err != nil {
		return nil, fmt.Errorf("failed to encode source: %w", err)
	}

	loadOpts := vips.DefaultPngloadBufferOptions()
	loadOpts.Access = vips.AccessRandom
	img, err := vips.NewPngloadBuffer(buf.Bytes(), loadOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to load source: %w", err)
	}
	defer img.Close()

	resizeOpts := vips.DefaultResizeOptions()
	resizeOpts.Kernel = vips.KernelLanczos3
	resizeOpts.Vscale = float64(target.H) / float64(src.Height())
	if err := img.Resize(float64(target.W)/float64(src.Width()), resizeOpts); err != nil {
		return nil, fmt.Errorf("failed to resize: %w", err)
	}

	// Rounding inside libvips can leave the result a pixel short; extend the
	// edge so the subset is always available.
	if img.Width() < target.W || img.Height() < target.H {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendCopy
		if err := img.Embed(0, 0, target.W, target.H, embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	if err := img.ExtractArea(subset.Min.X, subset.Min.Y, subset.Dx(), subset.Dy()); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	out, err := img.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}

	decoded, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("failed to decode resampled image: %w", err)
	}
	return surface.New(decoded)
}
