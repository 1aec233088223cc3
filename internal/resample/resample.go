// Package resample scales decoded frames to the size a renderer asked for.
package resample

import (
	"errors"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"

	"lazyimage/internal/cache"
	"lazyimage/internal/surface"
)

var ErrInvalidTarget = errors.New("resample: invalid target")

// Resampler scales src to target and returns the subset of the scaled image
// (in target coordinates). Implementations must return pixels for a subset
// that are identical to the same area cropped from the full scaled image.
type Resampler interface {
	Name() string
	Resample(src *surface.Surface, target cache.Size, subset image.Rectangle) (*surface.Surface, error)
}

// Lanczos3 is the three-lobed Lanczos windowed sinc.
var Lanczos3 = &draw.Kernel{
	Support: 3,
	At: func(t float64) float64 {
		if t < 0 {
			t = -t
		}
		if t < 1e-9 {
			return 1
		}
		if t >= 3 {
			return 0
		}
		pt := math.Pi * t
		return 3 * math.Sin(pt) * math.Sin(pt/3) / (pt * pt)
	},
}

// Kernel resamples with an x/image/draw kernel.
type Kernel struct {
	name   string
	kernel *draw.Kernel
}

func NewLanczos() *Kernel {
	return &Kernel{name: "lanczos3", kernel: Lanczos3}
}

func NewCatmullRom() *Kernel {
	return &Kernel{name: "catmullrom", kernel: draw.CatmullRom}
}

func (k *Kernel) Name() string { return k.name }

func (k *Kernel) Resample(src *surface.Surface, target cache.Size, subset image.Rectangle) (*surface.Surface, error) {
	if err := Check(src, target, subset); err != nil {
		return nil, err
	}

	dst := image.NewRGBA(target.Rect())
	k.kernel.Scale(dst, dst.Bounds(), src.Image(), src.Bounds(), draw.Src, nil)

	full, err := surface.Adopt(dst)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap resampled image: %w", err)
	}
	// Only the subset is kept, not the whole scaled frame behind it.
	return full.Sub(subset).Compact(), nil
}

// Check validates a resample request.
func Check(src *surface.Surface, target cache.Size, subset image.Rectangle) error {
	if src == nil {
		return fmt.Errorf("%w: no source", ErrInvalidTarget)
	}
	if target.Empty() {
		return fmt.Errorf("%w: size %s", ErrInvalidTarget, target)
	}
	if subset.Empty() || !subset.In(target.Rect()) {
		return fmt.Errorf("%w: subset %s outside %s", ErrInvalidTarget, subset, target)
	}
	return nil
}

// ByName returns the pure Go resampler called name.
func ByName(name string) (Resampler, error) {
	switch name {
	case "", "lanczos", "lanczos3":
		return NewLanczos(), nil
	case "catmullrom":
		return NewCatmullRom(), nil
	default:
		return nil, fmt.Errorf("unknown resampler: %s (supported: lanczos3, catmullrom, vips)", name)
	}
}
