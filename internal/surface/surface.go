// Package surface holds decoded pixel buffers shared between decoders,
// the decode cache and renderers.
//
// A Surface is immutable once constructed: decoders build it, and from then
// on every holder only reads it. Crops share the parent's pixels.
package surface

import (
	"errors"
	"image"
	"image/draw"
)

var ErrEmpty = errors.New("surface: empty image")

// Surface is an immutable RGBA pixel buffer.
type Surface struct {
	img *image.RGBA
	// view is set on crops; their pixels live in a parent's buffer.
	view bool
}

// New copies src into a new surface whose origin is (0,0).
func New(src image.Image) (*Surface, error) {
	b := src.Bounds()
	if b.Empty() {
		return nil, ErrEmpty
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return &Surface{img: dst}, nil
}

// Adopt wraps img without copying. The caller hands over ownership and must
// not write to img afterwards.
func Adopt(img *image.RGBA) (*Surface, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmpty
	}
	if img.Rect.Min != (image.Point{}) {
		return New(img)
	}
	return &Surface{img: img}, nil
}

func (s *Surface) Width() int  { return s.img.Rect.Dx() }
func (s *Surface) Height() int { return s.img.Rect.Dy() }
func (s *Surface) Stride() int { return s.img.Stride }

// Bounds is always anchored at (0,0).
func (s *Surface) Bounds() image.Rectangle {
	return image.Rect(0, 0, s.Width(), s.Height())
}

// Pix returns the pixel rows starting at the top-left pixel. The slice must
// be treated as read-only.
func (s *Surface) Pix() []byte {
	return s.img.Pix
}

// ByteSize is the size of the surface's pixel rows. A view may retain more:
// see Compact.
func (s *Surface) ByteSize() int64 {
	return int64(s.Stride()) * int64(s.Height())
}

// Image exposes the surface as a read-only image.Image.
func (s *Surface) Image() image.Image {
	return s.img
}

// Sub returns a view of r (in surface coordinates). The view shares pixels
// with s. It returns nil when r is not inside the surface.
func (s *Surface) Sub(r image.Rectangle) *Surface {
	if r.Empty() || !r.In(s.Bounds()) {
		return nil
	}
	if r == s.Bounds() {
		return s
	}
	min := s.img.Rect.Min
	sub := s.img.SubImage(r.Add(min)).(*image.RGBA)
	view := &image.RGBA{
		Pix:    sub.Pix,
		Stride: sub.Stride,
		Rect:   image.Rect(0, 0, r.Dx(), r.Dy()),
	}
	return &Surface{img: view, view: true}
}

// Compact returns s when it owns its pixel buffer, and a copy of a view
// otherwise, which lets the parent's buffer be freed.
func (s *Surface) Compact() *Surface {
	if !s.view {
		return s
	}
	dst := image.NewRGBA(s.Bounds())
	rowBytes := s.Width() * 4
	for y := 0; y < s.Height(); y++ {
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+rowBytes], s.img.Pix[y*s.img.Stride:])
	}
	return &Surface{img: dst}
}

// Equal reports whether both surfaces have the same size and pixels.
func Equal(a, b *Surface) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Width() != b.Width() || a.Height() != b.Height() {
		return false
	}
	rowBytes := a.Width() * 4
	for y := 0; y < a.Height(); y++ {
		ra := a.img.Pix[y*a.Stride() : y*a.Stride()+rowBytes]
		rb := b.img.Pix[y*b.Stride() : y*b.Stride()+rowBytes]
		if string(ra) != string(rb) {
			return false
		}
	}
	return true
}
