package cache

import (
	"fmt"
	"image"

	"github.com/google/uuid"
)

// Size is a pixel size.
type Size struct {
	W int
	H int
}

func (s Size) Area() int64 {
	return int64(s.W) * int64(s.H)
}

func (s Size) Empty() bool {
	return s.W <= 0 || s.H <= 0
}

// Rect returns the rectangle covering the whole size.
func (s Size) Rect() image.Rectangle {
	return image.Rect(0, 0, s.W, s.H)
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.W, s.H)
}

// Key identifies a decoded fragment: frame Frame of the image produced by
// Generator, scaled from FullSize to Target, cropped to Subset (in Target
// coordinates).
type Key struct {
	Generator uuid.UUID
	FullSize  Size
	Frame     int
	Target    Size
	Subset    image.Rectangle
}

// FullKey is the key of a whole scaled frame.
func FullKey(gen uuid.UUID, full Size, frame int, target Size) Key {
	return Key{Generator: gen, FullSize: full, Frame: frame, Target: target, Subset: target.Rect()}
}

func (k Key) Valid() bool {
	return !k.FullSize.Empty() && !k.Target.Empty() && k.Frame >= 0 &&
		!k.Subset.Empty() && k.Subset.In(k.Target.Rect())
}

// Native reports whether the key describes an unscaled, uncropped frame.
func (k Key) Native() bool {
	return k.Target == k.FullSize && k.Subset == k.Target.Rect()
}

func (k Key) FragmentArea() int64 {
	return int64(k.Subset.Dx()) * int64(k.Subset.Dy())
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s/%s", k.Generator, k.Frame, k.Target, k.Subset)
}

// shape groups entries that can serve each other through subset containment.
type shape struct {
	gen    uuid.UUID
	target Size
	frame  int
}

func (k Key) shape() shape {
	return shape{gen: k.Generator, target: k.Target, frame: k.Frame}
}

// rectInSubset translates want into the coordinate space of a cached subset.
// It returns an empty rectangle when cached does not contain want.
func rectInSubset(cached, want image.Rectangle) image.Rectangle {
	if !want.In(cached) {
		return image.Rectangle{}
	}
	return want.Sub(cached.Min)
}
