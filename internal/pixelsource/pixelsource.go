// Package pixelsource provides the per-draw handle through which renderers
// read decoded pixels. A Source does no work until its pixels are locked.
package pixelsource

import (
	"context"
	"fmt"
	"image"
	"sync"

	"lazyimage/internal/cache"
	"lazyimage/internal/generator"
	"lazyimage/internal/surface"
	"lazyimage/internal/trace"
)

// Request selects the fragment a Source exposes.
type Request struct {
	Target cache.Size
	Frame  int
	// Subset is in Target coordinates. The zero rectangle means the whole
	// target.
	Subset image.Rectangle
}

// Pixels is read-only RGBA memory. It stays valid until UnlockPixels.
type Pixels struct {
	Pix    []byte
	Stride int
	Width  int
	Height int
}

type Source struct {
	gen    *generator.FrameGenerator
	cache  *cache.DecodeCache
	req    Request
	tracer trace.Tracer

	mu     sync.Mutex
	handle *cache.Handle
}

func New(gen *generator.FrameGenerator, c *cache.DecodeCache, req Request, tracer trace.Tracer) *Source {
	if req.Subset.Empty() {
		req.Subset = req.Target.Rect()
	}
	return &Source{gen: gen, cache: c, req: req, tracer: trace.OrNop(tracer)}
}

// NewFull returns a Source for a whole frame at native size.
func NewFull(gen *generator.FrameGenerator, c *cache.DecodeCache, frame int, tracer trace.Tracer) (*Source, error) {
	size, err := gen.FullSize()
	if err != nil {
		return nil, err
	}
	return New(gen, c, Request{Target: size, Frame: frame}, tracer), nil
}

func (s *Source) Request() Request { return s.req }

// LockPixels makes the pixels available, decoding them if they are not
// cached. It may block for as long as a full decode and resample take.
// Locking a Source that is already locked panics.
func (s *Source) LockPixels(ctx context.Context) (Pixels, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		panic("pixelsource: LockPixels on a locked source")
	}

	// DecodeAndScale serves cache hits itself and counts each lock once.
	// Contains only decides whether the lock is traced as a decode.
	key := cache.Key{Generator: s.gen.ID(), Target: s.req.Target, Frame: s.req.Frame, Subset: s.req.Subset}
	decoding := !s.cache.Contains(key)
	arg := trace.String(trace.ArgGenerator, s.gen.ID().String())
	if decoding {
		s.tracer.Begin(trace.EventDecodeLazyPixels, arg)
	}
	h, err := s.gen.DecodeAndScale(ctx, s.req.Target, s.req.Frame, s.req.Subset)
	if decoding {
		s.tracer.End(trace.EventDecodeLazyPixels, arg)
	}
	if err != nil {
		return Pixels{}, fmt.Errorf("failed to lock pixels: %w", err)
	}

	s.handle = h
	surf := h.Surface()
	return Pixels{
		Pix:    surf.Pix(),
		Stride: surf.Stride(),
		Width:  surf.Width(),
		Height: surf.Height(),
	}, nil
}

// UnlockPixels releases the cache claim taken by LockPixels. Unlocking a
// Source that is not locked panics.
func (s *Source) UnlockPixels() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		panic("pixelsource: UnlockPixels on an unlocked source")
	}
	s.handle.Release()
	s.handle = nil
}

// Surface returns the locked surface, or nil while unlocked.
func (s *Source) Surface() *surface.Surface {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	return s.handle.Surface()
}

func (s *Source) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// MaybeDecoded is a hint that locking will not need a decode. The answer
// may be stale by the time the caller acts on it.
func (s *Source) MaybeDecoded() bool {
	return s.cache.IsCached(s.gen.ID(), s.req.Target, s.req.Frame)
}
