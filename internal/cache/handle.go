package cache

import (
	"sync"

	"lazyimage/internal/surface"
)

// Handle is a scoped claim on a decoded surface. Handles obtained from the
// cache keep their entry alive until Release; throwaway handles (Unowned)
// wrap results that were never cached. Release is safe to call more than
// once, so it can be deferred on every exit path.
type Handle struct {
	cache   *DecodeCache
	entry   *entry
	surface *surface.Surface
	once    sync.Once
}

// Unowned wraps a surface that is not held by any cache.
func Unowned(s *surface.Surface) *Handle {
	return &Handle{surface: s}
}

func (h *Handle) Surface() *surface.Surface {
	return h.surface
}

// Cached reports whether the handle holds a reference on a cache entry.
func (h *Handle) Cached() bool {
	return h.entry != nil
}

func (h *Handle) Release() {
	if h == nil || h.entry == nil {
		return
	}
	h.once.Do(func() {
		h.cache.release(h.entry)
	})
}
