// Package cache implements the decode cache: a thread-safe store of decoded
// and resampled image fragments shared by every renderer in the process.
//
// Entries are reference counted. A renderer takes a reference with Lock (or
// InsertAndLock) and gives it back with Handle.Release. Eviction, whether
// driven by capacity or by an explicit memory-pressure call, only ever
// removes entries nobody holds.
package cache

import (
	"container/list"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lazyimage/internal/surface"
)

var (
	ErrInvalidKey      = errors.New("cache: invalid key")
	ErrSurfaceMismatch = errors.New("cache: surface size does not match key subset")
)

type Options struct {
	// MaxBytes bounds the pixel memory held by unreferenced entries. Zero
	// means unbounded.
	MaxBytes int64
	// MaxEntries bounds the number of indexed entries. Zero means unbounded.
	MaxEntries int
	// Disabled turns Insert into a no-op; every result is then a throwaway.
	Disabled bool
}

type entry struct {
	key     Key
	surface *surface.Surface
	refs    int
	lastUse time.Time
	// elem is nil once the entry left the table (evicted or replaced) while
	// still referenced.
	elem *list.Element
}

// DecodeCache maps fragment keys to decoded surfaces.
type DecodeCache struct {
	mu         sync.Mutex
	logger     *zap.Logger
	opts       Options
	index      map[shape][]*entry
	lru        *list.List
	detached   map[*entry]struct{}
	bytes      int64
	referenced int
	now        func() time.Time

	hits      atomic.Uint64
	misses    atomic.Uint64
	inserts   atomic.Uint64
	evictions atomic.Uint64
}

func New(opts Options, logger *zap.Logger) *DecodeCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DecodeCache{
		logger:   logger.Named("decode_cache"),
		opts:     opts,
		index:    make(map[shape][]*entry),
		lru:      list.New(),
		detached: make(map[*entry]struct{}),
		now:      time.Now,
	}
}

// Lock looks up a fragment and takes a reference on it. An entry matches
// when it belongs to the same generator, target size and frame, and its
// subset contains the requested one; the handle then exposes the requested
// part of the cached surface.
func (c *DecodeCache) Lock(gen uuid.UUID, target Size, frame int, subset image.Rectangle) (*Handle, bool) {
	return c.lock(gen, target, frame, subset, true)
}

// LockUncounted is Lock without touching the hit and miss counters, for
// re-checks made on behalf of a request that was already counted.
func (c *DecodeCache) LockUncounted(gen uuid.UUID, target Size, frame int, subset image.Rectangle) (*Handle, bool) {
	return c.lock(gen, target, frame, subset, false)
}

func (c *DecodeCache) lock(gen uuid.UUID, target Size, frame int, subset image.Rectangle, counted bool) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sh := shape{gen: gen, target: target, frame: frame}
	var best *entry
	for _, e := range c.index[sh] {
		if e.key.Subset == subset {
			best = e
			break
		}
		if subset.In(e.key.Subset) && (best == nil || area(e.key.Subset) < area(best.key.Subset)) {
			best = e
		}
	}
	var view *surface.Surface
	if best != nil && !subset.Empty() {
		view = best.surface.Sub(rectInSubset(best.key.Subset, subset))
	}
	if view == nil {
		if counted {
			c.misses.Add(1)
		}
		return nil, false
	}

	c.acquireLocked(best)
	if counted {
		c.hits.Add(1)
	}
	return &Handle{cache: c, entry: best, surface: view}, true
}

// Insert stores s under key. Indexed entries of the same generator, target
// size and frame whose subsets overlap key.Subset are replaced: the last
// writer wins. Replaced entries that are still locked stay alive until
// their last handle is released.
//
// A cropped view is copied first, so the entry never pins a larger buffer
// than the bytes it is accounted for.
func (c *DecodeCache) Insert(key Key, s *surface.Surface) error {
	if err := validate(key, s); err != nil {
		return err
	}
	if c.opts.Disabled {
		return nil
	}
	s = s.Compact()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.insertLocked(key, s)
	c.pruneLocked()
	return nil
}

// InsertAndLock stores s under key and returns a handle holding a reference
// on the new entry. When the cache is disabled the handle is a throwaway.
func (c *DecodeCache) InsertAndLock(key Key, s *surface.Surface) (*Handle, error) {
	if err := validate(key, s); err != nil {
		return nil, err
	}
	if c.opts.Disabled {
		return Unowned(s), nil
	}
	s = s.Compact()

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.insertLocked(key, s)
	c.acquireLocked(e)
	c.pruneLocked()
	return &Handle{cache: c, entry: e, surface: s}, nil
}

func validate(key Key, s *surface.Surface) error {
	if !key.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	if s == nil || s.Width() != key.Subset.Dx() || s.Height() != key.Subset.Dy() {
		return ErrSurfaceMismatch
	}
	return nil
}

func (c *DecodeCache) insertLocked(key Key, s *surface.Surface) *entry {
	sh := key.shape()
	for _, old := range append([]*entry(nil), c.index[sh]...) {
		if old.key.Subset.Overlaps(key.Subset) {
			c.unlinkLocked(old)
		}
	}

	e := &entry{key: key, surface: s, lastUse: c.now()}
	e.elem = c.lru.PushFront(e)
	c.index[sh] = append(c.index[sh], e)
	c.bytes += s.ByteSize()
	c.inserts.Add(1)
	return e
}

func (c *DecodeCache) acquireLocked(e *entry) {
	if e.refs == 0 {
		c.referenced++
	}
	e.refs++
	e.lastUse = c.now()
	if e.elem != nil {
		c.lru.MoveToFront(e.elem)
	}
}

// release drops one reference. It never evicts: an entry reaching zero
// references stays in the table until a prune or eviction pass, unless it
// had already been unlinked, in which case its memory is let go now.
func (c *DecodeCache) release(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.refs <= 0 {
		panic("cache: release of an unlocked entry")
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	c.referenced--
	if _, ok := c.detached[e]; ok {
		delete(c.detached, e)
		c.bytes -= e.surface.ByteSize()
	}
}

// unlinkLocked removes e from the table. Referenced entries are parked in
// the detached set so their bytes stay accounted until released.
func (c *DecodeCache) unlinkLocked(e *entry) {
	if e.elem == nil {
		return
	}
	c.lru.Remove(e.elem)
	e.elem = nil

	sh := e.key.shape()
	entries := c.index[sh]
	for i, other := range entries {
		if other == e {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(c.index, sh)
	} else {
		c.index[sh] = entries
	}

	if e.refs > 0 {
		c.detached[e] = struct{}{}
		return
	}
	c.bytes -= e.surface.ByteSize()
}

func (c *DecodeCache) overCapacityLocked() bool {
	if c.opts.MaxBytes > 0 && c.bytes > c.opts.MaxBytes {
		return true
	}
	return c.opts.MaxEntries > 0 && c.lru.Len() > c.opts.MaxEntries
}

// pruneLocked evicts least recently used, unreferenced entries until the
// cache is back under its limits or nothing evictable is left.
func (c *DecodeCache) pruneLocked() int {
	evicted := 0
	for el := c.lru.Back(); el != nil && c.overCapacityLocked(); {
		prev := el.Prev()
		if e := el.Value.(*entry); e.refs == 0 {
			c.unlinkLocked(e)
			evicted++
		}
		el = prev
	}
	if evicted > 0 {
		c.evictions.Add(uint64(evicted))
		c.logger.Debug("Pruned decode cache", zap.Int("evicted", evicted), zap.Int64("bytes", c.bytes))
	}
	return evicted
}

// Prune runs the capacity policy and returns the number of evicted entries.
func (c *DecodeCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked()
}

// evictWhere removes every unreferenced entry matching pred.
func (c *DecodeCache) evictWhere(pred func(Key) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		if e := el.Value.(*entry); e.refs == 0 && pred(e.key) {
			c.unlinkLocked(e)
			evicted++
		}
		el = next
	}
	c.evictions.Add(uint64(evicted))
	return evicted
}

// EvictAll removes every entry that is not currently locked.
func (c *DecodeCache) EvictAll() int {
	n := c.evictWhere(func(Key) bool { return true })
	c.logger.Info("Evicted decode cache", zap.Int("evicted", n))
	return n
}

// EvictExceptFrame removes the unlocked entries of gen for every frame but
// keep.
func (c *DecodeCache) EvictExceptFrame(gen uuid.UUID, keep int) int {
	return c.evictWhere(func(k Key) bool {
		return k.Generator == gen && k.Frame != keep
	})
}

// RemoveGenerator unlinks every entry produced by gen. Locked entries are
// freed when their last handle is released.
func (c *DecodeCache) RemoveGenerator(gen uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for sh, entries := range c.index {
		if sh.gen != gen {
			continue
		}
		for _, e := range append([]*entry(nil), entries...) {
			c.unlinkLocked(e)
			removed++
		}
	}
	return removed
}

// Drop unlinks the entry stored under exactly key, if any.
func (c *DecodeCache) Drop(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.index[key.shape()] {
		if e.key == key {
			c.unlinkLocked(e)
			return true
		}
	}
	return false
}

// IsCached reports whether any fragment of gen at the given target size and
// frame is stored. It is a hint: the answer may change before the caller
// acts on it.
func (c *DecodeCache) IsCached(gen uuid.UUID, target Size, frame int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index[shape{gen: gen, target: target, frame: frame}]) > 0
}

// Contains reports whether Lock(key...) would currently hit, without taking
// a reference.
func (c *DecodeCache) Contains(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.index[key.shape()] {
		if key.Subset.In(e.key.Subset) {
			return true
		}
	}
	return false
}

func (c *DecodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

type Stats struct {
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Inserts    uint64 `json:"inserts"`
	Evictions  uint64 `json:"evictions"`
	Entries    int    `json:"entries"`
	Referenced int    `json:"referenced"`
	Detached   int    `json:"detached"`
	Bytes      int64  `json:"bytes"`
	MaxBytes   int64  `json:"max_bytes"`
}

func (c *DecodeCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Inserts:    c.inserts.Load(),
		Evictions:  c.evictions.Load(),
		Entries:    c.lru.Len(),
		Referenced: c.referenced,
		Detached:   len(c.detached),
		Bytes:      c.bytes,
		MaxBytes:   c.opts.MaxBytes,
	}
}

func area(r image.Rectangle) int64 {
	return int64(r.Dx()) * int64(r.Dy())
}
