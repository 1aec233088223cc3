// Package generator produces decoded, resampled fragments of one source
// image. A FrameGenerator owns the encoded bytes of its image, which may
// still be arriving, and coordinates every decode of that image so that at
// most one decode per request shape is in flight at a time.
package generator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"lazyimage/internal/cache"
	"lazyimage/internal/codec"
	"lazyimage/internal/resample"
	"lazyimage/internal/surface"
	"lazyimage/internal/trace"
)

var (
	// ErrIncompleteData means the requested frame needs bytes that have not
	// arrived yet. Retry once more data was supplied.
	ErrIncompleteData = errors.New("generator: incomplete data")
	// ErrDecodeFailure means the image can not be decoded. It is final once
	// all data has been received.
	ErrDecodeFailure = errors.New("generator: decode failure")
	ErrInvalidRequest = errors.New("generator: invalid request")
	ErrDataComplete   = errors.New("generator: all data already received")
	ErrDataShrunk     = errors.New("generator: data must extend previously supplied bytes")
	ErrClosed         = errors.New("generator: closed")
)

// DefaultMaxTargetPixels bounds the area of a scaled frame when Options
// leaves it unset: 8192x8192, 256 MiB of RGBA.
const DefaultMaxTargetPixels = 8192 * 8192

// Frames shown for this long or less are slowed down to clampedDuration,
// like browsers do for ads that try to flash as fast as possible.
const (
	minFrameDuration     = 10 * time.Millisecond
	clampedFrameDuration = 100 * time.Millisecond
)

type Options struct {
	Cache     *cache.DecodeCache
	Codecs    *codec.Registry
	Resampler resample.Resampler
	Tracer    trace.Tracer
	Logger    *zap.Logger
	Policy    cache.PolicyOptions
	// MaxTargetPixels is the largest target area DecodeAndScale accepts.
	MaxTargetPixels int64
	// ID identifies the image in the cache. A random one is used when zero.
	ID uuid.UUID
}

type FrameGenerator struct {
	id        uuid.UUID
	cache     *cache.DecodeCache
	codecs    *codec.Registry
	resampler resample.Resampler
	tracer    trace.Tracer
	logger    *zap.Logger
	policy    *cache.ResamplePolicy
	maxTarget int64

	dataMu     sync.RWMutex
	data       []byte
	complete   bool
	generation uint64

	decMu    sync.Mutex
	decoder  codec.Decoder
	fullSize cache.Size
	failures map[int]error

	flights singleflight.Group
	decodes atomic.Int64
	closed  atomic.Bool
}

func New(opts Options) *FrameGenerator {
	id := opts.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	if opts.Cache == nil {
		opts.Cache = cache.New(cache.Options{Disabled: true}, opts.Logger)
	}
	if opts.Codecs == nil {
		opts.Codecs = codec.Default()
	}
	if opts.Resampler == nil {
		opts.Resampler = resample.NewLanczos()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxTargetPixels <= 0 {
		opts.MaxTargetPixels = DefaultMaxTargetPixels
	}
	return &FrameGenerator{
		id:        id,
		cache:     opts.Cache,
		codecs:    opts.Codecs,
		resampler: opts.Resampler,
		tracer:    trace.OrNop(opts.Tracer),
		logger:    logger.With(zap.String("generator", id.String())),
		policy:    cache.NewResamplePolicy(opts.Policy),
		maxTarget: opts.MaxTargetPixels,
		failures:  make(map[int]error),
	}
}

func (g *FrameGenerator) ID() uuid.UUID { return g.id }

// DecodeCount is the number of frame decodes performed by the codec.
func (g *FrameGenerator) DecodeCount() int64 { return g.decodes.Load() }

// snapshot is a consistent view of the encoded bytes.
type snapshot struct {
	data       []byte
	complete   bool
	generation uint64
}

func (g *FrameGenerator) snapshot() snapshot {
	g.dataMu.RLock()
	defer g.dataMu.RUnlock()
	return snapshot{
		data:       g.data[:len(g.data):len(g.data)],
		complete:   g.complete,
		generation: g.generation,
	}
}

// SetData replaces the encoded bytes with data, which must extend the bytes
// supplied so far.
func (g *FrameGenerator) SetData(data []byte, allDataReceived bool) error {
	g.dataMu.Lock()
	defer g.dataMu.Unlock()

	if g.complete {
		return ErrDataComplete
	}
	if len(data) < len(g.data) {
		return ErrDataShrunk
	}
	g.data = append(g.data, data[len(g.data):]...)
	g.complete = allDataReceived
	g.generation++
	return nil
}

// Append adds chunk to the encoded bytes. Calls are applied in order.
func (g *FrameGenerator) Append(chunk []byte, allDataReceived bool) error {
	g.dataMu.Lock()
	defer g.dataMu.Unlock()

	if g.complete {
		return ErrDataComplete
	}
	g.data = append(g.data, chunk...)
	g.complete = allDataReceived
	g.generation++
	return nil
}

// CopyData returns a copy of the encoded bytes received so far.
func (g *FrameGenerator) CopyData() ([]byte, bool) {
	g.dataMu.RLock()
	defer g.dataMu.RUnlock()
	out := make([]byte, len(g.data))
	copy(out, g.data)
	return out, g.complete
}

func (g *FrameGenerator) AllDataReceived() bool {
	g.dataMu.RLock()
	defer g.dataMu.RUnlock()
	return g.complete
}

// decoderFor picks the codec for the image once enough bytes are present.
func (g *FrameGenerator) decoderFor(snap snapshot) (codec.Decoder, error) {
	g.decMu.Lock()
	defer g.decMu.Unlock()

	if g.decoder != nil {
		return g.decoder, nil
	}
	dec, err := g.codecs.Lookup(snap.data, snap.complete)
	switch {
	case err == nil:
		g.decoder = dec
		return dec, nil
	case errors.Is(err, codec.ErrIncompleteData) && !snap.complete:
		return nil, fmt.Errorf("%w: %w", ErrIncompleteData, err)
	default:
		return nil, fmt.Errorf("%w: %w", ErrDecodeFailure, err)
	}
}

// ImageType is the name of the codec handling the image, or "" while it is
// not known yet.
func (g *FrameGenerator) ImageType() string {
	g.decMu.Lock()
	defer g.decMu.Unlock()
	if g.decoder == nil {
		return ""
	}
	return g.decoder.Name()
}

// FullSize returns the native size once the header has been received.
func (g *FrameGenerator) FullSize() (cache.Size, error) {
	return g.sizeFor(g.snapshot())
}

func (g *FrameGenerator) sizeFor(snap snapshot) (cache.Size, error) {
	g.decMu.Lock()
	known := g.fullSize
	g.decMu.Unlock()
	if !known.Empty() {
		return known, nil
	}

	dec, err := g.decoderFor(snap)
	if err != nil {
		return cache.Size{}, err
	}
	w, h, err := dec.Size(snap.data)
	if err != nil {
		if !snap.complete {
			return cache.Size{}, fmt.Errorf("%w: %w", ErrIncompleteData, err)
		}
		return cache.Size{}, fmt.Errorf("%w: %w", ErrDecodeFailure, err)
	}

	size := cache.Size{W: w, H: h}
	g.decMu.Lock()
	g.fullSize = size
	g.decMu.Unlock()
	return size, nil
}

type result struct {
	surface *surface.Surface
	cached  bool
}

// DecodeAndScale returns frame scaled to target and cropped to subset (in
// target coordinates). The result is served from the cache when possible;
// otherwise the frame is decoded, resampled, and stored if the resampling
// policy allows it. The returned handle must be released.
//
// Concurrent calls for the same request share one decode. A caller whose
// ctx ends stops waiting, but the decode itself runs to completion.
func (g *FrameGenerator) DecodeAndScale(ctx context.Context, target cache.Size, frame int, subset image.Rectangle) (*cache.Handle, error) {
	if g.closed.Load() {
		return nil, ErrClosed
	}
	snap := g.snapshot()
	full, err := g.sizeFor(snap)
	if err != nil {
		return nil, err
	}

	key := cache.Key{Generator: g.id, FullSize: full, Frame: frame, Target: target, Subset: subset}
	if !key.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, key)
	}
	if int64(target.W) > g.maxTarget || int64(target.H) > g.maxTarget || target.Area() > g.maxTarget {
		return nil, fmt.Errorf("%w: target %s exceeds %d pixels", ErrInvalidRequest, target, g.maxTarget)
	}
	if h, ok := g.cache.Lock(g.id, target, frame, subset); ok {
		return h, nil
	}

	flight := fmt.Sprintf("scaled/%d/%s", snap.generation, key)
	ch := g.flights.DoChan(flight, func() (any, error) {
		return g.guarded(func() (*result, error) { return g.produce(key, snap) })
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		out := res.Val.(*result)
		if out.cached {
			if h, ok := g.cache.LockUncounted(g.id, target, frame, subset); ok {
				return h, nil
			}
		}
		return cache.Unowned(out.surface), nil
	}
}

// guarded runs a flight, turning a panic into a decode failure. Panics
// inside singleflight.DoChan resurface on a goroutine nobody can recover.
func (g *FrameGenerator) guarded(f func() (*result, error)) (res *result, err error) {
	defer func() {
		if p := recover(); p != nil {
			g.logger.Error("Decode panicked", zap.Any("panic", p), zap.Stack("stack"))
			res, err = nil, fmt.Errorf("%w: panic: %v", ErrDecodeFailure, p)
		}
	}()
	return f()
}

func (g *FrameGenerator) produce(key cache.Key, snap snapshot) (*result, error) {
	// Another flight may have finished since our cache lookup.
	if h, ok := g.cache.LockUncounted(key.Generator, key.Target, key.Frame, key.Subset); ok {
		defer h.Release()
		return &result{surface: h.Surface(), cached: true}, nil
	}

	native, err := g.nativeFrame(key.FullSize, key.Frame, snap)
	if err != nil {
		return nil, err
	}
	if key.Native() {
		return native, nil
	}

	decision := g.policy.Observe(key, snap.complete)
	if decision.HasRetired {
		g.cache.Drop(decision.Retired)
	}

	g.tracer.Begin(trace.EventResizeImage, trace.Bool(trace.ArgCached, decision.Cache))
	scaled, err := g.resampler.Resample(native.surface, key.Target, key.Subset)
	g.tracer.End(trace.EventResizeImage, trace.Bool(trace.ArgCached, decision.Cache))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resample: %w", ErrDecodeFailure, err)
	}

	if !decision.Cache {
		return &result{surface: scaled}, nil
	}
	if err := g.cache.Insert(key, scaled); err != nil {
		g.logger.Warn("Failed to cache resampled frame", zap.Stringer("key", key), zap.Error(err))
		return &result{surface: scaled}, nil
	}
	return &result{surface: scaled, cached: true}, nil
}

// nativeFrame returns frame at its native size, decoding it if needed.
// Frames decoded from complete data are cached.
func (g *FrameGenerator) nativeFrame(full cache.Size, frame int, snap snapshot) (*result, error) {
	if h, ok := g.cache.LockUncounted(g.id, full, frame, full.Rect()); ok {
		defer h.Release()
		return &result{surface: h.Surface(), cached: true}, nil
	}

	flight := fmt.Sprintf("native/%d/%d", snap.generation, frame)
	v, err, _ := g.flights.Do(flight, func() (any, error) {
		return g.guarded(func() (*result, error) { return g.decodeFrame(full, frame, snap) })
	})
	if err != nil {
		return nil, err
	}
	return v.(*result), nil
}

func (g *FrameGenerator) decodeFrame(full cache.Size, frame int, snap snapshot) (*result, error) {
	g.decMu.Lock()
	failed := g.failures[frame]
	g.decMu.Unlock()
	if failed != nil {
		return nil, failed
	}

	dec, err := g.decoderFor(snap)
	if err != nil {
		return nil, err
	}

	g.tracer.Begin(trace.EventDecodeImage, trace.String(trace.ArgImageType, dec.Name()))
	s, err := dec.DecodeFrame(snap.data, frame)
	g.decodes.Add(1)
	g.tracer.End(trace.EventDecodeImage, trace.String(trace.ArgImageType, dec.Name()))

	if err == nil && (s.Width() != full.W || s.Height() != full.H) {
		err = fmt.Errorf("%w: frame %d is %dx%d, image is %s", codec.ErrCorrupt, frame, s.Width(), s.Height(), full)
	}
	if err != nil {
		return nil, g.classify(frame, err, snap)
	}

	if !snap.complete {
		return &result{surface: s}, nil
	}
	if err := g.cache.Insert(cache.FullKey(g.id, full, frame, full), s); err != nil {
		g.logger.Warn("Failed to cache decoded frame", zap.Int("frame", frame), zap.Error(err))
		return &result{surface: s}, nil
	}
	return &result{surface: s, cached: true}, nil
}

// classify converts codec errors at the generator boundary.
func (g *FrameGenerator) classify(frame int, err error, snap snapshot) error {
	switch {
	case errors.Is(err, codec.ErrFrameIndex):
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	case !snap.complete:
		return fmt.Errorf("%w: %w", ErrIncompleteData, err)
	}

	failure := fmt.Errorf("%w: frame %d: %w", ErrDecodeFailure, frame, err)
	g.decMu.Lock()
	g.failures[frame] = failure
	g.decMu.Unlock()
	g.logger.Warn("Frame decode failed", zap.Int("frame", frame), zap.Error(err))
	return failure
}

// IsCached reports whether a fragment of frame at target size is cached.
func (g *FrameGenerator) IsCached(target cache.Size, frame int) bool {
	return g.cache.IsCached(g.id, target, frame)
}

// FrameCount is the number of frames known so far. While data is still
// arriving it includes one frame that may be incomplete.
func (g *FrameGenerator) FrameCount() int {
	snap := g.snapshot()
	n := g.completeFrames(snap)
	if !snap.complete {
		n++
	}
	return n
}

func (g *FrameGenerator) completeFrames(snap snapshot) int {
	dec, err := g.decoderFor(snap)
	if err != nil {
		return 0
	}
	return dec.FrameCount(snap.data)
}

func (g *FrameGenerator) IsFrameComplete(index int) bool {
	return index >= 0 && index < g.completeFrames(g.snapshot())
}

// FrameDuration is the display time of frame index.
func (g *FrameGenerator) FrameDuration(index int) time.Duration {
	snap := g.snapshot()
	dec, err := g.decoderFor(snap)
	if err != nil {
		return 0
	}
	d := dec.FrameDuration(snap.data, index)
	if d <= minFrameDuration {
		return clampedFrameDuration
	}
	return d
}

// RepetitionCount reports how often an animation repeats (see the codec
// Loop constants). Until all data is received an unknown count reads as
// codec.LoopOnce.
func (g *FrameGenerator) RepetitionCount() int {
	snap := g.snapshot()
	dec, err := g.decoderFor(snap)
	if err != nil {
		return codec.LoopOnce
	}
	return dec.RepetitionCount(snap.data)
}

// Close drops every cached fragment of the image.
func (g *FrameGenerator) Close() {
	if g.closed.Swap(true) {
		return
	}
	n := g.cache.RemoveGenerator(g.id)
	g.policy.Reset()
	g.logger.Debug("Generator closed", zap.Int("removed", n))
}
