package image_renderer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lazyimage/internal/animation"
	"lazyimage/internal/cache"
	"lazyimage/internal/codec"
	"lazyimage/internal/generator"
	"lazyimage/internal/image_list"
	"lazyimage/internal/pixelsource"
	"lazyimage/internal/resample"
	"lazyimage/internal/responsecache"
	"lazyimage/internal/trace"
)

var ErrNotFound = errors.New("image not found")

type Options struct {
	Scanner         *image_list.Scanner
	Responses       responsecache.Cache
	Decodes         *cache.DecodeCache
	Codecs          *codec.Registry
	Resampler       resample.Resampler
	Policy          cache.PolicyOptions
	// MaxTargetPixels bounds the scaled size a fragment may request. Zero
	// uses generator.DefaultMaxTargetPixels.
	MaxTargetPixels int64
	Tracer          trace.Tracer
	Runner          *animation.TaskRunner
	AnimationPolicy animation.Policy
	// AnimationIdle pauses animations nobody requested for this long. Zero
	// keeps them running.
	AnimationIdle time.Duration
	Logger        *zap.Logger
}

type Renderer struct {
	scanner   *image_list.Scanner
	responses responsecache.Cache
	decodes   *cache.DecodeCache
	codecs    *codec.Registry
	resampler resample.Resampler
	policy    cache.PolicyOptions
	maxTarget int64
	tracer    trace.Tracer
	runner    *animation.TaskRunner
	animPol   animation.Policy
	animIdle  time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	images map[string]*imageState
}

// imageState ties an image id to its generator and, for animations, to the
// controller that picks the frame shown by default.
type imageState struct {
	id   string
	once sync.Once
	gen  *generator.FrameGenerator
	err  error

	// Set while the image is being uploaded in chunks.
	stream *stream

	// Only touched on the runner goroutine.
	anim   *animation.Controller
	viewer *viewer
}

type FragmentRequest struct {
	ImageID string
	// Width and Height are the scaled image size. Zero means native size.
	Width  int
	Height int
	// X, Y, SubWidth and SubHeight select a part of the scaled image. Zero
	// sizes select everything right and below of (X, Y).
	X         int
	Y         int
	SubWidth  int
	SubHeight int
	// Frame is the frame to render; nil means the frame the animation is
	// currently showing.
	Frame  *int
	Format string
}

type FragmentResult struct {
	Data        []byte
	ETag        string
	Size        int
	ContentType string
	Frame       int
	// Complete is false while the image is still streaming in.
	Complete bool
}

func New(opts Options) *Renderer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Responses == nil {
		opts.Responses = responsecache.NewNoopCache()
	}
	if opts.Codecs == nil {
		opts.Codecs = codec.Default()
	}
	if opts.Resampler == nil {
		opts.Resampler = resample.NewLanczos()
	}
	return &Renderer{
		scanner:   opts.Scanner,
		responses: opts.Responses,
		decodes:   opts.Decodes,
		codecs:    opts.Codecs,
		resampler: opts.Resampler,
		policy:    opts.Policy,
		maxTarget: opts.MaxTargetPixels,
		tracer:    trace.OrNop(opts.Tracer),
		runner:    opts.Runner,
		animPol:   opts.AnimationPolicy,
		animIdle:  opts.AnimationIdle,
		logger:    opts.Logger,
		images:    make(map[string]*imageState),
	}
}

// generatorID maps an image id onto the generator identity used by the
// decode cache.
func generatorID(imageID string) uuid.UUID {
	if id, err := uuid.Parse(imageID); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(imageID))
}

func (r *Renderer) newGenerator(imageID string) *generator.FrameGenerator {
	return generator.New(generator.Options{
		Cache:     r.decodes,
		Codecs:    r.codecs,
		Resampler: r.resampler,
		Tracer:    r.tracer,
		Logger:    r.logger,
		Policy:    r.policy,
		ID:        generatorID(imageID),

		MaxTargetPixels: r.maxTarget,
	})
}

func (r *Renderer) state(imageID string) (*imageState, error) {
	r.mu.Lock()
	st, ok := r.images[imageID]
	if !ok {
		if r.scanner.GetImageByID(imageID) == nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrNotFound, imageID)
		}
		st = &imageState{id: imageID}
		r.images[imageID] = st
	}
	r.mu.Unlock()

	st.once.Do(func() {
		st.gen, st.err = r.loadGenerator(imageID)
	})
	if st.err != nil {
		r.mu.Lock()
		if r.images[imageID] == st {
			delete(r.images, imageID)
		}
		r.mu.Unlock()
		return nil, st.err
	}
	return st, nil
}

func (r *Renderer) loadGenerator(imageID string) (*generator.FrameGenerator, error) {
	path := r.scanner.GetImagePathByID(imageID)
	if path == "" {
		return nil, fmt.Errorf("image path not found for id: %s", imageID)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}

	gen := r.newGenerator(imageID)
	if err := gen.SetData(data, true); err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	r.logger.Debug("Loaded image", zap.String("image", imageID), zap.Int("bytes", len(data)))
	return gen, nil
}

// RenderFragment decodes, scales and encodes a part of an image.
func (r *Renderer) RenderFragment(ctx context.Context, req FragmentRequest) (*FragmentResult, error) {
	st, err := r.state(req.ImageID)
	if err != nil {
		return nil, err
	}
	gen := st.gen

	full, err := gen.FullSize()
	if err != nil {
		return nil, err
	}
	target := cache.Size{W: req.Width, H: req.Height}
	if target.W == 0 && target.H == 0 {
		target = full
	} else if target.W == 0 || target.H == 0 {
		target = fitWithin(full, target)
	}
	subset, err := subsetFor(target, req)
	if err != nil {
		return nil, err
	}

	frame := 0
	if req.Frame != nil {
		frame = *req.Frame
	} else {
		frame = r.currentFrame(st)
	}

	format := req.Format
	switch format {
	case "":
		format = "png"
	case "jpg":
		format = "jpeg"
	}
	if format != "png" && format != "jpeg" {
		return nil, fmt.Errorf("%w: unsupported format %s", generator.ErrInvalidRequest, format)
	}

	key := responsecache.FragmentKey{
		ImageID:   req.ImageID,
		Frame:     frame,
		TargetW:   target.W,
		TargetH:   target.H,
		X:         subset.Min.X,
		Y:         subset.Min.Y,
		W:         subset.Dx(),
		H:         subset.Dy(),
		Resampler: r.resampler.Name(),
		Format:    format,
	}

	complete := gen.AllDataReceived()
	if complete {
		if data, ok := r.responses.Get(key); ok {
			return r.result(key, data, true), nil
		}
	}

	src := pixelsource.New(gen, r.decodes, pixelsource.Request{Target: target, Frame: frame, Subset: subset}, r.tracer)
	if _, err := src.LockPixels(ctx); err != nil {
		return nil, err
	}
	defer src.UnlockPixels()

	var buf bytes.Buffer
	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, src.Surface().Image(), &jpeg.Options{Quality: 82})
	default:
		enc := png.Encoder{CompressionLevel: png.BestSpeed}
		err = enc.Encode(&buf, src.Surface().Image())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}

	data := buf.Bytes()
	if complete {
		r.responses.Set(key, data)
	}
	return r.result(key, data, complete), nil
}

func (r *Renderer) result(key responsecache.FragmentKey, data []byte, complete bool) *FragmentResult {
	res := &FragmentResult{
		Data:        data,
		Size:        len(data),
		ContentType: "image/" + key.Format,
		Frame:       key.Frame,
		Complete:    complete,
	}
	if complete {
		res.ETag = r.generateETag(key)
	}
	return res
}

func fitWithin(full, want cache.Size) cache.Size {
	if want.W == 0 {
		want.W = max(1, full.W*want.H/full.H)
	} else {
		want.H = max(1, full.H*want.W/full.W)
	}
	return want
}

// subsetFor clamps the requested part to the scaled image.
func subsetFor(target cache.Size, req FragmentRequest) (image.Rectangle, error) {
	x1, y1 := target.W, target.H
	if req.SubWidth > 0 {
		x1 = min(x1, req.X+req.SubWidth)
	}
	if req.SubHeight > 0 {
		y1 = min(y1, req.Y+req.SubHeight)
	}
	subset := image.Rect(req.X, req.Y, x1, y1)
	if req.X < 0 || req.Y < 0 || subset.Empty() || !subset.In(target.Rect()) {
		return image.Rectangle{}, fmt.Errorf("%w: region %d,%d outside %s", generator.ErrInvalidRequest, req.X, req.Y, target)
	}
	return subset, nil
}

func (r *Renderer) generateETag(key responsecache.FragmentKey) string {
	hash := sha256.Sum256([]byte(key.String()))
	return hex.EncodeToString(hash[:])[:16]
}

// FitWithin returns the size of the image scaled to fit in a bound x bound
// square.
func (r *Renderer) FitWithin(imageID string, bound int) (cache.Size, error) {
	st, err := r.state(imageID)
	if err != nil {
		return cache.Size{}, err
	}
	full, err := st.gen.FullSize()
	if err != nil {
		return cache.Size{}, err
	}
	if full.W <= bound && full.H <= bound {
		return full, nil
	}
	if full.W >= full.H {
		return fitWithin(full, cache.Size{W: bound}), nil
	}
	return fitWithin(full, cache.Size{H: bound}), nil
}

func (r *Renderer) GetImageMeta(imageID string) (map[string]interface{}, error) {
	st, err := r.state(imageID)
	if err != nil {
		return nil, err
	}
	gen := st.gen

	meta := map[string]interface{}{
		"id":           imageID,
		"format":       gen.ImageType(),
		"frames":       gen.FrameCount(),
		"loop_count":   gen.RepetitionCount(),
		"complete":     gen.AllDataReceived(),
		"decode_count": gen.DecodeCount(),
		"resampler":    r.resampler.Name(),
	}
	if full, err := gen.FullSize(); err == nil {
		meta["width"] = full.W
		meta["height"] = full.H
		meta["decoded"] = r.decodes.IsCached(gen.ID(), full, 0)
	}
	if info := r.scanner.GetImageByID(imageID); info != nil {
		meta["bytes"] = info.Bytes
		meta["original_filename"] = info.OriginalFilename
	}
	for k, v := range r.animationMeta(st) {
		meta[k] = v
	}
	return meta, nil
}

// Evict drops unreferenced decoded fragments. With an empty imageID every
// image is affected; otherwise only the given one, sparing frame keep (pass
// -1 to spare nothing).
func (r *Renderer) Evict(imageID string, keep int) (int, error) {
	if imageID == "" {
		return r.decodes.EvictAll(), nil
	}
	st, err := r.state(imageID)
	if err != nil {
		return 0, err
	}
	return r.decodes.EvictExceptFrame(st.gen.ID(), keep), nil
}

func (r *Renderer) CacheStats() cache.Stats {
	return r.decodes.Stats()
}

// Remove deletes an image together with everything cached for it.
func (r *Renderer) Remove(imageID string) error {
	r.mu.Lock()
	st := r.images[imageID]
	delete(r.images, imageID)
	r.mu.Unlock()

	if st != nil {
		if s := st.stream; s != nil {
			s.mu.Lock()
			if !s.done {
				s.done = true
				s.file.Close()
				os.Remove(s.file.Name())
			}
			s.mu.Unlock()
		}
		r.stopAnimation(st)
		if st.gen != nil {
			st.gen.Close()
		}
	}
	r.responses.DeleteImage(imageID)
	if err := r.scanner.Remove(imageID); err != nil {
		if errors.Is(err, image_list.ErrNotFound) && st != nil {
			return nil
		}
		return err
	}
	return nil
}

// Close stops every animation.
func (r *Renderer) Close() {
	r.mu.Lock()
	states := make([]*imageState, 0, len(r.images))
	for _, st := range r.images {
		states = append(states, st)
	}
	r.mu.Unlock()

	for _, st := range states {
		r.stopAnimation(st)
	}
}
