package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"sync"
	"time"

	"github.com/h2non/filetype"

	"lazyimage/internal/surface"
)

type gifDecoder struct {
	mu      sync.Mutex
	memoLen int
	frames  []*surface.Surface
	delays  []time.Duration
	loop    int
	err     error
}

func GIFFormat() Format {
	return Format{
		Name:  "gif",
		Sniff: func(header []byte) bool { return filetype.Is(header, "gif") },
		New:   func() Decoder { return &gifDecoder{memoLen: -1} },
	}
}

func (d *gifDecoder) Name() string { return "gif" }

func (d *gifDecoder) Size(data []byte) (int, int, error) {
	cfg, err := gif.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, classify("gif", err)
	}
	return cfg.Width, cfg.Height, nil
}

func (d *gifDecoder) FrameCount(data []byte) int {
	if err := d.load(data); err != nil {
		return 0
	}
	return len(d.frames)
}

func (d *gifDecoder) DecodeFrame(data []byte, index int) (*surface.Surface, error) {
	if err := d.load(data); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.frames) {
		return nil, fmt.Errorf("%w: %d", ErrFrameIndex, index)
	}
	return d.frames[index], nil
}

func (d *gifDecoder) FrameDuration(data []byte, index int) time.Duration {
	if err := d.load(data); err != nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.delays) {
		return 0
	}
	return d.delays[index]
}

func (d *gifDecoder) RepetitionCount(data []byte) int {
	if err := d.load(data); err != nil {
		return LoopOnce
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loop
}

// load decodes and composites every frame of data, once per snapshot.
func (d *gifDecoder) load(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.memoLen == len(data) {
		return d.err
	}
	d.memoLen = len(data)
	d.frames, d.delays, d.err = nil, nil, nil

	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		d.err = classify("gif", err)
		return d.err
	}
	if len(g.Image) == 0 {
		d.err = fmt.Errorf("gif: %w: no frames", ErrCorrupt)
		return d.err
	}

	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if bounds.Empty() {
		bounds = g.Image[0].Bounds()
	}
	canvas := image.NewRGBA(bounds)
	for i, frame := range g.Image {
		var saved *image.RGBA
		disposal := byte(gif.DisposalNone)
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}
		if disposal == gif.DisposalPrevious {
			saved = image.NewRGBA(bounds)
			copy(saved.Pix, canvas.Pix)
		}

		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		s, err := surface.New(canvas)
		if err != nil {
			d.err = fmt.Errorf("gif: %w: %v", ErrCorrupt, err)
			return d.err
		}
		d.frames = append(d.frames, s)

		delay := time.Duration(0)
		if i < len(g.Delay) {
			delay = time.Duration(g.Delay[i]) * 10 * time.Millisecond
		}
		d.delays = append(d.delays, delay)

		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, frame.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			copy(canvas.Pix, saved.Pix)
		}
	}

	switch {
	case len(d.frames) == 1:
		d.loop = LoopNone
	case g.LoopCount == 0:
		d.loop = LoopInfinite
	case g.LoopCount < 0:
		d.loop = LoopOnce
	default:
		d.loop = g.LoopCount
	}
	return nil
}
