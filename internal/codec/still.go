package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"sync"
	"time"

	"github.com/h2non/filetype"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"

	"lazyimage/internal/surface"
)

// still adapts a single-frame image/* style decoder.
type still struct {
	name   string
	decode func(io.Reader) (image.Image, error)
	config func(io.Reader) (image.Config, error)

	// Encoded data only ever grows, so its length identifies a snapshot.
	mu      sync.Mutex
	memoLen int
	memo    *surface.Surface
	memoErr error
}

func stillFormat(name, ext string, decode func(io.Reader) (image.Image, error), config func(io.Reader) (image.Config, error)) Format {
	return Format{
		Name:  name,
		Sniff: func(header []byte) bool { return filetype.Is(header, ext) },
		New: func() Decoder {
			return &still{name: name, decode: decode, config: config, memoLen: -1}
		},
	}
}

func PNGFormat() Format  { return stillFormat("png", "png", png.Decode, png.DecodeConfig) }
func JPEGFormat() Format { return stillFormat("jpeg", "jpg", jpeg.Decode, jpeg.DecodeConfig) }
func WebPFormat() Format { return stillFormat("webp", "webp", webp.Decode, webp.DecodeConfig) }
func BMPFormat() Format  { return stillFormat("bmp", "bmp", bmp.Decode, bmp.DecodeConfig) }
func TIFFFormat() Format { return stillFormat("tiff", "tif", tiff.Decode, tiff.DecodeConfig) }

func (d *still) Name() string { return d.name }

func (d *still) Size(data []byte) (int, int, error) {
	cfg, err := d.config(bytes.NewReader(data))
	if err != nil {
		return 0, 0, classify(d.name, err)
	}
	return cfg.Width, cfg.Height, nil
}

func (d *still) FrameCount(data []byte) int {
	if _, err := d.full(data); err != nil {
		return 0
	}
	return 1
}

func (d *still) DecodeFrame(data []byte, index int) (*surface.Surface, error) {
	if index != 0 {
		return nil, fmt.Errorf("%w: %d", ErrFrameIndex, index)
	}
	return d.full(data)
}

func (d *still) full(data []byte) (*surface.Surface, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.memoLen == len(data) {
		return d.memo, d.memoErr
	}
	var s *surface.Surface
	img, err := d.decode(bytes.NewReader(data))
	if err == nil {
		s, err = surface.New(img)
	}
	if err != nil {
		err = classify(d.name, err)
	}
	d.memoLen, d.memo, d.memoErr = len(data), s, err
	return s, err
}

func (d *still) FrameDuration([]byte, int) time.Duration { return 0 }
func (d *still) RepetitionCount([]byte) int              { return LoopNone }

// classify maps decoder errors onto ErrIncompleteData or ErrCorrupt.
func classify(name string, err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: %w", name, ErrIncompleteData)
	}
	return fmt.Errorf("%s: %w: %v", name, ErrCorrupt, err)
}
