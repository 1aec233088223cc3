package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/draw"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"lazyimage/internal/surface"
)

// ZFrame is a simple multi-frame container: a fixed header followed by
// zstd-compressed RGBA frames, each preceded by its duration and length.
// Frames become decodable one by one as their bytes arrive, which makes the
// format handy for streaming and animation.
//
//	"ZFRM" | version u8 | width u32 | height u32 | loop i32 | frames u32
//	{ duration_ms u32 | length u32 | zstd(RGBA) }*
const (
	zframeMagic   = "ZFRM"
	zframeVersion = 1
	zframeHeader  = 21
	zframeFrameHd = 8

	maxZFramePixels = 1 << 28
	maxZFrames      = 1 << 16
)

var zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
})

var zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
})

type zframeInfo struct {
	width, height int
	loop          int
	declared      int
}

type zframeRef struct {
	duration time.Duration
	payload  []byte
}

type zframeDecoder struct {
	mu      sync.Mutex
	memoLen int
	hdr     zframeInfo
	frames  []zframeRef
	err     error
}

func ZFrameFormat() Format {
	return Format{
		Name:  "zframe",
		Sniff: func(header []byte) bool { return bytes.HasPrefix(header, []byte(zframeMagic)) },
		New:   func() Decoder { return &zframeDecoder{memoLen: -1} },
	}
}

func (d *zframeDecoder) Name() string { return "zframe" }

func (d *zframeDecoder) parse(data []byte) (zframeInfo, []zframeRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.memoLen != len(data) {
		d.memoLen = len(data)
		d.hdr, d.frames, d.err = parseZFrame(data)
	}
	return d.hdr, d.frames, d.err
}

func parseZFrame(data []byte) (zframeInfo, []zframeRef, error) {
	var hdr zframeInfo
	if len(data) < zframeHeader {
		return hdr, nil, ErrIncompleteData
	}
	if string(data[:4]) != zframeMagic || data[4] != zframeVersion {
		return hdr, nil, fmt.Errorf("zframe: %w: bad magic or version", ErrCorrupt)
	}
	hdr.width = int(binary.LittleEndian.Uint32(data[5:]))
	hdr.height = int(binary.LittleEndian.Uint32(data[9:]))
	hdr.loop = int(int32(binary.LittleEndian.Uint32(data[13:])))
	hdr.declared = int(binary.LittleEndian.Uint32(data[17:]))
	if hdr.width <= 0 || hdr.height <= 0 || int64(hdr.width)*int64(hdr.height) > maxZFramePixels {
		return hdr, nil, fmt.Errorf("zframe: %w: size %dx%d", ErrCorrupt, hdr.width, hdr.height)
	}
	if hdr.declared <= 0 || hdr.declared > maxZFrames {
		return hdr, nil, fmt.Errorf("zframe: %w: %d frames", ErrCorrupt, hdr.declared)
	}

	var frames []zframeRef
	rest := data[zframeHeader:]
	for len(frames) < hdr.declared && len(rest) >= zframeFrameHd {
		ms := binary.LittleEndian.Uint32(rest)
		n := int(binary.LittleEndian.Uint32(rest[4:]))
		if n <= 0 {
			return hdr, nil, fmt.Errorf("zframe: %w: empty frame %d", ErrCorrupt, len(frames))
		}
		if len(rest)-zframeFrameHd < n {
			break
		}
		frames = append(frames, zframeRef{
			duration: time.Duration(ms) * time.Millisecond,
			payload:  rest[zframeFrameHd : zframeFrameHd+n],
		})
		rest = rest[zframeFrameHd+n:]
	}
	return hdr, frames, nil
}

func (d *zframeDecoder) Size(data []byte) (int, int, error) {
	hdr, _, err := d.parse(data)
	if err != nil {
		return 0, 0, err
	}
	return hdr.width, hdr.height, nil
}

func (d *zframeDecoder) FrameCount(data []byte) int {
	_, frames, _ := d.parse(data)
	return len(frames)
}

func (d *zframeDecoder) DecodeFrame(data []byte, index int) (*surface.Surface, error) {
	hdr, frames, err := d.parse(data)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= hdr.declared {
		return nil, fmt.Errorf("%w: %d", ErrFrameIndex, index)
	}
	if index >= len(frames) {
		return nil, ErrIncompleteData
	}

	dec, err := zstdDecoder()
	if err != nil {
		return nil, fmt.Errorf("zframe: failed to create decoder: %w", err)
	}
	want := hdr.width * hdr.height * 4
	pix, err := dec.DecodeAll(frames[index].payload, make([]byte, 0, want))
	if err != nil {
		return nil, fmt.Errorf("zframe: %w: frame %d: %v", ErrCorrupt, index, err)
	}
	if len(pix) != want {
		return nil, fmt.Errorf("zframe: %w: frame %d has %d bytes, want %d", ErrCorrupt, index, len(pix), want)
	}
	return surface.Adopt(&image.RGBA{
		Pix:    pix,
		Stride: hdr.width * 4,
		Rect:   image.Rect(0, 0, hdr.width, hdr.height),
	})
}

func (d *zframeDecoder) FrameDuration(data []byte, index int) time.Duration {
	_, frames, _ := d.parse(data)
	if index < 0 || index >= len(frames) {
		return 0
	}
	return frames[index].duration
}

func (d *zframeDecoder) RepetitionCount(data []byte) int {
	hdr, _, err := d.parse(data)
	if err != nil {
		return LoopOnce
	}
	if hdr.declared == 1 {
		return LoopNone
	}
	return hdr.loop
}

// ZFrameImage is the input of EncodeZFrame.
type ZFrameImage struct {
	Width     int
	Height    int
	LoopCount int
	Frames    []image.Image
	Durations []time.Duration
}

// EncodeZFrame writes img in the ZFrame container format.
func EncodeZFrame(w io.Writer, img ZFrameImage) error {
	if img.Width <= 0 || img.Height <= 0 || len(img.Frames) == 0 {
		return fmt.Errorf("zframe: nothing to encode")
	}
	enc, err := zstdEncoder()
	if err != nil {
		return fmt.Errorf("zframe: failed to create encoder: %w", err)
	}

	hdr := make([]byte, zframeHeader)
	copy(hdr, zframeMagic)
	hdr[4] = zframeVersion
	binary.LittleEndian.PutUint32(hdr[5:], uint32(img.Width))
	binary.LittleEndian.PutUint32(hdr[9:], uint32(img.Height))
	binary.LittleEndian.PutUint32(hdr[13:], uint32(int32(img.LoopCount)))
	binary.LittleEndian.PutUint32(hdr[17:], uint32(len(img.Frames)))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("zframe: failed to write header: %w", err)
	}

	bounds := image.Rect(0, 0, img.Width, img.Height)
	for i, frame := range img.Frames {
		rgba := image.NewRGBA(bounds)
		draw.Draw(rgba, bounds, frame, frame.Bounds().Min, draw.Src)
		payload := enc.EncodeAll(rgba.Pix, nil)

		var duration time.Duration
		if i < len(img.Durations) {
			duration = img.Durations[i]
		}
		fh := make([]byte, zframeFrameHd)
		binary.LittleEndian.PutUint32(fh, uint32(duration/time.Millisecond))
		binary.LittleEndian.PutUint32(fh[4:], uint32(len(payload)))
		if _, err := w.Write(fh); err != nil {
			return fmt.Errorf("zframe: failed to write frame %d: %w", i, err)
		}
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("zframe: failed to write frame %d: %w", i, err)
		}
	}
	return nil
}
