// Package codec is the boundary between the decode pipeline and the image
// format decoders. Decoders are stateless with respect to the encoded bytes:
// every call receives the full byte prefix received so far, which may be
// incomplete while an image is still streaming in.
package codec

import (
	"errors"
	"fmt"
	"time"

	"lazyimage/internal/surface"
)

var (
	// ErrIncompleteData means more encoded bytes are needed before the
	// request can be satisfied.
	ErrIncompleteData = errors.New("codec: incomplete data")
	// ErrCorrupt means the encoded bytes can never produce the request.
	ErrCorrupt = errors.New("codec: corrupt data")
	// ErrUnknownFormat is returned when no registered decoder claims the data.
	ErrUnknownFormat = errors.New("codec: unknown image format")
	// ErrFrameIndex is returned for frame indexes past the end of the image.
	ErrFrameIndex = errors.New("codec: frame index out of range")
)

// Repetition counts reported by RepetitionCount.
const (
	LoopInfinite = -1
	LoopOnce     = 0
	LoopNone     = -2
)

// SniffLength is the number of leading bytes the registry needs to tell
// formats apart.
const SniffLength = 262

// Decoder decodes one image. Implementations may memoize work keyed on the
// data they are handed, so each image gets its own Decoder.
type Decoder interface {
	Name() string
	// Size returns the native size once the header is available.
	Size(data []byte) (width, height int, err error)
	// FrameCount returns the number of frames whose bytes are fully present.
	FrameCount(data []byte) int
	DecodeFrame(data []byte, index int) (*surface.Surface, error)
	FrameDuration(data []byte, index int) time.Duration
	RepetitionCount(data []byte) int
}

// Format registers a decoder factory under a content sniffer.
type Format struct {
	Name  string
	Sniff func(header []byte) bool
	New   func() Decoder
}

type Registry struct {
	formats []Format
}

func NewRegistry(formats ...Format) *Registry {
	return &Registry{formats: formats}
}

// Default returns a registry with every built-in format.
func Default() *Registry {
	return NewRegistry(
		ZFrameFormat(),
		PNGFormat(),
		JPEGFormat(),
		GIFFormat(),
		WebPFormat(),
		BMPFormat(),
		TIFFFormat(),
	)
}

// Register adds a format. Later registrations take precedence.
func (r *Registry) Register(f Format) {
	r.formats = append([]Format{f}, r.formats...)
}

func (r *Registry) HasSufficientDataToSniffType(data []byte) bool {
	return len(data) >= SniffLength
}

// Lookup picks a decoder for data. When allDataReceived is false and the
// prefix is too short to sniff, it returns ErrIncompleteData.
func (r *Registry) Lookup(data []byte, allDataReceived bool) (Decoder, error) {
	if !allDataReceived && !r.HasSufficientDataToSniffType(data) {
		return nil, ErrIncompleteData
	}
	header := data
	if len(header) > SniffLength {
		header = header[:SniffLength]
	}
	for _, f := range r.formats {
		if f.Sniff(header) {
			return f.New(), nil
		}
	}
	if len(data) == 0 {
		return nil, ErrIncompleteData
	}
	return nil, fmt.Errorf("%w (%d bytes)", ErrUnknownFormat, len(data))
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.formats))
	for _, f := range r.formats {
		names = append(names, f.Name)
	}
	return names
}
