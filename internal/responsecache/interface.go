// Package responsecache keeps encoded fragment responses so repeated
// requests skip both decoding and encoding.
package responsecache

import "fmt"

// FragmentKey identifies an encoded fragment of one image frame.
type FragmentKey struct {
	ImageID   string
	Frame     int
	TargetW   int
	TargetH   int
	X         int
	Y         int
	W         int
	H         int
	Resampler string
	Format    string
}

func (k FragmentKey) String() string {
	return fmt.Sprintf("%s/%d/%dx%d/%d_%d_%dx%d.%s.%s", k.ImageID, k.Frame, k.TargetW, k.TargetH, k.X, k.Y, k.W, k.H, k.Resampler, k.Format)
}

type Cache interface {
	Get(key FragmentKey) ([]byte, bool)
	Set(key FragmentKey, value []byte)
	Has(key FragmentKey) bool // Check if a response exists without reading it
	// DeleteImage drops every response of one image.
	DeleteImage(imageID string)
	Clear()
}
