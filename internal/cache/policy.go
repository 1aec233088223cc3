package cache

import "sync"

// Default resampling cache thresholds.
const (
	DefaultSmallArea       = 4096
	DefaultLargeArea       = 4096 * 4096
	DefaultRepeatThreshold = 4
)

type PolicyOptions struct {
	// SmallArea is the fragment area (px²) at or below which results are
	// always cached.
	SmallArea int64
	// LargeArea is the fragment area above which results are never cached.
	LargeArea int64
	// RepeatThreshold is the number of repeated requests for one shape after
	// which a result is cached regardless of its coverage.
	RepeatThreshold int
}

func DefaultPolicyOptions() PolicyOptions {
	return PolicyOptions{
		SmallArea:       DefaultSmallArea,
		LargeArea:       DefaultLargeArea,
		RepeatThreshold: DefaultRepeatThreshold,
	}
}

func (o PolicyOptions) withDefaults() PolicyOptions {
	d := DefaultPolicyOptions()
	if o.SmallArea <= 0 {
		o.SmallArea = d.SmallArea
	}
	if o.LargeArea <= 0 {
		o.LargeArea = d.LargeArea
	}
	if o.RepeatThreshold <= 0 {
		o.RepeatThreshold = d.RepeatThreshold
	}
	return o
}

// ResamplePolicy decides whether a resampled fragment of one image is worth
// keeping. It remembers a single request shape per image: asking for a
// different shape resets the repeat counter and retires the surface cached
// for the previous shape.
type ResamplePolicy struct {
	mu      sync.Mutex
	opts    PolicyOptions
	last    Key
	hasLast bool
	repeats int
}

func NewResamplePolicy(opts PolicyOptions) *ResamplePolicy {
	return &ResamplePolicy{opts: opts.withDefaults()}
}

// Decision is the outcome of ResamplePolicy.Observe.
type Decision struct {
	Cache bool
	// Retired is the previous shape's key when the shape changed.
	Retired    Key
	HasRetired bool
}

// Observe records a request for key and decides whether its result should
// be cached.
func (p *ResamplePolicy) Observe(key Key, allDataReceived bool) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	var d Decision
	if p.hasLast && p.last == key {
		p.repeats++
	} else {
		if p.hasLast {
			d.Retired, d.HasRetired = p.last, true
		}
		p.last, p.hasLast = key, true
		p.repeats = 0
	}

	if !allDataReceived {
		return d
	}

	fragment := key.FragmentArea()
	switch {
	case fragment > p.opts.LargeArea:
	case fragment <= p.opts.SmallArea:
		d.Cache = true
	case p.repeats >= p.opts.RepeatThreshold:
		d.Cache = true
	default:
		d.Cache = fragment > key.Target.Area()/4
	}
	return d
}

// Current returns the last observed shape and its repeat count.
func (p *ResamplePolicy) Current() (Key, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.repeats, p.hasLast
}

// Reset forgets the remembered shape.
func (p *ResamplePolicy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last, p.hasLast, p.repeats = Key{}, false, 0
}
