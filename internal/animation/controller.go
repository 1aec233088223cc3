// Package animation advances the current frame of animated images.
//
// A Controller is not safe for concurrent use. All of its methods, and the
// callbacks it schedules, must run on one goroutine; TaskRunner provides
// such a goroutine for production use.
package animation

import (
	"time"

	"go.uber.org/zap"

	"lazyimage/internal/codec"
)

// Animations more than this far behind are restarted from the current time
// instead of looping through every missed frame.
const resyncCutoff = 5 * time.Minute

// FrameSource describes the frames of an image. FrameGenerator implements
// it.
type FrameSource interface {
	FrameCount() int
	FrameDuration(index int) time.Duration
	RepetitionCount() int
	IsFrameComplete(index int) bool
	AllDataReceived() bool
}

type Observer interface {
	// ShouldPauseAnimation reports that nobody looks at the image anymore.
	// The controller then stays on the current frame until restarted.
	ShouldPauseAnimation() bool
	// AnimationAdvanced is called when a new frame should be drawn.
	AnimationAdvanced()
}

type Clock interface {
	Now() time.Time
}

type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d, on the controller's goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type Policy int

const (
	Allowed Policy = iota
	AnimateOnce
	NoAnimation
)

func (p Policy) String() string {
	switch p {
	case Allowed:
		return "allowed"
	case AnimateOnce:
		return "once"
	case NoAnimation:
		return "none"
	default:
		return "unknown"
	}
}

// ParsePolicy accepts the names returned by Policy.String.
func ParsePolicy(s string) (Policy, bool) {
	switch s {
	case "", "allowed":
		return Allowed, true
	case "once":
		return AnimateOnce, true
	case "none":
		return NoAnimation, true
	}
	return Allowed, false
}

type CatchUp bool

const (
	DoNotCatchUp       CatchUp = false
	CatchUpIfNecessary CatchUp = true
)

type certainty int

const (
	unknown certainty = iota
	uncertain
	certain
)

type Options struct {
	Clock     Clock
	Scheduler Scheduler
	Policy    Policy
	Logger    *zap.Logger
}

type Controller struct {
	src      FrameSource
	observer Observer
	clock    Clock
	sched    Scheduler
	logger   *zap.Logger
	policy   Policy

	currentFrame        int
	repetitionsComplete int
	desiredStart        time.Time
	finished            bool
	paused              bool
	timer               Timer

	repetitionCount  int
	repetitionStatus certainty
}

func NewController(src FrameSource, observer Observer, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Controller{
		src:      src,
		observer: observer,
		clock:    opts.Clock,
		sched:    opts.Scheduler,
		logger:   opts.Logger,
		policy:   opts.Policy,
	}
}

func (c *Controller) CurrentFrame() int                { return c.currentFrame }
func (c *Controller) RepetitionsComplete() int         { return c.repetitionsComplete }
func (c *Controller) Finished() bool                   { return c.finished }
func (c *Controller) Animating() bool                  { return c.timer != nil }
func (c *Controller) Policy() Policy                   { return c.policy }
func (c *Controller) DesiredFrameStartTime() time.Time { return c.desiredStart }

// RepetitionCount returns the loop count of the source. A count read before
// all data arrived is re-read once the image is known to be complete, since
// some formats store it after the frames.
func (c *Controller) RepetitionCount(imageKnownToBeComplete bool) int {
	if c.repetitionStatus == unknown || (c.repetitionStatus == uncertain && imageKnownToBeComplete) {
		c.repetitionCount = c.src.RepetitionCount()
		if imageKnownToBeComplete || c.repetitionCount == codec.LoopNone {
			c.repetitionStatus = certain
		} else {
			c.repetitionStatus = uncertain
		}
	}
	return c.repetitionCount
}

func (c *Controller) shouldAnimate() bool {
	return c.RepetitionCount(false) != codec.LoopNone && !c.finished &&
		c.observer != nil && c.policy != NoAnimation
}

// Start schedules the next frame. It is called on every draw; it does
// nothing while a frame is already scheduled, the animation is over, or the
// next frame has not been received yet.
//
// With CatchUpIfNecessary a controller that fell behind skips the frames
// whose time has passed, without reporting them to the observer, and shows
// the next one at once.
func (c *Controller) Start(catchUp CatchUp) {
	c.paused = false
	if c.timer != nil || !c.shouldAnimate() {
		return
	}
	count := c.src.FrameCount()
	if count <= 1 {
		return
	}

	now := c.clock.Now()
	if c.desiredStart.IsZero() {
		c.desiredStart = now
	}

	next := (c.currentFrame + 1) % count
	allData := c.src.AllDataReceived()
	if !allData && !c.src.IsFrameComplete(next) {
		return
	}
	// The loop count may follow the frames in the stream; wait for it before
	// wrapping around.
	if !allData && (c.RepetitionCount(false) == codec.LoopOnce || c.policy == AnimateOnce) && c.currentFrame >= count-1 {
		return
	}

	current := c.src.FrameDuration(c.currentFrame)
	c.desiredStart = c.desiredStart.Add(current)

	if now.Sub(c.desiredStart) > resyncCutoff {
		c.desiredStart = now.Add(current)
	}

	// An image that loaded slower than it animates would otherwise skip most
	// of its first loop.
	if next == 0 && c.repetitionsComplete == 0 && c.desiredStart.Before(now) {
		c.desiredStart = now
	}

	if catchUp == DoNotCatchUp || now.Before(c.desiredStart) {
		delay := c.desiredStart.Sub(now)
		if delay < 0 {
			delay = 0
		}
		c.timer = c.sched.AfterFunc(delay, c.timerFired)
		return
	}

	for after := (next + 1) % count; c.src.IsFrameComplete(after); after = (next + 1) % count {
		afterStart := c.desiredStart.Add(c.src.FrameDuration(next))
		if now.Before(afterStart) {
			break
		}
		if !c.advance(true) {
			return
		}
		c.desiredStart = afterStart
		next = after
	}

	if c.advance(false) {
		// Nothing draws between here and the caller returning, so keep the
		// animation moving with a timer.
		c.Start(DoNotCatchUp)
	}
}

func (c *Controller) timerFired() {
	c.timer = nil
	c.advance(false)
}

// Stop cancels the scheduled frame, keeping the current position.
func (c *Controller) Stop() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Pause makes the next scheduled advance a no-op. The animation continues
// with the next Start.
func (c *Controller) Pause() {
	c.paused = true
}

// Reset stops the animation and rewinds it to the first frame.
func (c *Controller) Reset() {
	c.Stop()
	c.currentFrame = 0
	c.repetitionsComplete = 0
	c.desiredStart = time.Time{}
	c.finished = false
	c.paused = false
}

// SetPolicy changes the animation policy and rewinds the animation.
func (c *Controller) SetPolicy(p Policy) {
	if c.policy == p {
		return
	}
	c.policy = p
	c.Reset()
}

// advance moves to the next frame and reports whether it did. When
// skipping, the observer is only told about the frame the controller ends
// up on.
func (c *Controller) advance(skipping bool) bool {
	c.Stop()

	if !skipping && (c.paused || c.observer.ShouldPauseAnimation()) {
		return false
	}

	c.currentFrame++
	advanced := true
	if c.currentFrame >= c.src.FrameCount() {
		c.repetitionsComplete++

		// LoopOnce is zero, so one completed pass ends it.
		rc := c.RepetitionCount(true)
		if (rc != codec.LoopInfinite && c.repetitionsComplete > rc) || c.policy == AnimateOnce {
			c.finished = true
			c.desiredStart = time.Time{}
			c.currentFrame--
			advanced = false
			c.logger.Debug("Animation finished", zap.Int("repetitions", c.repetitionsComplete))
		} else {
			c.currentFrame = 0
		}
	}

	if skipping != advanced {
		c.observer.AnimationAdvanced()
	}
	return advanced
}
