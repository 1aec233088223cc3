package image_renderer

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"lazyimage/internal/animation"
)

// Animations whose decoded frames together exceed this keep only the frame
// on screen in the decode cache.
const largeAnimationBytes = 5 << 20

// viewer stands in for whoever displays an animation. Requests that render
// the current frame count as draws; an animation nobody drew for idle is
// paused until the next request.
type viewer struct {
	ctrl      *animation.Controller
	idle      time.Duration
	lastDraw  atomic.Int64
	onAdvance func(frame int)
}

func (v *viewer) touch() {
	v.lastDraw.Store(time.Now().UnixNano())
}

func (v *viewer) ShouldPauseAnimation() bool {
	if v.idle <= 0 {
		return false
	}
	return time.Since(time.Unix(0, v.lastDraw.Load())) > v.idle
}

func (v *viewer) AnimationAdvanced() {
	v.onAdvance(v.ctrl.CurrentFrame())
	v.ctrl.Start(animation.CatchUpIfNecessary)
}

func (r *Renderer) newAnimation(st *imageState) {
	st.viewer = &viewer{idle: r.animIdle}
	st.anim = animation.NewController(st.gen, st.viewer, animation.Options{
		Scheduler: r.runner,
		Policy:    r.animPol,
		Logger:    r.logger.With(zap.String("image", st.id)),
	})
	st.viewer.ctrl = st.anim
	st.viewer.onAdvance = func(frame int) {
		full, err := st.gen.FullSize()
		if err != nil || full.Area()*4*int64(st.gen.FrameCount()) <= largeAnimationBytes {
			return
		}
		if n := r.decodes.EvictExceptFrame(st.gen.ID(), frame); n > 0 {
			r.logger.Debug("Dropped frames of large animation",
				zap.String("image", st.id), zap.Int("frame", frame), zap.Int("evicted", n))
		}
	}
}

// currentFrame returns the frame the image's animation is showing and
// counts the call as a draw. Still images, and renderers without a task
// runner, always show frame 0.
func (r *Renderer) currentFrame(st *imageState) int {
	if r.runner == nil {
		return 0
	}
	frame := 0
	err := r.runner.Do(func() {
		if st.anim == nil {
			if st.gen.FrameCount() <= 1 {
				return
			}
			r.newAnimation(st)
		}
		st.viewer.touch()
		st.anim.Start(animation.CatchUpIfNecessary)
		frame = st.anim.CurrentFrame()
	})
	if err != nil {
		r.logger.Debug("Animation runner unavailable", zap.String("image", st.id), zap.Error(err))
	}
	return frame
}

func (r *Renderer) animationMeta(st *imageState) map[string]interface{} {
	meta := map[string]interface{}{}
	if r.runner == nil {
		return meta
	}
	_ = r.runner.Do(func() {
		if st.anim == nil {
			return
		}
		meta["current_frame"] = st.anim.CurrentFrame()
		meta["repetitions"] = st.anim.RepetitionsComplete()
		meta["finished"] = st.anim.Finished()
		meta["animating"] = st.anim.Animating()
		meta["animation_policy"] = st.anim.Policy().String()
	})
	return meta
}

// SetAnimationPolicy changes how the image animates and rewinds it.
func (r *Renderer) SetAnimationPolicy(imageID string, p animation.Policy) error {
	st, err := r.state(imageID)
	if err != nil {
		return err
	}
	if r.runner == nil {
		return animation.ErrRunnerClosed
	}
	return r.runner.Do(func() {
		if st.anim == nil {
			if st.gen.FrameCount() <= 1 {
				return
			}
			r.newAnimation(st)
		}
		st.anim.SetPolicy(p)
	})
}

func (r *Renderer) stopAnimation(st *imageState) {
	if r.runner == nil {
		return
	}
	_ = r.runner.Do(func() {
		if st.anim != nil {
			st.anim.Stop()
		}
	})
}
