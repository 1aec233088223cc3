// Package trace carries paired begin/end notifications around decode and
// resample work for external tracing tools. Notifications are fire-and-forget:
// a Tracer never influences the control flow of its caller.
package trace

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event names emitted by the decode pipeline.
const (
	EventDecodeImage      = "DecodeImage"
	EventResizeImage      = "ResizeImage"
	EventDecodeLazyPixels = "DecodeLazyPixelSource"

	ArgImageType = "imageType"
	ArgCached    = "cached"
	ArgGenerator = "generator"
)

type Arg struct {
	Key   string
	Value any
}

func String(key, value string) Arg   { return Arg{Key: key, Value: value} }
func Bool(key string, value bool) Arg { return Arg{Key: key, Value: value} }

type Tracer interface {
	Begin(name string, args ...Arg)
	End(name string, args ...Arg)
}

type nop struct{}

func (nop) Begin(string, ...Arg) {}
func (nop) End(string, ...Arg)   {}

// Nop discards every event.
var Nop Tracer = nop{}

// OrNop returns t, or Nop when t is nil.
func OrNop(t Tracer) Tracer {
	if t == nil {
		return Nop
	}
	return t
}

// LogTracer writes events to a zap logger at debug level.
type LogTracer struct {
	logger *zap.Logger
}

func NewLogTracer(logger *zap.Logger) *LogTracer {
	return &LogTracer{logger: logger.Named("trace")}
}

func (t *LogTracer) Begin(name string, args ...Arg) {
	if ce := t.logger.Check(zap.DebugLevel, "begin"); ce != nil {
		ce.Write(fields(name, args)...)
	}
}

func (t *LogTracer) End(name string, args ...Arg) {
	if ce := t.logger.Check(zap.DebugLevel, "end"); ce != nil {
		ce.Write(fields(name, args)...)
	}
}

func fields(name string, args []Arg) []zap.Field {
	fs := make([]zap.Field, 0, len(args)+1)
	fs = append(fs, zap.String("event", name))
	for _, a := range args {
		fs = append(fs, zap.Any(a.Key, a.Value))
	}
	return fs
}

// Record is one event captured by a Recorder.
type Record struct {
	Name  string
	Begin bool
	Args  []Arg
	At    time.Time
}

// Recorder keeps every event in memory. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *Recorder) Begin(name string, args ...Arg) { r.add(name, true, args) }
func (r *Recorder) End(name string, args ...Arg)   { r.add(name, false, args) }

func (r *Recorder) add(name string, begin bool, args []Arg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, Record{Name: name, Begin: begin, Args: args, At: time.Now()})
}

func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Count returns how many begin (or end) events named name were recorded.
func (r *Recorder) Count(name string, begin bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.Name == name && rec.Begin == begin {
			n++
		}
	}
	return n
}
