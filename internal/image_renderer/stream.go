package image_renderer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lazyimage/internal/image_list"
)

var ErrNotStreaming = errors.New("image is not streaming")

// stream is an upload in progress. Its bytes go both to the generator,
// which serves them right away, and to a temp file that becomes the stored
// image once the last chunk arrived.
type stream struct {
	mu   sync.Mutex
	name string
	file *os.File
	done bool
}

// StartStream registers an image whose data arrives in chunks. The image can
// be rendered as soon as its header is in.
func (r *Renderer) StartStream(name string) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if !image_list.Extensions[ext] {
		return "", fmt.Errorf("unsupported image format: %s", ext)
	}
	file, err := os.CreateTemp(r.scanner.DataDir(), "stream_*"+ext+".part")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}

	id := uuid.New().String()
	st := &imageState{
		id:     id,
		gen:    r.newGenerator(id),
		stream: &stream{name: name, file: file},
	}
	st.once.Do(func() {})

	r.mu.Lock()
	r.images[id] = st
	r.mu.Unlock()

	r.logger.Info("Started stream", zap.String("image", id), zap.String("name", name))
	return id, nil
}

// AppendStream adds a chunk to a streaming image. With final set the image
// is complete: it is stored and listed like any upload.
func (r *Renderer) AppendStream(imageID string, chunk []byte, final bool) error {
	r.mu.Lock()
	st := r.images[imageID]
	r.mu.Unlock()
	if st == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, imageID)
	}
	s := st.stream
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNotStreaming, imageID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return fmt.Errorf("%w: %s", ErrNotStreaming, imageID)
	}

	if _, err := s.file.Write(chunk); err != nil {
		r.abortStream(st)
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	if err := st.gen.Append(chunk, final); err != nil {
		r.abortStream(st)
		return err
	}
	if !final {
		return nil
	}

	s.done = true
	tmp := s.file.Name()
	if err := s.file.Close(); err != nil {
		r.abortStream(st)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if _, err := r.scanner.ProcessUploadedFileAs(imageID, tmp, s.name); err != nil {
		r.abortStream(st)
		return err
	}
	r.logger.Info("Finished stream", zap.String("image", imageID), zap.Int("frames", st.gen.FrameCount()))
	return nil
}

// abortStream forgets a failed stream. Callers hold st.stream.mu.
func (r *Renderer) abortStream(st *imageState) {
	r.mu.Lock()
	if r.images[st.id] == st {
		delete(r.images, st.id)
	}
	r.mu.Unlock()

	st.stream.done = true
	st.stream.file.Close()
	os.Remove(st.stream.file.Name())
	r.stopAnimation(st)
	st.gen.Close()
	r.logger.Warn("Aborted stream", zap.String("image", st.id))
}
