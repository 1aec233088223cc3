package image_list

import (
	"image"
	"image/color/palette"
	"image/gif"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lazyimage/internal/codec"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, w, h))))
}

func writeGIF(t *testing.T, path string, frames int) {
	t.Helper()
	anim := &gif.GIF{}
	for i := 0; i < frames; i++ {
		anim.Image = append(anim.Image, image.NewPaletted(image.Rect(0, 0, 12, 8), palette.Plan9))
		anim.Delay = append(anim.Delay, 10)
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, gif.EncodeAll(f, anim))
}

func TestScanMigratesFilesAndReadsMetadata(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "photo.png"), 30, 20)
	writeGIF(t, filepath.Join(dir, "spinner.gif"), 3)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.json"), []byte("{"), 0o644))

	s := New(dir, codec.Default(), zap.NewNop())
	require.NoError(t, s.Scan())

	images := s.GetImages()
	require.Len(t, images, 2)

	byFormat := map[string]ImageInfo{}
	for _, img := range images {
		byFormat[img.Format] = img
		assert.FileExists(t, filepath.Join(dir, img.ID+".json"))
		assert.Equal(t, filepath.Join(dir, img.CurrentFilename), s.GetImagePathByID(img.ID))
	}
	assert.Equal(t, 30, byFormat["png"].Width)
	assert.Equal(t, "photo.png", byFormat["png"].OriginalFilename)
	assert.False(t, byFormat["png"].Animated())
	assert.Equal(t, 3, byFormat["gif"].Frames)
	assert.True(t, byFormat["gif"].Animated())
	assert.NoFileExists(t, filepath.Join(dir, "stale.json"))

	// A second scan reuses the sidecars.
	require.NoError(t, s.Scan())
	again := s.GetImages()
	require.Len(t, again, 2)
	assert.ElementsMatch(t, images, again)
}

func TestProcessUploadedFileAndRemove(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, codec.Default(), zap.NewNop())
	require.NoError(t, s.Scan())

	tmp := filepath.Join(t.TempDir(), "upload")
	writePNG(t, tmp, 8, 6)

	id, err := s.ProcessUploadedFile(tmp, "Upload.PNG")
	require.NoError(t, err)
	info := s.GetImageByID(id)
	require.NotNil(t, info)
	assert.Equal(t, id+".png", info.CurrentFilename)
	assert.Equal(t, 6, info.Height)

	require.NoError(t, s.Remove(id))
	assert.Nil(t, s.GetImageByID(id))
	assert.NoFileExists(t, filepath.Join(dir, id+".png"))
	assert.ErrorIs(t, s.Remove(id), ErrNotFound)

	_, err = s.ProcessUploadedFile(tmp, "notes.txt")
	assert.Error(t, err)
}
