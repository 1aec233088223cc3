package responsecache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileCache implements file-based cache
// Structure: {cacheDir}/{imageID}/{frame}/{targetW}x{targetH}_{resampler}/{x}_{y}_{w}x{h}.{format}
type FileCache struct {
	mu       sync.RWMutex
	cacheDir string
}

func NewFileCache(cacheDir string) (*FileCache, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &FileCache{
		cacheDir: cacheDir,
	}, nil
}

func (c *FileCache) buildFilePath(key FragmentKey) string {
	dir := filepath.Join(c.cacheDir, key.ImageID, fmt.Sprintf("%d", key.Frame),
		fmt.Sprintf("%dx%d_%s", key.TargetW, key.TargetH, key.Resampler))
	fileName := fmt.Sprintf("%d_%d_%dx%d.%s", key.X, key.Y, key.W, key.H, key.Format)
	return filepath.Join(dir, fileName)
}

func (c *FileCache) Has(key FragmentKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, err := os.Stat(c.buildFilePath(key))
	return err == nil
}

func (c *FileCache) Get(key FragmentKey) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(c.buildFilePath(key))
	if err != nil {
		return nil, false
	}

	return data, true
}

func (c *FileCache) Set(key FragmentKey, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	filePath := c.buildFilePath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return
	}

	// Write atomically
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, value, 0644); err != nil {
		return
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return
	}
}

func (c *FileCache) DeleteImage(imageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	os.RemoveAll(filepath.Join(c.cacheDir, imageID))
}

func (c *FileCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.RemoveAll(c.cacheDir); err != nil {
		return
	}

	os.MkdirAll(c.cacheDir, 0755)
}
