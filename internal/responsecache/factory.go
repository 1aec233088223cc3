package responsecache

import (
	"fmt"

	"go.uber.org/zap"
)

// NewCache creates a cache instance based on the cache type
func NewCache(cacheType, cacheFileDir string, maxEntries int, log *zap.Logger) (Cache, error) {
	switch cacheType {
	case "memory":
		log.Info("Using memory response cache", zap.Int("max_entries", maxEntries))
		return NewMemoryCache(maxEntries), nil
	case "file":
		log.Info("Using file response cache", zap.String("cache_dir", cacheFileDir))
		return NewFileCache(cacheFileDir)
	case "none", "disabled":
		log.Info("Response cache disabled")
		return NewNoopCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s (supported: memory, file, none)", cacheType)
	}
}
