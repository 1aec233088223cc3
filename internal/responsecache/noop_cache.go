package responsecache

type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Get(key FragmentKey) ([]byte, bool) {
	return nil, false
}

func (c *NoopCache) Set(key FragmentKey, value []byte) {
}

func (c *NoopCache) Has(key FragmentKey) bool {
	return false
}

func (c *NoopCache) DeleteImage(imageID string) {
}

func (c *NoopCache) Clear() {
}
