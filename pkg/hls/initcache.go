package hls

import "sync"

// MaxInitSegments bounds the per-receiver init-section cache.
const MaxInitSegments = 16

// initCacheEntry pairs a cached InitSection with the MediaObject currently
// holding its downloaded bytes.
type initCacheEntry struct {
	section *InitSection
	object  *MediaObject
}

// initSectionCache is a FIFO-eviction cache of downloaded init sections,
// keyed by absolute URL rather than the source's pointer identity, per
// DESIGN NOTES (the redesign needed so cache hits survive playlist
// refresh, which always allocates fresh InitSection values).
type initSectionCache struct {
	mu       sync.Mutex
	order    []string
	entries  map[string]*initCacheEntry
	capacity int
}

func newInitSectionCache() *initSectionCache {
	return &initSectionCache{
		entries:  make(map[string]*initCacheEntry),
		capacity: MaxInitSegments,
	}
}

// lookup returns the cached MediaObject for an init section's URL, if any.
func (c *initSectionCache) lookup(url string) *MediaObject {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[url]; ok {
		return e.object
	}
	return nil
}

// insert adds a freshly started init-section MediaObject to the cache,
// evicting the oldest entry (by insertion order) if at capacity. It
// returns the MediaObject evicted, if any, so the caller can tear it down.
func (c *initSectionCache) insert(section *InitSection, obj *MediaObject) *MediaObject {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[section.URL]; ok {
		return nil
	}

	var evicted *MediaObject
	if len(c.order) >= c.capacity {
		oldestURL := c.order[0]
		c.order = c.order[1:]
		if e, ok := c.entries[oldestURL]; ok {
			evicted = e.object
			delete(c.entries, oldestURL)
		}
	}

	c.entries[section.URL] = &initCacheEntry{section: section, object: obj}
	c.order = append(c.order, section.URL)
	return evicted
}

// flush empties the cache, returning every contained MediaObject for
// teardown.
func (c *initSectionCache) flush() []*MediaObject {
	c.mu.Lock()
	defer c.mu.Unlock()
	objs := make([]*MediaObject, 0, len(c.entries))
	for _, e := range c.entries {
		objs = append(objs, e.object)
	}
	c.order = nil
	c.entries = make(map[string]*initCacheEntry)
	return objs
}
