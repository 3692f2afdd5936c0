package server

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/janelia-flyem/mosaic/archive"
	"github.com/janelia-flyem/mosaic/mosaic"

	"github.com/coocood/freecache"
	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
)

// fingerprint identifies one version of a backing file.  Replacing the file
// changes its modification time or size and therefore the fingerprint.
func fingerprint(path string, modTime time.Time, size int64) string {
	return fmt.Sprintf("%s@%d.%d", path, modTime.UnixNano(), size)
}

// indexCache holds parsed archive indexes, most recently used first.  An entry
// is reused only while the archive's modification time and size are unchanged.
type indexCache struct {
	mu    sync.Mutex
	lru   *lru.Cache
	loads singleflight.Group
}

func newIndexCache(entries int) *indexCache {
	return &indexCache{lru: lru.New(entries)}
}

func (c *indexCache) get(path string) (*archive.Index, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, mosaic.WrapError(mosaic.BackingStoreUnavailable, err, "archive %s", path)
	}
	c.mu.Lock()
	v, found := c.lru.Get(path)
	c.mu.Unlock()
	if found {
		idx := v.(*archive.Index)
		if idx.ModTime.Equal(fi.ModTime()) && idx.Size == fi.Size() {
			return idx, nil
		}
	}
	v, err = c.loads.Do(fingerprint(path, fi.ModTime(), fi.Size()), func() (interface{}, error) {
		idx, err := archive.LoadIndex(path)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.lru.Add(path, idx)
		c.mu.Unlock()
		mosaic.Debugf("Loaded index of %s: %d blocks in %d levels\n", path, idx.BlockCount(), idx.LevelCount())
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*archive.Index), nil
}

func (c *indexCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// tileCache holds encoded tiles.  Each value is the image format byte followed
// by the encoded image.
type tileCache struct {
	cache *freecache.Cache

	mu          sync.Mutex
	generations map[string]uint64
}

func newTileCache(bytes int) *tileCache {
	c := &tileCache{generations: make(map[string]uint64)}
	if bytes > 0 {
		c.cache = freecache.NewCache(bytes)
		mosaic.Infof("Created tile cache of %d MB\n", bytes/mosaic.Mega)
	}
	return c
}

func (c *tileCache) generation(datasetID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[datasetID]
}

// invalidate orphans every cached tile of the dataset.  Orphaned entries age
// out of the cache.
func (c *tileCache) invalidate(datasetID string) {
	c.mu.Lock()
	c.generations[datasetID]++
	c.mu.Unlock()
}

func (c *tileCache) get(key string) (mosaic.ImageFormat, []byte, bool) {
	if c.cache == nil {
		return mosaic.UnknownImageFormat, nil, false
	}
	v, err := c.cache.Get([]byte(key))
	if err != nil || len(v) < 1 {
		if err != nil && err != freecache.ErrNotFound {
			mosaic.Errorf("Tile cache lookup of %s: %v\n", key, err)
		}
		return mosaic.UnknownImageFormat, nil, false
	}
	return mosaic.ImageFormat(v[0]), v[1:], true
}

func (c *tileCache) set(key string, format mosaic.ImageFormat, data []byte) {
	if c.cache == nil {
		return
	}
	v := make([]byte, len(data)+1)
	v[0] = byte(format)
	copy(v[1:], data)
	if err := c.cache.Set([]byte(key), v, 0); err != nil {
		mosaic.Debugf("Tile %s not cached: %v\n", key, err)
	}
}
