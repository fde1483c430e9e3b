package kernel

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hpu-os/hpukernel/internal/task"
	"github.com/hpu-os/hpukernel/internal/user"
	"github.com/hpu-os/hpukernel/internal/vfs"
	"golang.org/x/sys/unix"
)

// ============================================================================
// Program image cache
// ============================================================================

type cachedImage struct {
	data []byte
	size int64
	mod  time.Time
}

// ImageCacheStats is a snapshot of image cache activity
type ImageCacheStats struct {
	Entries       int
	Hits          uint64
	Misses        uint64
	Invalidations uint64
}

// imageCache serves execve images from the root filesystem. Entries are
// revalidated against the file's size and modification time. Bundled
// programs missing from the root are synthesized
type imageCache struct {
	fs  vfs.FileSystem
	log *slog.Logger

	mutex  sync.RWMutex
	images map[string]cachedImage
	stats  ImageCacheStats
}

func newImageCache(fsys vfs.FileSystem, log *slog.Logger) *imageCache {
	return &imageCache{fs: fsys, log: log, images: make(map[string]cachedImage)}
}

// ReadImage implements task.ImageSource
func (c *imageCache) ReadImage(name string) ([]byte, error) {
	name = vfs.Clean(name)
	fi, err := c.fs.Stat(name)
	if err != nil {
		if vfs.Errno(err) == unix.ENOENT {
			if _, ok := user.Programs[name]; ok {
				return task.BuildImage(name), nil
			}
		}
		return nil, err
	}
	if fi.IsDir() {
		return nil, unix.EACCES
	}

	c.mutex.RLock()
	img, ok := c.images[name]
	c.mutex.RUnlock()
	if ok && img.size == fi.Size() && img.mod.Equal(fi.ModTime()) {
		c.mutex.Lock()
		c.stats.Hits++
		c.mutex.Unlock()
		return img.data, nil
	}

	data, err := vfs.ReadFile(c.fs, name)
	if err != nil {
		return nil, err
	}
	c.mutex.Lock()
	c.images[name] = cachedImage{data: data, size: fi.Size(), mod: fi.ModTime()}
	c.stats.Misses++
	c.mutex.Unlock()
	return data, nil
}

// Invalidate drops the cached image of name
func (c *imageCache) Invalidate(name string) {
	name = vfs.Clean(name)
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.images[name]; ok {
		delete(c.images, name)
		c.stats.Invalidations++
		c.log.Debug("image invalidated", "path", name)
	}
}

func (c *imageCache) Stats() ImageCacheStats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	s := c.stats
	s.Entries = len(c.images)
	return s
}
