package vfs

import (
	"io"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// ConsoleStats provides console I/O statistics
type ConsoleStats struct {
	BytesRead       uint64
	BytesWritten    uint64
	ReadOperations  uint64
	WriteOperations uint64
}

// Console is the character device behind descriptors 0, 1 and 2
type Console struct {
	mu    sync.Mutex
	in    io.Reader
	out   io.Writer
	stats struct {
		bytesRead, bytesWritten, reads, writes atomic.Uint64
	}
}

// NewConsole creates a console reading from in and writing to out. A nil
// reader behaves like an empty terminal
func NewConsole(in io.Reader, out io.Writer) *Console {
	if out == nil {
		out = io.Discard
	}
	return &Console{in: in, out: out}
}

func (c *Console) Read(p []byte) (int, error) {
	if c.in == nil {
		return 0, io.EOF
	}
	n, err := c.in.Read(p)
	c.stats.reads.Add(1)
	c.stats.bytesRead.Add(uint64(n))
	return n, err
}

func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.out.Write(p)
	c.stats.writes.Add(1)
	c.stats.bytesWritten.Add(uint64(n))
	return n, err
}

func (c *Console) Seek(int64, int) (int64, error)     { return 0, unix.ESPIPE }
func (c *Console) ReadAt([]byte, int64) (int, error)  { return 0, unix.ESPIPE }
func (c *Console) WriteAt([]byte, int64) (int, error) { return 0, unix.ESPIPE }
func (c *Console) Close() error                       { return nil }

func (c *Console) Stat() (fs.FileInfo, error) {
	return fileInfo{name: "console", mode: fs.ModeDevice | fs.ModeCharDevice | 0o620, mod: time.Now()}, nil
}

// Stats returns a snapshot of the console counters
func (c *Console) Stats() ConsoleStats {
	return ConsoleStats{
		BytesRead:       c.stats.bytesRead.Load(),
		BytesWritten:    c.stats.bytesWritten.Load(),
		ReadOperations:  c.stats.reads.Load(),
		WriteOperations: c.stats.writes.Load(),
	}
}
