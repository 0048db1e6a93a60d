package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/journalio/store/segment"
)

// Immutable is the read-only Positioning Store of spec §4.4: segments are
// installed whole via AppendFile (typically a file transferred from a
// Raft leader), never appended to byte-by-byte. flushed == max at all
// times since an installed segment is, by construction, already complete
// on disk.
type Immutable struct {
	*core

	// mu serializes AppendFile calls against each other and against the
	// structural bookkeeping Compact also touches via fileMapMutex.
	mu sync.Mutex
}

// OpenImmutable recovers (or creates) a read-only journal in dir.
func OpenImmutable(dir string, minHint int64, opts Options) (*Immutable, error) {
	c, err := newCore(dir, minHint, opts)
	if err != nil {
		return nil, err
	}
	c.flushed.Store(c.max.Load())
	return &Immutable{core: c}, nil
}

// AppendFile installs a complete segment file received via external
// transfer. srcPath's base name must equal the current max (decimal); on an
// empty store that is "0". Any other name is rejected with
// ErrIllegalArgument, on an empty store as well.
func (im *Immutable) AppendFile(srcPath string) error {
	if im.closed.Load() {
		return ErrClosed
	}

	im.mu.Lock()
	defer im.mu.Unlock()

	base := filepath.Base(srcPath)
	start, perr := strconv.ParseInt(base, 10, 64)
	if perr != nil || start < 0 || strconv.FormatInt(start, 10) != base {
		return fmt.Errorf("%w: appendFile source %q is not a canonical segment file name", ErrIllegalArgument, base)
	}
	max := im.max.Load()
	if start != max {
		return fmt.Errorf("%w: appendFile source named %d, expected current max %d", ErrIllegalArgument, start, max)
	}

	dstPath := im.segmentPath(start)
	if err := installSegmentFile(srcPath, dstPath); err != nil {
		return err
	}

	sf, size, err := segment.Open(dstPath, start, im.cfg.HeaderSize, im.cfg.DataSize, im.pool)
	if err != nil {
		return err
	}
	sf.CloseWrite()

	im.fileMapMutex.Lock()
	im.segs.Store(im.segs.Load().Set(start, sf))
	im.fileMapMutex.Unlock()

	newMax := start + (size - im.cfg.HeaderSize)
	im.max.Store(newMax)
	im.flushed.Store(newMax)
	im.metrics.max.Set(float64(newMax))
	im.metrics.flushed.Set(float64(newMax))
	im.metrics.segmentRotations.Inc()
	return nil
}

// installSegmentFile moves src into place at dst, falling back to a copy
// when the rename fails (e.g. the incoming transfer staged the file on a
// different volume than the store directory).
func installSegmentFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return ioErr("open", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return ioErr("create", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return ioErr("copy", dst, err)
	}
	if err := out.Close(); err != nil {
		return ioErr("close", dst, err)
	}
	if err := os.Remove(src); err != nil {
		return ioErr("remove", src, err)
	}
	return nil
}

// Append is unsupported on the immutable variant (spec §4.4).
func (im *Immutable) Append([]byte) (int64, error) { return 0, ErrUnsupported }

// AppendBatch is unsupported on the immutable variant (spec §4.4).
func (im *Immutable) AppendBatch([][]byte) (int64, error) { return 0, ErrUnsupported }

// Flush is unsupported on the immutable variant (spec §4.4); segments are
// durable as soon as AppendFile installs them.
func (im *Immutable) Flush() error { return ErrUnsupported }

// Truncate is unsupported on the immutable variant (spec §4.4).
func (im *Immutable) Truncate(int64) error { return ErrUnsupported }
