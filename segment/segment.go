// Package segment implements the Segment File described in spec §4.2: one
// physical file holding a contiguous dataSize-byte range of the logical
// journal, backed by a lazily loaded page borrowed from a bufferpool.Pool.
//
// A File is grounded on dreamsxin-wal/segment/reader.go's Reader (a
// read-only, offset-addressed file wrapper with a lazy-load story)
// generalized to the read-write, opaque-blob model this spec requires: no
// frame headers, since records here are caller-supplied byte blobs of
// externally known length (spec §1 Non-goals).
package segment

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/journalio/store/bufferpool"
)

// File is one segment of the journal, covering logical positions
// [Start, Start+DataSize). It is mutated only by its owning store's writer
// path; concurrent readers may call Read/ReadLong freely.
type File struct {
	start      int64
	headerSize int64
	dataSize   int64
	path       string
	pool       *bufferpool.Pool

	f *os.File

	// writePos and flushPos are accessed atomically so readers can take a
	// consistent snapshot without locking, per spec §5 ("Position counters
	// ... are atomic").
	writePos    atomic.Int64
	flushPos    atomic.Int64
	writeClosed atomic.Bool

	// pageMu guards page, which is nil ("unloaded") until first touched.
	pageMu sync.Mutex
	page   []byte
}

// Name returns the canonical file name for a segment starting at pos: the
// decimal ASCII encoding of pos, no leading zeros, no extension (spec §6).
func Name(pos int64) string {
	return strconv.FormatInt(pos, 10)
}

// Create makes a brand-new, empty segment file at start. The file grows
// lazily as Flush writes dirty bytes to it, so once anything has been
// flushed its on-disk size is headerSize+flushPos rather than the full
// headerSize+dataSize capacity (a never-flushed file is empty) — recover() depends on this to reconstruct writePos for a
// segment left dirty by a crash (spec §4.3 recover). The returned File is
// writable with writePos 0.
func Create(path string, start, headerSize, dataSize int64, pool *bufferpool.Pool) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", path, err)
	}
	s := &File{
		start:      start,
		headerSize: headerSize,
		dataSize:   dataSize,
		path:       path,
		pool:       pool,
		f:          f,
	}
	return s, nil
}

// Open reopens an existing segment file discovered during recovery.
// writePos is initialized from the on-disk file size (fileSize-headerSize,
// clamped to [0,dataSize]) and flushPos is set equal to it, since those
// bytes are already in the file; the page itself stays unloaded until
// first touched.
func Open(path string, start, headerSize, dataSize int64, pool *bufferpool.Pool) (*File, int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("open segment %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat segment %s: %w", path, err)
	}
	writePos := fi.Size() - headerSize
	if writePos < 0 {
		writePos = 0
	}
	if writePos > dataSize {
		writePos = dataSize
	}
	s := &File{
		start:      start,
		headerSize: headerSize,
		dataSize:   dataSize,
		path:       path,
		pool:       pool,
		f:          f,
	}
	s.writePos.Store(writePos)
	s.flushPos.Store(writePos)
	if writePos == dataSize {
		s.writeClosed.Store(true)
	}
	return s, fi.Size(), nil
}

func (s *File) Start() int64      { return s.start }
func (s *File) DataSize() int64   { return s.dataSize }
func (s *File) HeaderSize() int64 { return s.headerSize }
func (s *File) Path() string      { return s.path }

func (s *File) WritePos() int64    { return s.writePos.Load() }
func (s *File) FlushPos() int64    { return s.flushPos.Load() }
func (s *File) WriteClosed() bool  { return s.writeClosed.Load() }
func (s *File) IsClean() bool      { return s.flushPos.Load() == s.writePos.Load() }

func (s *File) HasPage() bool {
	s.pageMu.Lock()
	defer s.pageMu.Unlock()
	return s.page != nil
}

// CloseWrite marks the segment as no longer appendable. Idempotent.
func (s *File) CloseWrite() { s.writeClosed.Store(true) }

// ensurePageLocked loads the page from disk if unloaded. Caller must hold
// pageMu.
func (s *File) ensurePageLocked() error {
	if s.page != nil {
		return nil
	}
	buf := s.pool.Borrow(int(s.dataSize))
	wp := s.writePos.Load()
	if wp > 0 {
		if _, err := s.f.ReadAt(buf[:wp], s.headerSize); err != nil {
			s.pool.Release(int(s.dataSize), buf)
			return fmt.Errorf("load page for segment %s: %w", s.path, err)
		}
	}
	s.page = buf
	return nil
}

// Append appends up to len(p) bytes, constrained by remaining room
// (dataSize-writePos); it returns the number of bytes consumed from the
// front of p. Per spec §4.3, the Store never calls Append with a record
// that doesn't fit, but File enforces the truncation defensively anyway.
func (s *File) Append(p []byte) (int, error) {
	return s.appendVectored([][]byte{p})
}

// AppendVectored is the vectored variant: every slice in bufs is appended
// in order. The caller (Store) guarantees the whole list fits in the
// remaining room.
func (s *File) AppendVectored(bufs [][]byte) (int, error) {
	return s.appendVectored(bufs)
}

func (s *File) appendVectored(bufs [][]byte) (int, error) {
	if s.writeClosed.Load() {
		return 0, fmt.Errorf("segment %s: append to write-closed segment", s.path)
	}
	s.pageMu.Lock()
	defer s.pageMu.Unlock()
	if err := s.ensurePageLocked(); err != nil {
		return 0, err
	}

	wp := s.writePos.Load()
	room := s.dataSize - wp
	total := 0
	for _, b := range bufs {
		n := int64(len(b))
		if n > room {
			n = room
		}
		copy(s.page[wp:wp+n], b[:n])
		wp += n
		room -= n
		total += int(n)
		if room == 0 {
			break
		}
	}
	s.writePos.Store(wp)
	if wp == s.dataSize {
		s.writeClosed.Store(true)
	}
	return total, nil
}

// Read returns a copy of length bytes starting at relPos within the data
// region, loading the page transparently if unloaded. The caller must
// ensure relPos+length <= writePos; spec §4.2 marks violations a
// programmer error with unspecified (but non-corrupting) behavior, so File
// panics on out-of-range reads rather than silently returning garbage.
func (s *File) Read(relPos, length int64) ([]byte, error) {
	if relPos < 0 || length < 0 || relPos+length > s.dataSize {
		panic(fmt.Sprintf("segment %s: read [%d,%d) out of data bounds [0,%d)", s.path, relPos, relPos+length, s.dataSize))
	}
	s.pageMu.Lock()
	defer s.pageMu.Unlock()
	if err := s.ensurePageLocked(); err != nil {
		return nil, err
	}
	if relPos+length > s.writePos.Load() {
		panic(fmt.Sprintf("segment %s: read [%d,%d) beyond writePos %d", s.path, relPos, relPos+length, s.writePos.Load()))
	}
	out := make([]byte, length)
	copy(out, s.page[relPos:relPos+length])
	return out, nil
}

// ReadLong reads 8 bytes at relPos as a big-endian int64.
func (s *File) ReadLong(relPos int64) (int64, error) {
	b, err := s.Read(relPos, 8)
	if err != nil {
		return 0, err
	}
	var v int64
	for _, c := range b {
		v = (v << 8) | int64(c)
	}
	return v, nil
}

// Flush writes dirty bytes [flushPos, writePos) to the file at
// headerSize+flushPos, then advances flushPos. It does not fsync; callers
// needing durability must also call Force (spec §4.2/§4.3: the Store
// forces the *previous* segment before a new segment's first-ever write).
func (s *File) Flush() error {
	s.pageMu.Lock()
	defer s.pageMu.Unlock()

	fp := s.flushPos.Load()
	wp := s.writePos.Load()
	if fp >= wp {
		return nil
	}
	if s.page == nil {
		// Nothing loaded means nothing was ever appended through this
		// process instance; there can be no dirty bytes to flush.
		return nil
	}
	if _, err := s.f.WriteAt(s.page[fp:wp], s.headerSize+fp); err != nil {
		return fmt.Errorf("flush segment %s: %w", s.path, err)
	}
	s.flushPos.Store(wp)
	return nil
}

// Force fsyncs the underlying file descriptor.
func (s *File) Force() error {
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("fsync segment %s: %w", s.path, err)
	}
	return nil
}

// Rollback sets writePos to relPos. If flushPos was ahead of relPos, the
// file is truncated on disk to headerSize+relPos and flushPos is pulled
// back too.
func (s *File) Rollback(relPos int64) error {
	s.pageMu.Lock()
	defer s.pageMu.Unlock()

	if err := s.ensurePageLocked(); err != nil {
		return err
	}
	s.writePos.Store(relPos)
	if s.flushPos.Load() > relPos {
		if err := s.f.Truncate(s.headerSize + relPos); err != nil {
			return fmt.Errorf("truncate segment %s: %w", s.path, err)
		}
		s.flushPos.Store(relPos)
	}
	// Zero the rolled-back tail of the page so a subsequent Append doesn't
	// resurrect stale bytes if something reads past writePos during a race
	// in a misbehaving caller.
	for i := relPos; i < s.dataSize && i < int64(len(s.page)); i++ {
		s.page[i] = 0
	}
	s.writeClosed.Store(false)
	return nil
}

// Unload releases the page back to the pool. The segment must be clean
// (IsClean()); for a dirty segment Unload returns an error and keeps the
// page.
func (s *File) Unload() error {
	s.pageMu.Lock()
	defer s.pageMu.Unlock()
	if s.page == nil {
		return nil
	}
	if s.flushPos.Load() != s.writePos.Load() {
		return fmt.Errorf("segment %s: unload called while dirty", s.path)
	}
	s.pool.Release(int(s.dataSize), s.page)
	s.page = nil
	return nil
}

// ForceUnload releases the page unconditionally, discarding any unflushed
// bytes. Used only by rollback/delete paths that are also removing the
// file.
func (s *File) ForceUnload() {
	s.pageMu.Lock()
	defer s.pageMu.Unlock()
	if s.page == nil {
		return
	}
	s.pool.Release(int(s.dataSize), s.page)
	s.page = nil
}

// Close closes the underlying OS file handle. It does not touch the page;
// callers unload separately.
func (s *File) Close() error {
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close segment %s: %w", s.path, err)
	}
	return nil
}

// Remove closes and deletes the segment's file from disk.
func (s *File) Remove() error {
	s.f.Close()
	if err := os.Remove(s.path); err != nil {
		return fmt.Errorf("remove segment %s: %w", s.path, err)
	}
	return nil
}
