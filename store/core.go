// Package store implements the Positioning Store (spec §4.3) and its
// Immutable Variant (spec §4.4): a directory of segment.File instances
// indexed by starting position, exposing append/read/flush/truncate/
// compact/recover/delete/close over the shared continuity and
// back-pressure invariants of spec §3/§5.
//
// Grounded on dreamsxin-wal/wal.go's state/mutateStateLocked/acquireState
// shape, adapted from log-index semantics to byte-position semantics: the
// ordered segment directory keeps the teacher's benbjohnson/immutable
// SortedMap, the rotation/back-pressure machinery keeps the teacher's
// single-writer-with-async-housekeeping design, and the metrics/logging
// stack (prometheus, go-kit/log) is unchanged.
package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/journalio/store/bufferpool"
	"github.com/journalio/store/segment"
)

type segMap = immutable.SortedMap[int64, *segment.File]

// Options configures a store on top of Config: the shared buffer pool,
// logger, and metrics registerer a real deployment wires in once and
// shares across every store instance in the process.
type Options struct {
	Config     Config
	Pool       *bufferpool.Pool
	Logger     log.Logger
	Registerer prometheus.Registerer
}

// core holds everything shared between the writable Local store and the
// read-only Immutable store. It is never constructed directly by callers;
// see Open (local.go) and OpenImmutable (immutable.go).
type core struct {
	dir     string
	cfg     Config
	pool    *bufferpool.Pool
	ownPool bool
	logger  log.Logger
	metrics *metrics

	segs atomic.Pointer[segMap]

	// fileMapMutex serializes structural mutations to the segment set:
	// truncate, compact, AppendFile, and the directory clear in delete.
	// append takes it only briefly when a rotation inserts a new segment
	// (spec §5).
	fileMapMutex sync.Mutex

	min     atomic.Int64
	max     atomic.Int64
	flushed atomic.Int64

	writeTail atomic.Pointer[segment.File]

	closed atomic.Bool

	watermark *watermarkStore

	// bpCond backs Append's back-pressure wait (spec §4.3 step 2),
	// replacing the busy-yield the design notes (§9) call out as an
	// intended upgrade: Flush broadcasts after advancing flushed.
	bpMu   sync.Mutex
	bpCond *sync.Cond
}

func newCore(dir string, minHint int64, opts Options) (*core, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ioErr("mkdir", dir, err)
	}

	pool := opts.Pool
	ownPool := false
	if pool == nil {
		pool = bufferpool.New(opts.Registerer)
		ownPool = true
	}
	pool.AddPreLoad(int(cfg.DataSize), cfg.CachedFileCoreCount, cfg.CachedFileMaxCount)

	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	c := &core{
		dir:     dir,
		cfg:     cfg,
		pool:    pool,
		ownPool: ownPool,
		logger:  logger,
		metrics: newMetrics(opts.Registerer),
	}
	c.bpCond = sync.NewCond(&c.bpMu)

	if cfg.DurableWatermark {
		ws, err := openWatermarkStore(dir)
		if err != nil {
			return nil, err
		}
		c.watermark = ws
	}

	if err := c.recoverLocked(minHint); err != nil {
		return nil, err
	}
	return c, nil
}

type discoveredSegment struct {
	start int64
	size  int64
}

// recoverLocked implements spec §4.3 recover(): enumerate regular,
// all-digit-decimal-named files, filter by minHint, verify continuity, and
// establish min/max/flushed/writeTail. Called only during construction, so
// it needs no locking of its own.
func (c *core) recoverLocked(minHint int64) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return ioErr("readdir", c.dir, err)
	}

	var found []discoveredSegment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		start, perr := strconv.ParseInt(name, 10, 64)
		if perr != nil || start < 0 || strconv.FormatInt(start, 10) != name {
			continue // not a canonical segment file name (e.g. watermark.bbolt)
		}
		info, serr := e.Info()
		if serr != nil {
			return ioErr("stat", filepath.Join(c.dir, name), serr)
		}
		found = append(found, discoveredSegment{start: start, size: info.Size()})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].start < found[j].start })

	var kept []discoveredSegment
	for _, d := range found {
		tailByte := d.start + (d.size - c.cfg.HeaderSize)
		if d.start >= minHint || tailByte > minHint {
			kept = append(kept, d)
		}
	}

	segs := &segMap{}
	for i, d := range kept {
		if i > 0 {
			prev := kept[i-1]
			expected := prev.start + (prev.size - c.cfg.HeaderSize)
			if d.start != expected {
				return fmt.Errorf("%w: expected segment at position %d, found one starting at %d",
					ErrCorruptedStore, expected, d.start)
			}
		}
		path := filepath.Join(c.dir, segment.Name(d.start))
		sf, _, err := segment.Open(path, d.start, c.cfg.HeaderSize, c.cfg.DataSize, c.pool)
		if err != nil {
			return err
		}
		segs = segs.Set(d.start, sf)
	}
	c.segs.Store(segs)

	if len(kept) == 0 {
		c.min.Store(minHint)
		c.max.Store(minHint)
		c.flushed.Store(minHint)
		c.writeTail.Store(nil)
		return nil
	}

	first, last := kept[0], kept[len(kept)-1]
	tailWritePos := last.size - c.cfg.HeaderSize
	if tailWritePos < 0 {
		tailWritePos = 0
	}
	maxPos := last.start + tailWritePos

	c.min.Store(maxInt64(minHint, first.start))
	c.max.Store(maxPos)

	flushedPos := maxPos // spec §4.3: writable variant trusts everything on disk by default.
	if c.watermark != nil {
		if wm, ok, werr := c.watermark.Get(); werr != nil {
			level.Warn(c.logger).Log("msg", "failed to read durable watermark, trusting on-disk size", "err", werr)
		} else if ok && wm < maxPos {
			flushedPos = wm
		}
	}
	c.flushed.Store(flushedPos)

	lastSeg, _ := segs.Get(last.start)
	if tailWritePos < c.cfg.DataSize {
		c.writeTail.Store(lastSeg)
	} else {
		lastSeg.CloseWrite()
		c.writeTail.Store(nil)
	}
	return nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// floorSegment returns the segment whose range contains or most closely
// precedes pos, using the ordered map's Seek to do a binary-search floor
// lookup rather than a linear scan (spec §9 design note).
func floorSegment(m *segMap, pos int64) (*segment.File, bool) {
	if m == nil {
		return nil, false
	}
	it := m.Iterator()
	it.Seek(pos)
	if it.Done() {
		// No key >= pos: the last segment is the floor.
		it.Last()
		_, v, ok := it.Prev()
		return v, ok
	}
	// Prev returns the first key >= pos and steps back to its predecessor.
	if k, v, _ := it.Prev(); k == pos {
		return v, true
	}
	_, v, ok := it.Prev()
	return v, ok
}

func firstSegment(m *segMap) (*segment.File, bool) {
	if m == nil {
		return nil, false
	}
	it := m.Iterator()
	it.First()
	_, v, ok := it.Next()
	return v, ok
}

func lastSegment(m *segMap) (*segment.File, bool) {
	if m == nil {
		return nil, false
	}
	it := m.Iterator()
	it.Last()
	_, v, ok := it.Prev()
	return v, ok
}

// Min returns the logical start of live data.
func (c *core) Min() int64 { return c.min.Load() }

// Max returns tail.start+tail.writePos, or min if the journal is empty.
func (c *core) Max() int64 { return c.max.Load() }

// Flushed returns the position up to which all bytes are durable.
func (c *core) Flushed() int64 { return c.flushed.Load() }

// PhysicalMin returns the first segment's start, or Min() if there are no
// segments at all (spec invariant I2).
func (c *core) PhysicalMin() int64 {
	if first, ok := firstSegment(c.segs.Load()); ok {
		return first.Start()
	}
	return c.min.Load()
}

// Read returns length bytes starting at position, or ErrPositionUnderflow/
// ErrPositionOverflow if position falls outside [min, max).
func (c *core) Read(position, length int64) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	min, max := c.min.Load(), c.max.Load()
	if position < min {
		return nil, ErrPositionUnderflow
	}
	if position >= max {
		return nil, ErrPositionOverflow
	}
	seg, ok := floorSegment(c.segs.Load(), position)
	if !ok {
		return nil, nil
	}
	data, err := seg.Read(position-seg.Start(), length)
	if err != nil {
		return nil, err
	}
	c.metrics.reads.Inc()
	c.metrics.bytesRead.Add(float64(len(data)))
	return data, nil
}

// ReadLong reads 8 bytes at position as a big-endian int64.
func (c *core) ReadLong(position int64) (int64, error) {
	b, err := c.Read(position, 8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// Compact discards whole segments entirely below givenMin (spec §4.3
// compact). Preconditions: givenMin > min, givenMin <= flushed.
func (c *core) Compact(givenMin int64) (int64, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if givenMin <= c.min.Load() {
		return 0, fmt.Errorf("%w: compact target %d must be > current min %d", ErrIllegalArgument, givenMin, c.min.Load())
	}
	if givenMin > c.flushed.Load() {
		return 0, fmt.Errorf("%w: compact target %d must be <= flushed %d", ErrIllegalArgument, givenMin, c.flushed.Load())
	}

	c.fileMapMutex.Lock()
	defer c.fileMapMutex.Unlock()

	segs := c.segs.Load()
	newSegs := segs
	var toDelete []*segment.File
	var deleted int64

	it := segs.Iterator()
	for !it.Done() {
		k, v, _ := it.Next()
		effSize := v.DataSize()
		if tail := c.writeTail.Load(); tail == v && v.HasPage() {
			effSize = v.WritePos()
		}
		if v.Start()+effSize > givenMin {
			break // first segment crossing givenMin: stop, leave it intact.
		}
		toDelete = append(toDelete, v)
		newSegs = newSegs.Delete(k)
		deleted += effSize
	}

	c.segs.Store(newSegs)
	c.min.Store(givenMin)
	c.metrics.min.Set(float64(givenMin))

	for _, v := range toDelete {
		v.ForceUnload()
		if err := v.Remove(); err != nil {
			level.Error(c.logger).Log("msg", "failed to remove compacted segment", "path", v.Path(), "err", err)
		}
	}
	c.metrics.segmentsDeleted.Add(float64(len(toDelete)))
	c.metrics.bytesCompacted.Add(float64(deleted))
	return deleted, nil
}

// Delete force-unloads and removes every segment, then the directory
// itself (spec §4.3 delete).
func (c *core) Delete() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.fileMapMutex.Lock()
	defer c.fileMapMutex.Unlock()

	var firstErr error
	it := c.segs.Load().Iterator()
	for !it.Done() {
		_, v, _ := it.Next()
		v.ForceUnload()
		if err := v.Remove(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.watermark != nil {
		if err := c.watermark.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := os.RemoveAll(c.dir); err != nil && firstErr == nil {
		firstErr = ioErr("rmdir", c.dir, err)
	}
	if c.ownPool {
		c.pool.RemovePreLoad(int(c.cfg.DataSize))
	}
	return firstErr
}

// Close flushes every dirty segment, force-unloads all of them, and
// de-registers the per-size preload (spec §4.3 close). The first error
// encountered is returned, but every segment is still processed (spec §7
// propagation policy).
func (c *core) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	var firstErr error
	it := c.segs.Load().Iterator()
	for !it.Done() {
		_, v, _ := it.Next()
		if err := v.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		v.ForceUnload()
		if err := v.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.watermark != nil {
		if err := c.watermark.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.pool.RemovePreLoad(int(c.cfg.DataSize))
	return firstErr
}

// GetFreeSpace reports bytes free on the filesystem backing the store
// directory.
func (c *core) GetFreeSpace() (int64, error) { return getFreeSpace(c.dir) }

// GetTotalSpace reports the total size of the filesystem backing the store
// directory.
func (c *core) GetTotalSpace() (int64, error) { return getTotalSpace(c.dir) }

// checkDiskFreeSpace is the pre-check spec §4.3 step 3 requires before
// creating a new segment.
func (c *core) checkDiskFreeSpace() error {
	free, err := getFreeSpace(c.dir)
	if err != nil {
		return err
	}
	if free < c.cfg.DataSize+c.cfg.HeaderSize {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrDiskFull, c.cfg.DataSize+c.cfg.HeaderSize, free)
	}
	return nil
}

func (c *core) segmentPath(start int64) string {
	return filepath.Join(c.dir, segment.Name(start))
}

// Stats is an operational snapshot for callers that don't scrape
// Prometheus (SPEC_FULL.md §9 supplement).
type Stats struct {
	Min          int64
	Max          int64
	Flushed      int64
	PhysicalMin  int64
	SegmentCount int
}

func (c *core) Stats() Stats {
	return Stats{
		Min:          c.Min(),
		Max:          c.Max(),
		Flushed:      c.Flushed(),
		PhysicalMin:  c.PhysicalMin(),
		SegmentCount: c.segs.Load().Len(),
	}
}
