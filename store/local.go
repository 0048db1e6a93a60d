package store

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/go-kit/log/level"

	"github.com/journalio/store/segment"
)

// Local is the writable Positioning Store of spec §4.3: the primary
// workhorse variant, where append/flush/truncate/compact all mutate
// on-disk state directly.
type Local struct {
	*core

	// writeMu serializes append/truncate against each other on this
	// store. The embedding Raft layer guarantees append is never called
	// concurrently with truncate (spec §5), but Local still protects its
	// own rotation bookkeeping against concurrent Append callers.
	writeMu sync.Mutex
}

// Open recovers (or creates) a writable journal in dir, starting from
// minHint (spec §4.3 recover).
func Open(dir string, minHint int64, opts Options) (*Local, error) {
	c, err := newCore(dir, minHint, opts)
	if err != nil {
		return nil, err
	}
	return &Local{core: c}, nil
}

// Append writes one opaque record and returns the journal's new max (spec
// §4.3 append).
func (l *Local) Append(record []byte) (int64, error) {
	return l.appendVectored([][]byte{record})
}

// AppendBatch is the vectored variant: every record in records is written
// as a single segment write. Like a single Append, the whole batch is
// treated as non-splittable — it is rejected with ErrTooManyBytes if its
// total size exceeds the segment data size, rather than being split across
// a segment boundary (spec §4.3 "Rationale for not splitting a record").
func (l *Local) AppendBatch(records [][]byte) (int64, error) {
	return l.appendVectored(records)
}

func (l *Local) appendVectored(bufs [][]byte) (int64, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}

	var total int64
	for _, b := range bufs {
		total += int64(len(b))
	}
	if total > l.cfg.DataSize {
		return 0, fmt.Errorf("%w: %d bytes requested, segment holds %d", ErrTooManyBytes, total, l.cfg.DataSize)
	}

	l.waitForBackPressure()

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	tail := l.writeTail.Load()
	if tail == nil || tail.DataSize()-tail.WritePos() < total {
		if tail != nil {
			tail.CloseWrite()
		}
		nt, err := l.rotateLocked()
		if err != nil {
			return 0, err
		}
		tail = nt
	}

	if _, err := tail.AppendVectored(bufs); err != nil {
		return 0, err
	}

	newMax := tail.Start() + tail.WritePos()
	l.max.Store(newMax)
	l.metrics.max.Set(float64(newMax))
	l.metrics.appends.Inc()
	l.metrics.bytesAppended.Add(float64(total))
	return newMax, nil
}

// rotateLocked closes out the current tail (already done by the caller)
// and creates a fresh one starting at the current max. Caller must hold
// writeMu.
func (l *Local) rotateLocked() (*segment.File, error) {
	if err := l.checkDiskFreeSpace(); err != nil {
		return nil, err
	}
	start := l.max.Load()
	sf, err := segment.Create(l.segmentPath(start), start, l.cfg.HeaderSize, l.cfg.DataSize, l.pool)
	if err != nil {
		return nil, err
	}

	// Inserting into the segment set is a structural mutation; take
	// fileMapMutex briefly so a concurrent compact/truncate never
	// observes a torn update to the ordered map (spec §5).
	l.fileMapMutex.Lock()
	l.segs.Store(l.segs.Load().Set(start, sf))
	l.fileMapMutex.Unlock()

	l.writeTail.Store(sf)
	l.metrics.segmentRotations.Inc()
	return sf, nil
}

// waitForBackPressure blocks until max-flushed is within maxDirtySize,
// spec §4.3 step 2 / §5. Disabled when MaxDirtySize is 0.
func (l *Local) waitForBackPressure() {
	if l.cfg.MaxDirtySize <= 0 {
		return
	}
	l.bpMu.Lock()
	for l.max.Load()-l.flushed.Load() > l.cfg.MaxDirtySize {
		l.bpCond.Wait()
	}
	l.bpMu.Unlock()
}

// Flush walks segments forward from the one containing Flushed() while
// dirty bytes exist, forcing each segment's predecessor to disk before
// that segment's first-ever page write (spec §4.3 flush). It is a no-op
// when nothing is dirty. Flush deliberately does not take fileMapMutex; it
// tolerates a concurrent Append extending the tail (picked up on the next
// call) and a concurrent Truncate removing segments out from under it: each
// segment is re-looked up by key against a fresh l.segs.Load() immediately
// before it is touched, and Flush stops cleanly, without error, the moment
// its target key is no longer present (spec §5).
func (l *Local) Flush() error {
	if l.closed.Load() {
		return ErrClosed
	}

	segs := l.segs.Load()
	start, ok := floorSegment(segs, l.flushed.Load())
	if !ok {
		return nil
	}

	preIt := segs.Iterator()
	preIt.Seek(start.Start())
	preIt.Prev() // returns start itself and steps back to its predecessor
	var prevStart int64
	var havePrev bool
	if k, _, pok := preIt.Prev(); pok {
		prevStart, havePrev = k, true
	}

	it := segs.Iterator()
	it.Seek(start.Start())

	var lastFlushed *segment.File
	for !it.Done() {
		k, _, ok := it.Next()
		if !ok {
			break
		}

		live := l.segs.Load()
		v, vok := live.Get(k)
		if !vok {
			// Removed by a concurrent Truncate since the snapshot this
			// iteration started from; stop rather than operate on a
			// closed/removed file.
			break
		}
		if v.IsClean() {
			prevStart, havePrev = k, true
			continue
		}
		if v.FlushPos() == 0 && havePrev {
			prev, pok := live.Get(prevStart)
			if !pok {
				break
			}
			if err := prev.Force(); err != nil {
				return err
			}
			l.metrics.forces.Inc()
		}
		if err := v.Flush(); err != nil {
			return err
		}
		lastFlushed = v
		newFlushed := v.Start() + v.FlushPos()
		l.flushed.Store(newFlushed)
		l.metrics.flushed.Set(float64(newFlushed))
		prevStart, havePrev = k, true
	}

	if lastFlushed != nil {
		l.metrics.flushes.Inc()
		if l.watermark != nil {
			err := lastFlushed.Force()
			if err == nil {
				l.metrics.forces.Inc()
				err = l.watermark.Set(l.flushed.Load())
			}
			if err != nil {
				level.Warn(l.logger).Log("msg", "failed to persist durable watermark", "err", err)
			}
		}
		l.bpMu.Lock()
		l.bpCond.Broadcast()
		l.bpMu.Unlock()
	}
	return nil
}

// Truncate discards everything at positions >= givenMax (spec §4.3
// truncate). Exclusive with Append via writeMu and with Compact via
// fileMapMutex; Flush takes neither lock and tolerates a concurrent
// Truncate (see Flush).
func (l *Local) Truncate(givenMax int64) error {
	err := l.truncateLocked(givenMax)
	l.metrics.truncations.WithLabelValues(strconv.FormatBool(err == nil)).Inc()
	return err
}

func (l *Local) truncateLocked(givenMax int64) error {
	if l.closed.Load() {
		return ErrClosed
	}
	min, max := l.min.Load(), l.max.Load()
	if givenMax < min || givenMax > max {
		return fmt.Errorf("%w: truncate target %d out of range [%d,%d]", ErrIllegalArgument, givenMax, min, max)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.fileMapMutex.Lock()
	defer l.fileMapMutex.Unlock()

	segs := l.segs.Load()
	floor, ok := floorSegment(segs, givenMax)
	newSegs := segs

	if ok && givenMax > floor.Start() {
		if err := floor.Rollback(givenMax - floor.Start()); err != nil {
			return err
		}
	}

	var toDelete []*segment.File
	it := segs.Iterator()
	it.Last()
	for {
		k, v, more := it.Prev()
		if !more || k < givenMax {
			break
		}
		toDelete = append(toDelete, v)
		newSegs = newSegs.Delete(k)
	}
	l.segs.Store(newSegs)

	for _, v := range toDelete {
		v.ForceUnload()
		if err := v.Remove(); err != nil {
			level.Error(l.logger).Log("msg", "failed to remove truncated segment", "path", v.Path(), "err", err)
		}
	}
	l.metrics.segmentsDeleted.Add(float64(len(toDelete)))

	l.max.Store(givenMax)
	l.metrics.max.Set(float64(givenMax))
	if l.flushed.Load() > givenMax {
		l.flushed.Store(givenMax)
		l.metrics.flushed.Set(float64(givenMax))
	}

	if tailSeg, tok := lastSegment(l.segs.Load()); tok && tailSeg.WritePos() < tailSeg.DataSize() {
		l.writeTail.Store(tailSeg)
	} else {
		l.writeTail.Store(nil)
	}
	return nil
}
