package store

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// watermarkStore persists the durable flushed position (one int64) in a
// small bbolt database alongside the journal directory. It resolves
// SPEC_FULL.md's Open Question 1: by default (Config.DurableWatermark ==
// false) a Local store never touches it and recover() keeps the spec's
// documented unconditional "trust everything on disk" behavior. When
// enabled, Flush records the watermark after forcing the segment that
// owns it, and recover prefers the persisted value over the optimistic
// default when it is more conservative.
type watermarkStore struct {
	db *bolt.DB
}

var watermarkBucket = []byte("watermark")
var watermarkKey = []byte("flushed")

func openWatermarkStore(dir string) (*watermarkStore, error) {
	path := filepath.Join(dir, "watermark.bbolt")
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("open durable watermark db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(watermarkBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init durable watermark db %s: %w", path, err)
	}
	return &watermarkStore{db: db}, nil
}

// Set persists pos as the new durable watermark.
func (w *watermarkStore) Set(pos int64) error {
	return w.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(watermarkBucket)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(pos))
		return b.Put(watermarkKey, buf[:])
	})
}

// Get returns the persisted watermark and whether one was found.
func (w *watermarkStore) Get() (int64, bool, error) {
	var pos int64
	var found bool
	err := w.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(watermarkBucket)
		v := b.Get(watermarkKey)
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("durable watermark record has unexpected length %d", len(v))
		}
		pos = int64(binary.BigEndian.Uint64(v))
		found = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return pos, found, nil
}

func (w *watermarkStore) Close() error {
	return w.db.Close()
}
