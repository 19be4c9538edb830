package image

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Bolt is an Image stored inside a bbolt database: the byte space is
// chunked into fixed-size pieces kept in one bucket, with the logical
// size in a meta bucket. Chunks never written are all zeros, so sparse
// growth costs nothing.
type Bolt struct {
	db   *bolt.DB
	size int64
}

const boltChunkSize = 32 * 1024

var (
	chunksBucket = []byte("chunks")
	metaBucket   = []byte("meta")
	sizeKey      = []byte("size")
)

// OpenBolt creates or opens a bbolt-backed image at the given path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening bolt image: %w", err)
	}
	im := &Bolt{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(chunksBucket); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if v := meta.Get(sizeKey); len(v) == 8 {
			im.size = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing bolt image: %w", err)
	}
	return im, nil
}

func chunkKey(idx int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(idx))
	return k[:]
}

func (im *Bolt) ReadAt(off int64, n int) ([]byte, error) {
	if err := checkRange(off, n, im.size); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	err := im.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(chunksBucket)
		for done := 0; done < n; {
			pos := off + int64(done)
			idx := pos / boltChunkSize
			in := int(pos % boltChunkSize)
			span := boltChunkSize - in
			if span > n-done {
				span = n - done
			}
			if chunk := b.Get(chunkKey(idx)); chunk != nil {
				copy(out[done:done+span], chunk[in:])
			}
			done += span
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading bolt image: %w", err)
	}
	return out, nil
}

func (im *Bolt) WriteAt(off int64, p []byte) error {
	if err := checkRange(off, len(p), im.size); err != nil {
		return err
	}
	err := im.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chunksBucket)
		for done := 0; done < len(p); {
			pos := off + int64(done)
			idx := pos / boltChunkSize
			in := int(pos % boltChunkSize)
			span := boltChunkSize - in
			if span > len(p)-done {
				span = len(p) - done
			}
			chunk := make([]byte, boltChunkSize)
			if prev := b.Get(chunkKey(idx)); prev != nil {
				copy(chunk, prev)
			}
			copy(chunk[in:], p[done:done+span])
			if err := b.Put(chunkKey(idx), chunk); err != nil {
				return err
			}
			done += span
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing bolt image: %w", err)
	}
	return nil
}

func (im *Bolt) Size() int64 {
	return im.size
}

func (im *Bolt) Grow(n int64) error {
	if n < 0 {
		return ErrOutOfRange
	}
	newSize := im.size + n
	err := im.db.Update(func(tx *bolt.Tx) error {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(newSize))
		return tx.Bucket(metaBucket).Put(sizeKey, v[:])
	})
	if err != nil {
		return fmt.Errorf("growing bolt image: %w", err)
	}
	im.size = newSize
	return nil
}

// Sync is a no-op: bbolt fsyncs on every committed transaction.
func (im *Bolt) Sync() error { return nil }

func (im *Bolt) Close() error {
	return im.db.Close()
}
