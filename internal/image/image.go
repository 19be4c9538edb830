package image

import "errors"

// ErrOutOfRange is returned when a read or write touches bytes beyond the
// image's current size. Callers grow the image first.
var ErrOutOfRange = errors.New("image: range beyond image size")

// Image is a flat, growable byte image that persists across process
// lifetimes. The region manager carves named regions out of one image;
// nothing above it interprets the bytes.
//
// The initial backends are a plain file, an in-process byte slice (for
// tests and restart simulation), and a bbolt database; the interface
// allows adding e.g. a memory-mapped file without touching callers.
type Image interface {
	// ReadAt returns n bytes starting at off. The full range must lie
	// within the current size.
	ReadAt(off int64, n int) ([]byte, error)

	// WriteAt writes p starting at off. The full range must lie within
	// the current size.
	WriteAt(off int64, p []byte) error

	// Size returns the current size in bytes.
	Size() int64

	// Grow extends the image by n zero bytes.
	Grow(n int64) error

	// Sync flushes written bytes to durable storage.
	Sync() error

	Close() error
}

func checkRange(off int64, n int, size int64) error {
	if off < 0 || n < 0 || off+int64(n) > size {
		return ErrOutOfRange
	}
	return nil
}
