package image

import (
	"fmt"
	"os"
)

// File is an Image backed by a plain file. Writes become durable on Sync.
type File struct {
	f    *os.File
	size int64
}

// OpenFile creates or opens a file-backed image at the given path.
func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening image file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat image file: %w", err)
	}
	return &File{f: f, size: info.Size()}, nil
}

func (im *File) ReadAt(off int64, n int) ([]byte, error) {
	if err := checkRange(off, n, im.size); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := im.f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("reading image file: %w", err)
	}
	return buf, nil
}

func (im *File) WriteAt(off int64, p []byte) error {
	if err := checkRange(off, len(p), im.size); err != nil {
		return err
	}
	if _, err := im.f.WriteAt(p, off); err != nil {
		return fmt.Errorf("writing image file: %w", err)
	}
	return nil
}

func (im *File) Size() int64 {
	return im.size
}

func (im *File) Grow(n int64) error {
	if n < 0 {
		return ErrOutOfRange
	}
	// Truncate extends with zero bytes, matching the fresh-page contract.
	if err := im.f.Truncate(im.size + n); err != nil {
		return fmt.Errorf("growing image file: %w", err)
	}
	im.size += n
	return nil
}

func (im *File) Sync() error {
	if err := im.f.Sync(); err != nil {
		return fmt.Errorf("syncing image file: %w", err)
	}
	return nil
}

func (im *File) Close() error {
	return im.f.Close()
}
