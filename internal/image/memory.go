package image

// Memory is an Image held in an in-process byte slice. The bytes survive
// Close, so the same Memory can back a second attach — tests use this to
// simulate a process restart without touching the filesystem.
type Memory struct {
	buf []byte
}

// NewMemory returns an empty in-memory image.
func NewMemory() *Memory {
	return &Memory{}
}

func (im *Memory) ReadAt(off int64, n int) ([]byte, error) {
	if err := checkRange(off, n, int64(len(im.buf))); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, im.buf[off:])
	return out, nil
}

func (im *Memory) WriteAt(off int64, p []byte) error {
	if err := checkRange(off, len(p), int64(len(im.buf))); err != nil {
		return err
	}
	copy(im.buf[off:], p)
	return nil
}

func (im *Memory) Size() int64 {
	return int64(len(im.buf))
}

func (im *Memory) Grow(n int64) error {
	if n < 0 {
		return ErrOutOfRange
	}
	im.buf = append(im.buf, make([]byte, n)...)
	return nil
}

func (im *Memory) Sync() error { return nil }

func (im *Memory) Close() error { return nil }
