// Package region carves named, independently growable byte regions out of
// one persistent image. The same region id maps to the same bytes across
// process lifetimes: the page-owner table at the head of the image is the
// durable record of which data page belongs to which region.
package region

import (
	"encoding/binary"
	"errors"
	"fmt"

	"votekeep/internal/image"
)

const (
	magic   = 0x564B5247 // "VKRG"
	version = 1

	// PageSize is the allocation unit. Regions grow a page at a time,
	// amortizing growth over many writes.
	PageSize = 8 * 1024

	// MaxRegions bounds the region id space; MaxPages bounds the image
	// at MaxPages*PageSize data bytes.
	MaxRegions = 16
	MaxPages   = 4096

	headerSize = 16 + MaxPages // fixed fields + one owner byte per page
	freeOwner  = 0xFF

	pageCountOff = 8
	ownersOff    = 16
)

// dataStart is the offset of the first data page, aligned so pages do not
// straddle the header.
const dataStart = ((headerSize + PageSize - 1) / PageSize) * PageSize

var (
	// ErrRegionExhausted means the image has no room for the request:
	// either the region id is outside the table or every page is taken.
	ErrRegionExhausted = errors.New("region: image exhausted")

	// ErrOutOfBounds means a read or write range exceeds the region's
	// currently allocated size.
	ErrOutOfBounds = errors.New("region: access out of bounds")

	// ErrCorruptImage means the image header failed validation.
	ErrCorruptImage = errors.New("region: corrupt image header")
)

// ID names a region. Ids are small integers chosen by the caller and
// stable for the lifetime of the image.
type ID uint8

// Manager owns the image layout: the header, the page-owner table, and
// handing out Region handles. It provides no concurrency guarantees; the
// caller serializes access.
type Manager struct {
	img       image.Image
	owners    [MaxPages]byte
	pageCount uint32
	regions   map[ID]*Region
}

// Open attaches to an existing image or initializes a fresh one. Attaching
// to an image written by a prior process lifetime yields the same regions
// with the same bytes.
func Open(img image.Image) (*Manager, error) {
	m := &Manager{img: img, regions: make(map[ID]*Region)}
	if img.Size() == 0 {
		if err := m.initHeader(); err != nil {
			return nil, err
		}
		return m, nil
	}
	if err := m.loadHeader(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) initHeader() error {
	if err := m.img.Grow(dataStart); err != nil {
		return fmt.Errorf("growing image for header: %w", err)
	}
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], magic)
	binary.BigEndian.PutUint16(hdr[4:6], version)
	for i := ownersOff; i < headerSize; i++ {
		hdr[i] = freeOwner
	}
	for i := range m.owners {
		m.owners[i] = freeOwner
	}
	if err := m.img.WriteAt(0, hdr); err != nil {
		return fmt.Errorf("writing image header: %w", err)
	}
	if err := m.img.Sync(); err != nil {
		return err
	}
	return nil
}

func (m *Manager) loadHeader() error {
	if m.img.Size() < headerSize {
		return fmt.Errorf("%w: image smaller than header", ErrCorruptImage)
	}
	hdr, err := m.img.ReadAt(0, headerSize)
	if err != nil {
		return fmt.Errorf("reading image header: %w", err)
	}
	if got := binary.BigEndian.Uint32(hdr[0:4]); got != magic {
		return fmt.Errorf("%w: bad magic 0x%08X", ErrCorruptImage, got)
	}
	if got := binary.BigEndian.Uint16(hdr[4:6]); got != version {
		return fmt.Errorf("%w: unsupported layout version %d", ErrCorruptImage, got)
	}
	m.pageCount = binary.BigEndian.Uint32(hdr[pageCountOff : pageCountOff+4])
	if m.pageCount > MaxPages {
		return fmt.Errorf("%w: page count %d exceeds maximum", ErrCorruptImage, m.pageCount)
	}
	copy(m.owners[:], hdr[ownersOff:])
	return nil
}

// OpenOrCreate returns the region with the given id, creating it (with
// zero capacity) if this image has never seen it. Deterministic: the same
// id always resolves to the same bytes.
func (m *Manager) OpenOrCreate(id ID) (*Region, error) {
	if id >= MaxRegions {
		return nil, fmt.Errorf("%w: region id %d outside table (max %d)", ErrRegionExhausted, id, MaxRegions-1)
	}
	if r, ok := m.regions[id]; ok {
		return r, nil
	}
	r := &Region{m: m, id: id}
	// Pages are only ever appended, so ascending page index equals
	// assignment order: a region's logical bytes are its pages in index
	// order.
	for i := uint32(0); i < m.pageCount; i++ {
		if m.owners[i] == byte(id) {
			r.pages = append(r.pages, i)
		}
	}
	m.regions[id] = r
	return r, nil
}

// Sync flushes the underlying image.
func (m *Manager) Sync() error {
	return m.img.Sync()
}

// Close closes the underlying image.
func (m *Manager) Close() error {
	return m.img.Close()
}

// allocPage assigns the next free page to the region and persists the
// updated owner table before the page is ever used.
func (m *Manager) allocPage(id ID) (uint32, error) {
	if m.pageCount >= MaxPages {
		return 0, fmt.Errorf("%w: all %d pages allocated", ErrRegionExhausted, MaxPages)
	}
	page := m.pageCount
	need := dataStart + int64(page+1)*PageSize
	if grow := need - m.img.Size(); grow > 0 {
		if err := m.img.Grow(grow); err != nil {
			return 0, fmt.Errorf("growing image for page: %w", err)
		}
	}
	m.owners[page] = byte(id)
	m.pageCount = page + 1

	if err := m.img.WriteAt(ownersOff+int64(page), []byte{byte(id)}); err != nil {
		return 0, fmt.Errorf("persisting page owner: %w", err)
	}
	var pc [4]byte
	binary.BigEndian.PutUint32(pc[:], m.pageCount)
	if err := m.img.WriteAt(pageCountOff, pc[:]); err != nil {
		return 0, fmt.Errorf("persisting page count: %w", err)
	}
	if err := m.img.Sync(); err != nil {
		return 0, err
	}
	return page, nil
}

// Region is a named byte range within the image. Read, write, and grow
// operate on the region's logical offsets; the manager maps them onto
// physical pages.
type Region struct {
	m     *Manager
	id    ID
	pages []uint32
}

// ID returns the region's identifier.
func (r *Region) ID() ID {
	return r.id
}

// Size returns the region's current allocated capacity in bytes.
func (r *Region) Size() int64 {
	return int64(len(r.pages)) * PageSize
}

// Grow extends the region's capacity to hold at least n more bytes,
// allocating whole pages. Fails with ErrRegionExhausted when the image is
// full; already-allocated pages remain valid.
func (r *Region) Grow(n int64) error {
	if n < 0 {
		return ErrOutOfBounds
	}
	target := r.Size() + n
	for r.Size() < target {
		page, err := r.m.allocPage(r.id)
		if err != nil {
			return err
		}
		r.pages = append(r.pages, page)
	}
	return nil
}

// ReadAt returns n bytes starting at the region-relative offset off.
func (r *Region) ReadAt(off int64, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+int64(n) > r.Size() {
		return nil, fmt.Errorf("%w: read [%d,%d) of %d", ErrOutOfBounds, off, off+int64(n), r.Size())
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		pos := off + int64(len(out))
		phys, span := r.physical(pos, n-len(out))
		chunk, err := r.m.img.ReadAt(phys, span)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// WriteAt writes p at the region-relative offset off. The range must lie
// within the already-allocated size; callers Grow first.
func (r *Region) WriteAt(off int64, p []byte) error {
	if off < 0 || off+int64(len(p)) > r.Size() {
		return fmt.Errorf("%w: write [%d,%d) of %d", ErrOutOfBounds, off, off+int64(len(p)), r.Size())
	}
	for done := 0; done < len(p); {
		pos := off + int64(done)
		phys, span := r.physical(pos, len(p)-done)
		if err := r.m.img.WriteAt(phys, p[done:done+span]); err != nil {
			return err
		}
		done += span
	}
	return nil
}

// physical maps a region-relative offset to an image offset and returns
// how many bytes may be accessed before the page boundary.
func (r *Region) physical(off int64, want int) (int64, int) {
	page := r.pages[off/PageSize]
	in := off % PageSize
	span := PageSize - int(in)
	if span > want {
		span = want
	}
	return dataStart + int64(page)*PageSize + in, span
}
