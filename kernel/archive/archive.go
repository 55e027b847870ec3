// Package archive reads the "kit AR01" archive format in place from a
// mapped linear address, in the hand-rolled unsafe-pointer style the
// teacher's hal/multiboot package uses for its own fixed-header,
// variable-trailer tag records: no encoding/binary, no copies of entry
// payloads (Open does copy each entry header and name into an Entry).
// Building an archive is a host-side concern (cmd/mkarchive).
package archive

import (
	"unsafe"

	"github.com/devyn/kit/kernel"
	"github.com/devyn/kit/kernel/mem"
)

// Magic is the fixed 8-byte archive identifier every archive starts with.
const Magic = "kit AR01"

const (
	magicLen        = 8
	entryHeaderSize = 32 // offset, length, checksum, name length: 4 u64 fields
)

var (
	errBadMagic = &kernel.Error{Module: "archive", Message: "archive magic mismatch"}
	errNotFound = &kernel.Error{Module: "archive", Message: "archive entry not found"}
)

// Entry describes one archive member. Offset and Length locate its
// payload relative to the archive's base address; Checksum is the value
// recorded at build time for Verify to check against.
type Entry struct {
	Name     string
	Offset   uint64
	Length   uint64
	Checksum uint64
}

// Archive is an opened, read-only view over an in-memory archive image.
type Archive struct {
	base    uintptr
	entries []Entry
}

// Open parses the archive header at base (already mapped read-only, e.g.
// via the mmap_archive system call) and indexes every entry. It does not
// copy entry payloads; Get and Verify read through to base on demand.
func Open(base uintptr) (*Archive, *kernel.Error) {
	if !matchesMagic(base) {
		return nil, errBadMagic
	}

	count := readU64(base + magicLen)
	cursor := base + magicLen + 8

	entries := make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		offset := readU64(cursor)
		length := readU64(cursor + 8)
		checksum := readU64(cursor + 16)
		nameLen := readU64(cursor + 24)
		name := readString(cursor+entryHeaderSize, nameLen)

		entries = append(entries, Entry{
			Name:     name,
			Offset:   offset,
			Length:   length,
			Checksum: checksum,
		})

		cursor += uintptr(entryHeaderSize) + uintptr(nameLen)
	}

	return &Archive{base: base, entries: entries}, nil
}

// MappedSize returns the number of bytes, counting from base, that a
// caller must keep mapped to cover every entry's payload: the end of the
// highest-offset entry, rounded up to a page. mmap_archive uses this to
// size the read-only mapping it installs in a spawned process.
func (a *Archive) MappedSize() mem.Size {
	var end uint64
	for i := range a.entries {
		if e := a.entries[i].Offset + a.entries[i].Length; e > end {
			end = e
		}
	}
	pages := mem.Size(end).Pages()
	return mem.Size(pages) * mem.PageSize
}

// Get performs a linear search for the named entry.
func (a *Archive) Get(name string) (*Entry, *kernel.Error) {
	for i := range a.entries {
		if a.entries[i].Name == name {
			return &a.entries[i], nil
		}
	}
	return nil, errNotFound
}

// Content returns the raw payload bytes for e, read directly out of the
// mapped archive.
func (a *Archive) Content(e *Entry) []byte {
	addr := a.base + uintptr(e.Offset)
	return (*[1 << 30]byte)(unsafe.Pointer(addr))[:e.Length:e.Length]
}

// Verify recomputes e's checksum over its payload and reports whether it
// matches the value recorded in the header.
func (a *Archive) Verify(e *Entry) bool {
	return a.checksum(e) == e.Checksum
}

// checksum XORs every 8-byte little-endian word of e's content into an
// accumulator, zero-extending a trailing partial word.
func (a *Archive) checksum(e *Entry) uint64 {
	var acc uint64
	addr := a.base + uintptr(e.Offset)
	remaining := e.Length

	for remaining >= 8 {
		acc ^= readU64(addr)
		addr += 8
		remaining -= 8
	}

	if remaining > 0 {
		var word uint64
		for i := uint64(0); i < remaining; i++ {
			b := *(*byte)(unsafe.Pointer(addr + uintptr(i)))
			word |= uint64(b) << (8 * i)
		}
		acc ^= word
	}

	return acc
}

func matchesMagic(base uintptr) bool {
	for i := 0; i < magicLen; i++ {
		if *(*byte)(unsafe.Pointer(base + uintptr(i))) != Magic[i] {
			return false
		}
	}
	return true
}

func readU64(addr uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(addr))
}

func readString(addr uintptr, length uint64) string {
	if length == 0 {
		return ""
	}
	b := (*[1 << 20]byte)(unsafe.Pointer(addr))[:length:length]
	return string(b)
}
