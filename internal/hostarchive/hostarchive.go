// Package hostarchive implements the host (build-time) half of the
// "kit AR01" archive format that kernel/archive reads in place from a
// mapped linear address. Unlike that package, this one runs as an
// ordinary hosted Go program, so it is free to use encoding/binary and
// debug/elf rather than the kernel's unsafe-pointer, no-allocation
// style.
package hostarchive

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// Magic is the fixed 8-byte archive identifier every archive starts
// with. It must match kernel/archive.Magic byte for byte.
const Magic = "kit AR01"

// PageSize is the alignment boundary entry payloads are packed on,
// matching the kernel's 4 KiB frame size (spec §6).
const PageSize = 4096

const entryHeaderSize = 32 // offset, length, checksum, name length: 4 u64 fields

// Entry describes one file staged for inclusion in an archive, before
// its on-disk offset has been assigned.
type Entry struct {
	Name    string
	Content []byte
}

// Build lays out entries into the "kit AR01" format: the 8-byte magic,
// a u64 entry count, one fixed 32-byte header plus inline name per
// entry (no alignment padding in the header region), then every
// entry's payload starting at the first 4 KiB boundary after the
// header region, each subsequent payload padded out to the next 4 KiB
// boundary. Entries are written in the order given.
func Build(entries []Entry) []byte {
	headerSize := magicAndCountSize()
	for _, e := range entries {
		headerSize += entryHeaderSize + len(e.Name)
	}

	payloadStart := alignUp(headerSize, PageSize)

	var buf bytes.Buffer
	buf.WriteString(Magic)
	writeU64(&buf, uint64(len(entries)))

	offset := uint64(payloadStart)
	offsets := make([]uint64, len(entries))
	for i, e := range entries {
		offsets[i] = offset
		writeU64(&buf, offset)
		writeU64(&buf, uint64(len(e.Content)))
		writeU64(&buf, checksum(e.Content))
		writeU64(&buf, uint64(len(e.Name)))
		buf.WriteString(e.Name)

		offset += uint64(alignUp(len(e.Content), PageSize))
	}

	out := make([]byte, offset)
	copy(out, buf.Bytes())
	for i, e := range entries {
		copy(out[offsets[i]:], e.Content)
	}
	return out
}

// checksum XORs every 8-byte little-endian word of content into an
// accumulator, zero-extending a trailing partial word. This must
// produce values kernel/archive.Archive.Verify agrees with.
func checksum(content []byte) uint64 {
	var acc uint64
	for len(content) >= 8 {
		acc ^= binary.LittleEndian.Uint64(content[:8])
		content = content[8:]
	}
	if len(content) > 0 {
		var word [8]byte
		copy(word[:], content)
		acc ^= binary.LittleEndian.Uint64(word[:])
	}
	return acc
}

func magicAndCountSize() int {
	return len(Magic) + 8
}

func alignUp[T int | uint64](v T, align T) T {
	return (v + align - 1) &^ (align - 1)
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// ReadEntry mirrors one parsed directory entry, with Checksum as
// recorded in the archive header (not recomputed).
type ReadEntry struct {
	Name     string
	Offset   uint64
	Length   uint64
	Checksum uint64
}

// Read parses an archive image and returns its entries in on-disk
// order, performing the same sequential, index-free walk the kernel
// reader does.
func Read(data []byte) ([]ReadEntry, error) {
	if len(data) < magicAndCountSize() || string(data[:len(Magic)]) != Magic {
		return nil, errors.New("archive magic mismatch")
	}

	count := binary.LittleEndian.Uint64(data[len(Magic):])
	cursor := magicAndCountSize()

	entries := make([]ReadEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		if cursor+entryHeaderSize > len(data) {
			return nil, errors.Errorf("entry %d: truncated header", i)
		}
		offset := binary.LittleEndian.Uint64(data[cursor:])
		length := binary.LittleEndian.Uint64(data[cursor+8:])
		sum := binary.LittleEndian.Uint64(data[cursor+16:])
		nameLen := binary.LittleEndian.Uint64(data[cursor+24:])

		nameStart := cursor + entryHeaderSize
		if nameStart+int(nameLen) > len(data) {
			return nil, errors.Errorf("entry %d: truncated name", i)
		}
		name := string(data[nameStart : nameStart+int(nameLen)])

		entries = append(entries, ReadEntry{
			Name:     name,
			Offset:   offset,
			Length:   length,
			Checksum: sum,
		})
		cursor = nameStart + int(nameLen)
	}
	return entries, nil
}

// Verify reports whether e's recorded checksum matches the payload
// it points to within data.
func Verify(data []byte, e ReadEntry) (bool, error) {
	if e.Offset+e.Length > uint64(len(data)) {
		return false, errors.Errorf("entry %q: content region [%d, %d) exceeds archive size %d", e.Name, e.Offset, e.Offset+e.Length, len(data))
	}
	return checksum(data[e.Offset:e.Offset+e.Length]) == e.Checksum, nil
}

// ValidateELF opens path and runs the same verification checklist the
// kernel's in-archive loader runs (magic, class, data encoding,
// version, OS/ABI, ABI version, type, machine), using the standard library's
// debug/elf reader since this runs on the host rather than in the
// freestanding kernel image.
func ValidateELF(path string) error {
	f, err := elf.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening %s as an ELF image", path)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return errors.Errorf("%s: not a 64-bit ELF image", path)
	}
	if f.Data != elf.ELFDATA2LSB {
		return errors.Errorf("%s: not little-endian", path)
	}
	if f.Version != elf.EV_CURRENT {
		return errors.Errorf("%s: unexpected ELF version %d", path, f.Version)
	}
	if f.OSABI != elf.ELFOSABI_NONE {
		return errors.Errorf("%s: unexpected OS/ABI %v", path, f.OSABI)
	}
	if f.ABIVersion != 0 {
		return errors.Errorf("%s: unexpected ABI version %d", path, f.ABIVersion)
	}
	if f.Type != elf.ET_EXEC {
		return errors.Errorf("%s: not ET_EXEC (dynamic linking is out of scope)", path)
	}
	if f.Machine != elf.EM_X86_64 {
		return errors.Errorf("%s: not an amd64 image", path)
	}
	return nil
}

// LoadEntries reads every regular file directly inside dir (no
// recursion -- archive entry names are flat, matching the sequential,
// index-free archive layout) and returns them as staged Entry values
// keyed on base file name, sorted for reproducible archive output.
func LoadEntries(dir string) ([]Entry, error) {
	descs, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading directory %s", dir)
	}

	names := make([]string, 0, len(descs))
	for _, d := range descs {
		if d.IsDir() {
			continue
		}
		names = append(names, d.Name())
	}
	sort.Strings(names)

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		content, err := os.ReadFile(dir + string(os.PathSeparator) + name)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", name)
		}
		entries = append(entries, Entry{Name: name, Content: content})
	}
	return entries, nil
}

// WriteFile writes the built archive image to path, truncating any
// existing file.
func WriteFile(path string, image []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer f.Close()

	if _, err := f.Write(image); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}

// ReadFile reads an entire archive image from path into memory.
func ReadFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return data, nil
}

// DescribeProgramHeaders renders f's LOAD program headers, one line per
// segment, for cmd/archivedump's ELF inspection output. Headers of other
// types are omitted.
func DescribeProgramHeaders(f *elf.File) []string {
	var lines []string
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		lines = append(lines, fmt.Sprintf(
			"LOAD vaddr=0x%x filesz=0x%x memsz=0x%x flags=%s",
			prog.Vaddr, prog.Filesz, prog.Memsz, prog.Flags,
		))
	}
	return lines
}
