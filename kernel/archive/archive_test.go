package archive

import (
	"bytes"
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/devyn/kit/kernel/mem"
)

func TestOpenAndGetRoundTrip(t *testing.T) {
	img := buildArchive(map[string][]byte{
		"hello.bin": {1, 2, 3, 4, 5},
	})

	a, err := Open(baseOf(img))
	if err != nil {
		t.Fatalf("unexpected error opening archive: %v", err)
	}

	e, err := a.Get("hello.bin")
	if err != nil {
		t.Fatalf("unexpected error looking up entry: %v", err)
	}

	got := a.Content(e)
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5}) {
		t.Fatalf("expected content %v; got %v", []byte{1, 2, 3, 4, 5}, got)
	}

	if !a.Verify(e) {
		t.Fatalf("expected a freshly built entry to verify")
	}
}

func TestGetMissingEntryReturnsError(t *testing.T) {
	img := buildArchive(map[string][]byte{"a.bin": {1}})
	a, err := Open(baseOf(img))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := a.Get("missing.bin"); err != errNotFound {
		t.Fatalf("expected errNotFound; got %v", err)
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	img := buildArchive(map[string][]byte{"a.bin": {1}})
	img[0] = 'X'
	if _, err := Open(baseOf(img)); err != errBadMagic {
		t.Fatalf("expected errBadMagic; got %v", err)
	}
}

func TestVerifyDetectsMutation(t *testing.T) {
	img := buildArchive(map[string][]byte{"a.bin": {1, 2, 3}})
	a, err := Open(baseOf(img))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e, _ := a.Get("a.bin")
	if !a.Verify(e) {
		t.Fatalf("expected entry to verify before mutation")
	}

	content := a.Content(e)
	content[0] ^= 0xFF

	if a.Verify(e) {
		t.Fatalf("expected verify to fail after mutating the payload")
	}
}

func TestChecksumMatchesSixteenByteScenario(t *testing.T) {
	content := make([]byte, 16)
	for i := range content {
		content[i] = byte(i + 1)
	}

	img := buildArchive(map[string][]byte{"sixteen.bin": content})
	a, err := Open(baseOf(img))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e, _ := a.Get("sixteen.bin")

	const expected = uint64(0x0807060504030201) ^ uint64(0x100F0E0D0C0B0A09)
	if e.Checksum != expected {
		t.Fatalf("expected recorded checksum %#x; got %#x", expected, e.Checksum)
	}
	if !a.Verify(e) {
		t.Fatalf("expected the 16-byte scenario entry to verify")
	}
}

func TestMultipleEntriesAllVerify(t *testing.T) {
	img := buildArchive(map[string][]byte{
		"first.bin":  {9, 9, 9, 9, 9, 9, 9, 9, 9},
		"second.bin": {0, 1, 2},
		"third.bin":  {},
	})

	a, err := Open(baseOf(img))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, name := range []string{"first.bin", "second.bin", "third.bin"} {
		e, err := a.Get(name)
		if err != nil {
			t.Fatalf("unexpected error looking up %s: %v", name, err)
		}
		if !a.Verify(e) {
			t.Fatalf("expected %s to verify", name)
		}
	}
}

func TestMappedSizeCoversHighestOffsetEntryRoundedUpToAPage(t *testing.T) {
	img := buildArchive(map[string][]byte{
		"a.bin": {1, 2, 3},
	})
	a, err := Open(baseOf(img))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e, _ := a.Get("a.bin")
	want := mem.Size(e.Offset+e.Length+uint64(mem.PageSize)-1) &^ (mem.PageSize - 1)
	if got := a.MappedSize(); got != want {
		t.Fatalf("expected mapped size %d; got %d", want, got)
	}
}

// buildArchive assembles a well-formed "kit AR01" image in memory: the
// magic, entry count, one fixed-size header per entry (offset, length,
// checksum, name length, inline name) followed by payloads starting at
// the next 4 KiB boundary after the header region, each payload itself
// padded up to the next 4 KiB boundary.
func buildArchive(entries map[string][]byte) []byte {
	type built struct {
		name     string
		content  []byte
		checksum uint64
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	// deterministic order for reproducible test expectations
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if names[j] < names[i] {
				names[i], names[j] = names[j], names[i]
			}
		}
	}

	var all []built
	headerSize := magicLen + 8
	for _, name := range names {
		content := entries[name]
		all = append(all, built{name: name, content: content, checksum: xorChecksum(content)})
		headerSize += entryHeaderSize + len(name)
	}

	payloadBase := align4K(headerSize)

	buf := make([]byte, payloadBase)
	copy(buf[0:magicLen], Magic)
	binary.LittleEndian.PutUint64(buf[magicLen:], uint64(len(all)))

	cursor := magicLen + 8
	offset := payloadBase
	offsets := make([]int, len(all))
	for i, e := range all {
		offsets[i] = offset
		binary.LittleEndian.PutUint64(buf[cursor:], uint64(offset))
		binary.LittleEndian.PutUint64(buf[cursor+8:], uint64(len(e.content)))
		binary.LittleEndian.PutUint64(buf[cursor+16:], e.checksum)
		binary.LittleEndian.PutUint64(buf[cursor+24:], uint64(len(e.name)))
		copy(buf[cursor+32:], e.name)
		cursor += entryHeaderSize + len(e.name)

		offset = align4K(offset + len(e.content))
	}

	out := make([]byte, offset)
	copy(out, buf)
	for i, e := range all {
		copy(out[offsets[i]:], e.content)
	}
	return out
}

func align4K(n int) int {
	const page = 4096
	return (n + page - 1) &^ (page - 1)
}

func xorChecksum(content []byte) uint64 {
	var acc uint64
	i := 0
	for ; i+8 <= len(content); i += 8 {
		acc ^= binary.LittleEndian.Uint64(content[i:])
	}
	if rem := len(content) - i; rem > 0 {
		var word uint64
		for j := 0; j < rem; j++ {
			word |= uint64(content[i+j]) << (8 * j)
		}
		acc ^= word
	}
	return acc
}

func baseOf(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}
