package hostarchive

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildMinimalELF64 returns a minimal but well-formed ELF64 little-endian
// executable for amd64, with a single PT_LOAD segment, suitable for both
// debug/elf (ValidateELF) and DescribeProgramHeaders to parse.
func buildMinimalELF64(t *testing.T, loadContent []byte) []byte {
	t.Helper()

	const (
		ehdrSize = 64
		phdrSize = 56
	)

	var buf bytes.Buffer

	// e_ident
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* ELFDATA2LSB */, 1 /* EV_CURRENT */, 0 /* ELFOSABI_NONE */})
	buf.Write(make([]byte, 8)) // ABI version + padding

	write16 := func(v uint16) { binary.Write(&buf, binary.LittleEndian, v) }
	write32 := func(v uint32) { binary.Write(&buf, binary.LittleEndian, v) }
	write64 := func(v uint64) { binary.Write(&buf, binary.LittleEndian, v) }

	write16(2)                      // e_type = ET_EXEC
	write16(62)                     // e_machine = EM_X86_64
	write32(1)                      // e_version
	write64(0x400000)               // e_entry
	write64(ehdrSize)                // e_phoff
	write64(0)                      // e_shoff
	write32(0)                      // e_flags
	write16(ehdrSize)                // e_ehsize
	write16(phdrSize)                // e_phentsize
	write16(1)                      // e_phnum
	write16(0)                      // e_shentsize
	write16(0)                      // e_shnum
	write16(0)                      // e_shstrndx

	phdrOff := uint64(buf.Len() + phdrSize)
	write32(1)                          // p_type = PT_LOAD
	write32(5)                          // p_flags = R|X
	write64(phdrOff)                    // p_offset
	write64(0x400000)                   // p_vaddr
	write64(0x400000)                   // p_paddr
	write64(uint64(len(loadContent)))   // p_filesz
	write64(uint64(len(loadContent)))   // p_memsz
	write64(0x1000)                     // p_align

	buf.Write(loadContent)
	return buf.Bytes()
}

func writeTempELF(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buildMinimalELF64(t, content), 0o644))
	return path
}
