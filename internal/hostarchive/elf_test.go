package hostarchive

import (
	"bytes"
	"debug/elf"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateELFAcceptsWellFormedImage(t *testing.T) {
	dir := t.TempDir()
	path := writeTempELF(t, dir, "init", []byte("hello"))
	assert.NoError(t, ValidateELF(path))
}

func TestValidateELFRejectsNonELF(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/not-elf"
	require.NoError(t, os.WriteFile(path, []byte("definitely not an ELF image"), 0o644))
	assert.Error(t, ValidateELF(path))
}

func TestLoadEntriesSkipsDirectoriesAndSorts(t *testing.T) {
	dir := t.TempDir()
	writeTempELF(t, dir, "zshell", []byte("z"))
	writeTempELF(t, dir, "ainit", []byte("a"))
	require.NoError(t, os.Mkdir(dir+"/subdir", 0o755))

	entries, err := LoadEntries(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ainit", entries[0].Name)
	assert.Equal(t, "zshell", entries[1].Name)
}

func TestDescribeProgramHeadersListsLoadSegment(t *testing.T) {
	raw := buildMinimalELF64(t, []byte("payload"))
	f, err := elf.NewFile(bytes.NewReader(raw))
	require.NoError(t, err)
	defer f.Close()

	lines := DescribeProgramHeaders(f)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "LOAD")
	assert.Contains(t, lines[0], "vaddr=0x400000")
}
