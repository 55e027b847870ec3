package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devyn/kit/internal/hostarchive"
)

// minimalELF returns a minimal but well-formed ELF64 amd64 executable
// with one PT_LOAD segment carrying content, enough for
// hostarchive.ValidateELF to accept.
func minimalELF(content []byte) []byte {
	const (
		ehdrSize = 64
		phdrSize = 56
	)

	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	buf.Write(make([]byte, 8))

	w16 := func(v uint16) { binary.Write(&buf, binary.LittleEndian, v) }
	w32 := func(v uint32) { binary.Write(&buf, binary.LittleEndian, v) }
	w64 := func(v uint64) { binary.Write(&buf, binary.LittleEndian, v) }

	w16(2)
	w16(62)
	w32(1)
	w64(0x400000)
	w64(ehdrSize)
	w64(0)
	w32(0)
	w16(ehdrSize)
	w16(phdrSize)
	w16(1)
	w16(0)
	w16(0)
	w16(0)

	phdrOff := uint64(buf.Len() + phdrSize)
	w32(1)
	w32(5)
	w64(phdrOff)
	w64(0x400000)
	w64(0x400000)
	w64(uint64(len(content)))
	w64(uint64(len(content)))
	w64(0x1000)

	buf.Write(content)
	return buf.Bytes()
}

func silentLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestRunBuildsArchiveFromDirectory(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "archive.img")

	entries, err := hostarchiveTestEntries(t, dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	inputDir = dir
	outputPath = out
	skipVerify = false
	defer func() { inputDir, outputPath, skipVerify = "", "", false }()

	require.NoError(t, run(silentLogger()))

	image, err := hostarchive.ReadFile(out)
	require.NoError(t, err)

	parsed, err := hostarchive.Read(image)
	require.NoError(t, err)
	assert.Len(t, parsed, len(entries))
}

func TestRunRejectsEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	inputDir = dir
	outputPath = filepath.Join(dir, "out.img")
	defer func() { inputDir, outputPath = "", "" }()

	err := run(silentLogger())
	assert.Error(t, err)
}

// hostarchiveTestEntries populates dir with a couple of minimal ELF
// binaries so run() has something real to validate and pack.
func hostarchiveTestEntries(t *testing.T, dir string) ([]hostarchive.Entry, error) {
	t.Helper()
	names := []string{"init", "shell"}
	var entries []hostarchive.Entry
	for _, name := range names {
		content := []byte("payload-" + name)
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, minimalELF(content), 0o644); err != nil {
			return nil, err
		}
		entries = append(entries, hostarchive.Entry{Name: name, Content: content})
	}
	return entries, nil
}
