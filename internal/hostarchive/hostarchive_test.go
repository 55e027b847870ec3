package hostarchive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildThenReadRoundTrip(t *testing.T) {
	entries := []Entry{
		{Name: "init", Content: []byte("hello, world!")},
		{Name: "shell", Content: make([]byte, PageSize+37)},
	}
	for i := range entries[1].Content {
		entries[1].Content[i] = byte(i)
	}

	image := Build(entries)
	require.True(t, len(image) >= PageSize)
	assert.Equal(t, Magic, string(image[:len(Magic)]))

	got, err := Read(image)
	require.NoError(t, err)
	require.Len(t, got, len(entries))

	for i, e := range entries {
		assert.Equal(t, e.Name, got[i].Name)
		assert.Equal(t, uint64(len(e.Content)), got[i].Length)
		assert.Equal(t, uint64(0), got[i].Offset%PageSize, "entry payload must start on a page boundary")

		ok, err := Verify(image, got[i])
		require.NoError(t, err)
		assert.True(t, ok, "entry %q should verify", e.Name)
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	image := Build([]Entry{{Name: "x", Content: []byte{0x01, 0x02, 0x03, 0x04}}})

	got, err := Read(image)
	require.NoError(t, err)
	require.Len(t, got, 1)

	ok, err := Verify(image, got[0])
	require.NoError(t, err)
	assert.True(t, ok)

	image[got[0].Offset] ^= 0xFF
	ok, err = Verify(image, got[0])
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChecksumMatchesSpecExample(t *testing.T) {
	content := make([]byte, 16)
	for i := range content {
		content[i] = byte(i + 1)
	}

	image := Build([]Entry{{Name: "e", Content: content}})
	got, err := Read(image)
	require.NoError(t, err)

	const want = uint64(0x0807060504030201) ^ uint64(0x100F0E0D0C0B0A09)
	assert.Equal(t, want, got[0].Checksum)
}

func TestReadRejectsBadMagic(t *testing.T) {
	_, err := Read([]byte("not an archive at all"))
	require.Error(t, err)
}

func TestReadEmptyArchive(t *testing.T) {
	image := Build(nil)
	got, err := Read(image)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestVerifyRejectsOutOfRangeEntry(t *testing.T) {
	image := Build([]Entry{{Name: "a", Content: []byte("hi")}})
	_, err := Verify(image, ReadEntry{Name: "bogus", Offset: uint64(len(image)), Length: 100})
	assert.Error(t, err)
}
