package main

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devyn/kit/internal/hostarchive"
)

func silentLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestRunListsAndVerifiesEntries(t *testing.T) {
	dir := t.TempDir()
	archivePathForTest := filepath.Join(dir, "archive.img")

	image := hostarchive.Build([]hostarchive.Entry{
		{Name: "init", Content: []byte("hello")},
		{Name: "shell", Content: []byte("world")},
	})
	require.NoError(t, hostarchive.WriteFile(archivePathForTest, image))

	archivePath = archivePathForTest
	dumpELF = false
	defer func() { archivePath, dumpELF = "", false }()

	assert.NoError(t, run(silentLogger()))
}

func TestRunFailsOnMissingArchive(t *testing.T) {
	archivePath = filepath.Join(t.TempDir(), "does-not-exist.img")
	defer func() { archivePath = "" }()

	assert.Error(t, run(silentLogger()))
}
