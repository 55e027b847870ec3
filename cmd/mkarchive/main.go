// Command mkarchive builds a "kit AR01" archive (kernel/archive's
// on-disk format) out of a directory of ELF64 executables, the
// host-side counterpart to the in-kernel archive reader.
package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/devyn/kit/internal/hostarchive"
)

var (
	inputDir   string
	outputPath string
	skipVerify bool
	verbose    bool
)

func main() {
	log := logrus.New()

	root := &cobra.Command{
		Use:   "mkarchive",
		Short: "Build a kit AR01 archive from a directory of ELF binaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
			return run(log)
		},
	}

	root.Flags().StringVarP(&inputDir, "input", "i", "", "directory containing ELF binaries to archive (required)")
	root.Flags().StringVarP(&outputPath, "output", "o", "", "path to write the archive image to (required)")
	root.Flags().BoolVar(&skipVerify, "skip-elf-verify", false, "skip ELF64 validation of each input file")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.MarkFlagRequired("input")
	root.MarkFlagRequired("output")

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("mkarchive failed")
		os.Exit(1)
	}
}

func run(log *logrus.Logger) error {
	entries, err := hostarchive.LoadEntries(inputDir)
	if err != nil {
		return errors.Wrap(err, "loading input directory")
	}
	if len(entries) == 0 {
		return errors.Errorf("%s contains no regular files", inputDir)
	}

	for _, e := range entries {
		path := inputDir + string(os.PathSeparator) + e.Name
		if skipVerify {
			log.WithField("entry", e.Name).Debug("skipping ELF validation")
			continue
		}
		if err := hostarchive.ValidateELF(path); err != nil {
			return errors.Wrapf(err, "validating %s", e.Name)
		}
		log.WithFields(logrus.Fields{
			"entry": e.Name,
			"bytes": len(e.Content),
		}).Debug("validated ELF entry")
	}

	image := hostarchive.Build(entries)
	if err := hostarchive.WriteFile(outputPath, image); err != nil {
		return errors.Wrap(err, "writing archive")
	}

	log.WithFields(logrus.Fields{
		"entries": len(entries),
		"bytes":   len(image),
		"output":  outputPath,
	}).Info("archive written")
	return nil
}
