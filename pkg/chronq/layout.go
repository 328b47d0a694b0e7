package chronq

import (
	"fmt"
	"path/filepath"
)

const (
	controlFileName = "control.meta"
	lockFileName    = "writer.lock"
	readersDirName  = "readers"
)

// segmentFileName returns the on-disk name of segment id, per the
// NNNNNNNNN.q zero-padded decimal convention.
func segmentFileName(id uint64) string {
	return fmt.Sprintf("%09d.q", id)
}

func segmentPath(queueDir string, id uint64) string {
	return filepath.Join(queueDir, segmentFileName(id))
}

func controlPath(queueDir string) string {
	return filepath.Join(queueDir, controlFileName)
}

func lockPath(queueDir string) string {
	return filepath.Join(queueDir, lockFileName)
}

func readersDir(queueDir string) string {
	return filepath.Join(queueDir, readersDirName)
}

func readerMetaPath(queueDir, name string) string {
	return filepath.Join(readersDir(queueDir), name+".meta")
}
