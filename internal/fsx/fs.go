// Package fsx provides the narrow filesystem seam chronq's data plane uses
// for its durable small-file writes: the writer.lock record and reader
// cursor files. Retention's directory listing and segment unlinking call
// the os package directly, not this seam.
//
// It exists so tests can substitute a fault-injecting [FS] to exercise
// crash/torn-write recovery without chronq's core logic knowing the
// difference between a real and a simulated filesystem.
package fsx

import (
	"io"
	"os"
)

// File is the subset of *os.File that chronq's metadata paths need.
//
// Satisfied by *os.File. Implementations must behave like os.File, including
// Fd() returning a descriptor usable with syscalls such as flock.
type File interface {
	io.ReadWriteCloser
	io.Seeker

	Fd() uintptr
	Stat() (os.FileInfo, error)
	Sync() error
}

// FS defines the filesystem operations chronq's control plane touches.
//
// Segment and control-block mapping use golang.org/x/sys/unix directly
// (mmap needs a raw fd). chronq calls WriteFileAtomic (lock and reader
// cursor files) and ReadFile (reader cursor files) through FS; the other
// methods are part of the seam but have no caller in chronq.
type FS interface {
	Open(path string) (File, error)
	OpenFile(path string, flag int, perm os.FileMode) (File, error)
	ReadFile(path string) ([]byte, error)

	// WriteFileAtomic durably replaces path's contents: write-temp, fsync,
	// rename-over. A crash mid-write never leaves a half-written file for
	// the next opener to trip over.
	WriteFileAtomic(path string, data []byte, perm os.FileMode) error

	ReadDir(path string) ([]os.DirEntry, error)
	MkdirAll(path string, perm os.FileMode) error
	Stat(path string) (os.FileInfo, error)
	Exists(path string) (bool, error)
	Remove(path string) error
	Rename(oldpath, newpath string) error
}

// Compile-time interface check.
var _ File = (*os.File)(nil)
