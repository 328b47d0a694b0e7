package fsx

import (
	"io"
	"os"
)

// FaultFS wraps an [FS] and truncates writes after a fixed byte budget, to
// simulate a process dying mid-write. chronq only needs the single
// "the write never finished" fault shape (its commit protocols are
// designed to tolerate exactly that), so FaultFS stays deliberately small:
// one knob, one failure mode.
//
// A FaultFS is single-use: once its budget is exhausted it keeps failing.
// Construct a fresh one per test case.
type FaultFS struct {
	FS
	// MaxBytes is the total number of bytes writes through files opened by
	// this FaultFS may succeed in writing before every subsequent Write call
	// returns io.ErrShortWrite having written zero further bytes.
	MaxBytes int

	written int
}

func (f *FaultFS) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &faultFile{File: file, budget: f}, nil
}

func (f *FaultFS) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	remaining := f.MaxBytes - f.written
	if remaining < len(data) {
		if remaining < 0 {
			remaining = 0
		}

		f.written += remaining

		return f.FS.WriteFileAtomic(path, data[:remaining], perm)
	}

	f.written += len(data)

	return f.FS.WriteFileAtomic(path, data, perm)
}

type faultFile struct {
	File
	budget *FaultFS
}

func (f *faultFile) Write(p []byte) (int, error) {
	remaining := f.budget.MaxBytes - f.budget.written
	if remaining <= 0 {
		return 0, io.ErrShortWrite
	}

	if remaining < len(p) {
		p = p[:remaining]
	}

	n, err := f.File.Write(p)
	f.budget.written += n

	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}

	return n, err
}
