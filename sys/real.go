package sys

import (
	"os"
)

var _ FileHandle = (*RealFile)(nil)

type osOpener struct{}

func (osOpener) OpenFile(name string, flag int, perm os.FileMode) (FileHandle, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &RealFile{f: f}, nil
}

// RealFile is the FileHandle backed by an *os.File.
type RealFile struct {
	f *os.File
}

func (rf *RealFile) ReadAt(p []byte, off int64) (int, error) {
	return rf.f.ReadAt(p, off)
}

func (rf *RealFile) WriteAt(p []byte, off int64) (int, error) {
	return rf.f.WriteAt(p, off)
}

func (rf *RealFile) Stat() (os.FileInfo, error) {
	return rf.f.Stat()
}

func (rf *RealFile) Sync() error {
	return rf.f.Sync()
}

func (rf *RealFile) Truncate(size int64) error {
	return rf.f.Truncate(size)
}

func (rf *RealFile) Name() string {
	return rf.f.Name()
}

// Fd exposes the descriptor for preallocation.
func (rf *RealFile) Fd() uintptr {
	return rf.f.Fd()
}

func (rf *RealFile) Close() error {
	return rf.f.Close()
}
