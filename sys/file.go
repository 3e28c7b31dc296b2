package sys

import (
	"io"
	"os"
	"sync/atomic"
)

// FileHandle is the positioned-I/O surface the block store needs from a file.
type FileHandle interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
}

// Opener opens a FileHandle. Tests swap it to inject faults.
type Opener interface {
	OpenFile(name string, flag int, perm os.FileMode) (FileHandle, error)
}

// openerWrapper is a stable concrete type so atomic.Value always sees the same type.
type openerWrapper struct {
	o Opener
}

var defaultOpener atomic.Value // stores openerWrapper

func init() {
	defaultOpener.Store(openerWrapper{o: osOpener{}})
}

// SetDefaultOpener replaces the process-wide opener and returns the previous one.
func SetDefaultOpener(o Opener) Opener {
	prev := defaultOpener.Load().(openerWrapper).o
	defaultOpener.Store(openerWrapper{o: o})
	return prev
}

// OpenFile opens name through the current opener.
func OpenFile(name string, flag int, perm os.FileMode) (FileHandle, error) {
	fw, ok := defaultOpener.Load().(openerWrapper)
	if !ok || fw.o == nil {
		return nil, os.ErrInvalid
	}
	return fw.o.OpenFile(name, flag, perm)
}

// Size returns the size of the file in bytes.
func Size(f FileHandle) (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}
