// Package blockfile is the block store: positioned, fixed-size 512-byte reads and
// writes on the index, data, and check files of one storage unit.
package blockfile

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/INLOpen/nexusseis/core"
	"github.com/INLOpen/nexusseis/sys"
)

// Role tells which of the unit's files a File is.
type Role string

const (
	RoleIndex Role = "idx"
	RoleData  Role = "ms"
	RoleCheck Role = "chk"
)

// zeroChunkBlocks is how many blocks WriteZeros writes per call.
const zeroChunkBlocks = core.ExtentBlocks

var zeroChunk = make([]byte, zeroChunkBlocks*core.BlockSize)

// File is one block-addressed file.
type File struct {
	h        sys.FileHandle
	role     Role
	path     string
	readOnly bool
}

// Open opens path. When create is false a missing file yields core.ErrFileNotFound.
func Open(path string, role Role, create, readOnly bool) (*File, error) {
	if readOnly && create {
		return nil, fmt.Errorf("open %s: %w", path, core.ErrReadOnly)
	}
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	if create {
		flag |= os.O_CREATE
	}
	h, err := sys.OpenFile(path, flag, 0644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", path, core.ErrFileNotFound)
		}
		return nil, &core.IOError{Op: "open", File: path, Block: -1, Err: err}
	}
	return &File{h: h, role: role, path: path, readOnly: readOnly}, nil
}

// Path returns the file path.
func (f *File) Path() string { return f.path }

// Role returns the file's role.
func (f *File) Role() Role { return f.role }

// Len returns the file length in whole blocks.
func (f *File) Len() (int64, error) {
	size, err := sys.Size(f.h)
	if err != nil {
		return 0, f.ioErr("stat", -1, err)
	}
	return size / core.BlockSize, nil
}

// ReadBlock reads block n into buf, which must be exactly one block long.
// Bytes past the end of the file read as zero.
func (f *File) ReadBlock(n int64, buf []byte) error {
	if len(buf) != core.BlockSize {
		return fmt.Errorf("read %s block %d: buffer is %d bytes, want %d", f.path, n, len(buf), core.BlockSize)
	}
	return f.ReadBlocks(n, buf)
}

// ReadBlocks reads len(buf)/BlockSize consecutive blocks starting at n.
func (f *File) ReadBlocks(n int64, buf []byte) error {
	if len(buf)%core.BlockSize != 0 {
		return fmt.Errorf("read %s block %d: buffer length %d is not a multiple of %d", f.path, n, len(buf), core.BlockSize)
	}
	got, err := f.h.ReadAt(buf, n*core.BlockSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return f.ioErr("read", n, err)
	}
	clear(buf[got:])
	return nil
}

// WriteBlock writes one block at n.
func (f *File) WriteBlock(n int64, buf []byte) error {
	if len(buf) != core.BlockSize {
		return fmt.Errorf("write %s block %d: buffer is %d bytes, want %d", f.path, n, len(buf), core.BlockSize)
	}
	return f.WriteBlocks(n, buf)
}

// WriteBlocks writes len(buf)/BlockSize consecutive blocks starting at n.
func (f *File) WriteBlocks(n int64, buf []byte) error {
	if f.readOnly {
		return fmt.Errorf("write %s block %d: %w", f.path, n, core.ErrReadOnly)
	}
	if len(buf)%core.BlockSize != 0 {
		return fmt.Errorf("write %s block %d: buffer length %d is not a multiple of %d", f.path, n, len(buf), core.BlockSize)
	}
	if _, err := f.h.WriteAt(buf, n*core.BlockSize); err != nil {
		return f.ioErr("write", n, err)
	}
	return nil
}

// WriteZeros zero-fills count blocks starting at from.
func (f *File) WriteZeros(from, count int64) error {
	for count > 0 {
		step := min(count, zeroChunkBlocks)
		if err := f.WriteBlocks(from, zeroChunk[:step*core.BlockSize]); err != nil {
			return err
		}
		from += step
		count -= step
	}
	return nil
}

// Truncate sets the file length to blocks.
func (f *File) Truncate(blocks int64) error {
	if f.readOnly {
		return fmt.Errorf("truncate %s: %w", f.path, core.ErrReadOnly)
	}
	if err := f.h.Truncate(blocks * core.BlockSize); err != nil {
		return f.ioErr("truncate", blocks, err)
	}
	return nil
}

// Extend grows the file to blocks, reserving the new space when prealloc is set.
// A file already at least that long is left alone.
func (f *File) Extend(blocks int64, prealloc bool) error {
	cur, err := f.Len()
	if err != nil {
		return err
	}
	if blocks <= cur {
		return nil
	}
	if err := f.Truncate(blocks); err != nil {
		return err
	}
	if prealloc {
		// Best effort: the zero-fill pass materializes the blocks anyway.
		_ = sys.Preallocate(f.h, cur*core.BlockSize, (blocks-cur)*core.BlockSize)
	}
	return nil
}

// LastNonZero returns the highest block in [from, to) holding any non-zero byte,
// or -1 if every block is zero.
func (f *File) LastNonZero(from, to int64) (int64, error) {
	buf := make([]byte, zeroChunkBlocks*core.BlockSize)
	for end := to; end > from; {
		start := max(from, end-zeroChunkBlocks)
		chunk := buf[:(end-start)*core.BlockSize]
		if err := f.ReadBlocks(start, chunk); err != nil {
			return -1, err
		}
		for b := end - start - 1; b >= 0; b-- {
			if !core.IsZeroBlock(chunk[b*core.BlockSize : (b+1)*core.BlockSize]) {
				return start + b, nil
			}
		}
		end = start
	}
	return -1, nil
}

// Sync flushes the file to stable storage.
func (f *File) Sync() error {
	if f.readOnly {
		return nil
	}
	if err := f.h.Sync(); err != nil {
		return f.ioErr("sync", -1, err)
	}
	return nil
}

// Close closes the underlying handle.
func (f *File) Close() error {
	if err := f.h.Close(); err != nil {
		return f.ioErr("close", -1, err)
	}
	return nil
}

func (f *File) ioErr(op string, block int64, err error) error {
	return &core.IOError{Op: op, File: f.path, Block: block, Err: err}
}
