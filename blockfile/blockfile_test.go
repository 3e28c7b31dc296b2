package blockfile

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexusseis/core"
	"github.com/INLOpen/nexusseis/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func block(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, core.BlockSize)
}

func openTemp(t *testing.T) *File {
	t.Helper()
	f, err := Open(filepath.Join(t.TempDir(), "unit.ms"), RoleData, true, false)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestOpen_Missing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.idx"), RoleIndex, false, false)
	assert.ErrorIs(t, err, core.ErrFileNotFound)

	_, err = Open(filepath.Join(t.TempDir(), "x.idx"), RoleIndex, true, true)
	assert.ErrorIs(t, err, core.ErrReadOnly)
}

func TestReadWriteBlock(t *testing.T) {
	f := openTemp(t)

	require.NoError(t, f.WriteBlock(3, block(0xAB)))
	n, err := f.Len()
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	got := make([]byte, core.BlockSize)
	require.NoError(t, f.ReadBlock(3, got))
	assert.Equal(t, block(0xAB), got)

	// Holes and blocks past EOF read as zero.
	require.NoError(t, f.ReadBlock(1, got))
	assert.True(t, core.IsZeroBlock(got))
	require.NoError(t, f.ReadBlock(100, got))
	assert.True(t, core.IsZeroBlock(got))

	assert.Error(t, f.WriteBlock(0, make([]byte, 10)))
	assert.Error(t, f.ReadBlock(0, make([]byte, 10)))
}

func TestWriteZerosAndLastNonZero(t *testing.T) {
	f := openTemp(t)

	require.NoError(t, f.WriteBlock(10, block(1)))
	require.NoError(t, f.WriteBlock(150, block(2)))
	require.NoError(t, f.Extend(300, true))

	last, err := f.LastNonZero(0, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(150), last)

	last, err = f.LastNonZero(0, 150)
	require.NoError(t, err)
	assert.Equal(t, int64(10), last)

	require.NoError(t, f.WriteZeros(0, 200))
	last, err = f.LastNonZero(0, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), last)
}

func TestExtendAndTruncate(t *testing.T) {
	f := openTemp(t)

	require.NoError(t, f.Extend(128, false))
	n, err := f.Len()
	require.NoError(t, err)
	assert.Equal(t, int64(128), n)

	// Extend never shrinks.
	require.NoError(t, f.Extend(64, false))
	n, _ = f.Len()
	assert.Equal(t, int64(128), n)

	require.NoError(t, f.Truncate(64))
	n, _ = f.Len()
	assert.Equal(t, int64(64), n)
}

func TestReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit.idx")
	f, err := Open(path, RoleIndex, true, false)
	require.NoError(t, err)
	require.NoError(t, f.WriteBlock(0, block(7)))
	require.NoError(t, f.Close())

	ro, err := Open(path, RoleIndex, false, true)
	require.NoError(t, err)
	defer ro.Close()

	assert.ErrorIs(t, ro.WriteBlock(0, block(1)), core.ErrReadOnly)
	assert.ErrorIs(t, ro.Truncate(0), core.ErrReadOnly)
	got := make([]byte, core.BlockSize)
	require.NoError(t, ro.ReadBlock(0, got))
	assert.Equal(t, block(7), got)
}

type brokenHandle struct{ sys.FileHandle }

func (brokenHandle) WriteAt([]byte, int64) (int, error) { return 0, errors.New("disk on fire") }

type brokenOpener struct{}

func (brokenOpener) OpenFile(name string, flag int, perm os.FileMode) (sys.FileHandle, error) {
	return brokenHandle{}, nil
}

func TestWriteBlock_IOError(t *testing.T) {
	prev := sys.SetDefaultOpener(brokenOpener{})
	defer sys.SetDefaultOpener(prev)

	f, err := Open(filepath.Join(t.TempDir(), "x.ms"), RoleData, true, false)
	require.NoError(t, err)

	err = f.WriteBlock(5, block(1))
	require.Error(t, err)
	assert.True(t, core.IsIOError(err))
	var ioErr *core.IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, int64(5), ioErr.Block)
	assert.Equal(t, "write", ioErr.Op)
}
