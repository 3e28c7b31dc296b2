package sys

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// TestFileOperations covers positioned I/O through the default opener.
func TestFileOperations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit.ms")

	f, err := OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer f.Close()

	t.Run("WriteAtReadAt", func(t *testing.T) {
		want := []byte("hello block")
		if _, err := f.WriteAt(want, 1024); err != nil {
			t.Fatalf("WriteAt failed: %v", err)
		}
		got := make([]byte, len(want))
		if _, err := f.ReadAt(got, 1024); err != nil {
			t.Fatalf("ReadAt failed: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("ReadAt mismatch: got %q, want %q", got, want)
		}
		size, err := Size(f)
		if err != nil {
			t.Fatalf("Size failed: %v", err)
		}
		if size != 1024+int64(len(want)) {
			t.Errorf("Size = %d, want %d", size, 1024+len(want))
		}
	})

	t.Run("Truncate", func(t *testing.T) {
		if err := f.Truncate(4096); err != nil {
			t.Fatalf("Truncate failed: %v", err)
		}
		size, _ := Size(f)
		if size != 4096 {
			t.Errorf("Size after truncate = %d, want 4096", size)
		}
	})
}

type failingOpener struct{ err error }

func (o failingOpener) OpenFile(string, int, os.FileMode) (FileHandle, error) {
	return nil, o.err
}

func TestSetDefaultOpener(t *testing.T) {
	injected := errors.New("injected open failure")
	prev := SetDefaultOpener(failingOpener{err: injected})
	defer SetDefaultOpener(prev)

	_, err := OpenFile(filepath.Join(t.TempDir(), "x"), os.O_RDWR|os.O_CREATE, 0644)
	if !errors.Is(err, injected) {
		t.Fatalf("OpenFile error = %v, want %v", err, injected)
	}
}

func TestPreallocate(t *testing.T) {
	f, err := OpenFile(filepath.Join(t.TempDir(), "prealloc.ms"), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer f.Close()

	before := PreallocCounters()
	err = Preallocate(f, 0, 64*512)
	if err != nil && !errors.Is(err, ErrPreallocNotSupported) {
		t.Fatalf("Preallocate returned unexpected error: %v", err)
	}
	after := PreallocCounters()
	total := func(s PreallocStats) uint64 { return s.Successes + s.Failures + s.Unsupported }
	if total(after) != total(before)+1 {
		t.Errorf("expected exactly one recorded outcome, before=%+v after=%+v", before, after)
	}

	if err := Preallocate(f, 0, 0); err != nil {
		t.Errorf("Preallocate with zero length should be a no-op, got %v", err)
	}
}

func TestPreallocCache(t *testing.T) {
	const devID = uint64(0xABCD)
	preallocCache.Delete(devID)

	if _, found := preallocCacheLoad(devID); found {
		t.Fatalf("expected dev %d to be absent", devID)
	}
	preallocCacheStore(devID, false)
	if allow, found := preallocCacheLoad(devID); !found || allow {
		t.Fatalf("expected found=true allow=false, got found=%v allow=%v", found, allow)
	}
	preallocCacheStore(devID, true)
	if allow, found := preallocCacheLoad(devID); !found || !allow {
		t.Fatalf("expected found=true allow=true, got found=%v allow=%v", found, allow)
	}
}

func TestFreeBytes(t *testing.T) {
	free, err := FreeBytes(t.TempDir())
	if err != nil {
		t.Fatalf("FreeBytes failed: %v", err)
	}
	if free == 0 {
		t.Errorf("FreeBytes reported no free space on the test filesystem")
	}
}
