//go:build linux

package sys

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

func notSupported(err error) bool {
	return errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EINVAL) ||
		errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOTTY)
}

// localFilesystem reports whether the statfs magic belongs to a local filesystem
// where fallocate is worth attempting.
func localFilesystem(magic int64) bool {
	switch magic {
	case 0xEF53, // EXT2/3/4
		0x58465342, // XFS
		0x9123683E, // BTRFS
		0x01021994, // TMPFS
		0x794C7630, // OVERLAYFS
		0xF2F52010, // F2FS
		0x2FC12FC1: // ZFS on Linux
		return true
	}
	return false
}

// Preallocate reserves disk space for [off, off+length) of f so that later
// zero-fill and data writes into that range do not fail for lack of space.
func Preallocate(f FileHandle, off, length int64) error {
	if length <= 0 {
		return nil
	}
	fg, ok := f.(interface{ Fd() uintptr })
	if !ok {
		return recordPrealloc(ErrPreallocNotSupported)
	}
	fd := int(fg.Fd())

	// WSL mounts of Windows drives do not support fallocate.
	if strings.HasPrefix(f.Name(), "/mnt/") {
		return recordPrealloc(ErrPreallocNotSupported)
	}

	var stat unix.Stat_t
	var dev uint64
	if err := unix.Fstat(fd, &stat); err == nil {
		dev = uint64(stat.Dev)
		if allow, found := preallocCacheLoad(dev); found {
			preallocCacheHit()
			if !allow {
				return recordPrealloc(ErrPreallocNotSupported)
			}
			return recordPrealloc(fallocate(fd, off, length))
		}
		preallocCacheMiss()
	}

	var st unix.Statfs_t
	if err := unix.Fstatfs(fd, &st); err != nil || !localFilesystem(int64(st.Type)) {
		if dev != 0 {
			preallocCacheStore(dev, false)
		}
		return recordPrealloc(ErrPreallocNotSupported)
	}

	err := fallocate(fd, off, length)
	if dev != 0 {
		preallocCacheStore(dev, !errors.Is(err, ErrPreallocNotSupported))
	}
	return recordPrealloc(err)
}

func fallocate(fd int, off, length int64) error {
	if err := unix.Fallocate(fd, 0, off, length); err != nil {
		if notSupported(err) {
			return ErrPreallocNotSupported
		}
		return fmt.Errorf("preallocation failed for fd=%d: %w", fd, err)
	}
	return nil
}
