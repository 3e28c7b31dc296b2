//go:build !linux

package sys

// Preallocate is not implemented off Linux; the zero-fill pass still
// materializes the space, just without an up-front reservation.
func Preallocate(f FileHandle, off, length int64) error {
	return recordPrealloc(ErrPreallocNotSupported)
}
