package sys

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// FreeBytes returns the bytes available to unprivileged users on the filesystem
// holding path.
func FreeBytes(path string) (uint64, error) {
	du, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read disk usage for %s: %w", path, err)
	}
	return du.Free, nil
}
