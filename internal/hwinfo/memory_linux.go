//go:build linux

package hwinfo

import "golang.org/x/sys/unix"

// memoryMB returns total and free RAM in megabytes from sysinfo(2).
func memoryMB() (total, free int) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0
	}
	unit := uint64(info.Unit)
	total = int(uint64(info.Totalram) * unit / (1024 * 1024))
	free = int(uint64(info.Freeram) * unit / (1024 * 1024))
	return total, free
}

func pageSize() int { return unix.Getpagesize() }
