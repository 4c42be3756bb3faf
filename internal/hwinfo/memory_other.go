//go:build !linux

package hwinfo

import "os"

func memoryMB() (total, free int) { return 0, 0 }

func pageSize() int { return os.Getpagesize() }
