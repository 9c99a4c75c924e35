//go:build !parkinglot_cachelinesize_32 && !parkinglot_cachelinesize_64 && !parkinglot_cachelinesize_128 && !parkinglot_cachelinesize_256

package opt

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize_ is used in structure padding to prevent false sharing.
// It's automatically calculated using the `golang.org/x/sys` package.
//
// If needed, it can be forcibly specified using build tags:
// parkinglot_cachelinesize_32, parkinglot_cachelinesize_64,
// parkinglot_cachelinesize_128, parkinglot_cachelinesize_256.
const CacheLineSize_ = unsafe.Sizeof(cpu.CacheLinePad{})
