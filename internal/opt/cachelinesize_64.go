//go:build parkinglot_cachelinesize_64

package opt

// CacheLineSize_ is forced to 64 bytes by the parkinglot_cachelinesize_64
// build tag.
const CacheLineSize_ = 64
