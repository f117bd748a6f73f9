package shm

import "sync/atomic"

// Go's memory model treats every sync/atomic access as sequentially
// consistent, a strictly stronger guarantee than the acquire/release
// ordering the segment layout calls for; these wrappers exist to name the
// intent at each call site rather than to change behavior.
func loadAcquireU32(addr *uint32) uint32    { return atomic.LoadUint32(addr) }
func storeReleaseU32(addr *uint32, v uint32) { atomic.StoreUint32(addr, v) }
func loadAcquireU64(addr *uint64) uint64    { return atomic.LoadUint64(addr) }
func storeReleaseU64(addr *uint64, v uint64) { atomic.StoreUint64(addr, v) }
