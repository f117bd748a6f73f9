package shm

// ring is one direction's SPSC descriptor ring.
// head/tail live in the peer table entry, not in the ring struct itself, so
// a crash-recovery pass can reset them without this struct's cooperation.
type ring struct {
	entries  []byte // ring_size * descriptorSize bytes
	size     uint32 // power of two
	headAddr *uint32
	tailAddr *uint32
}

func newRing(entries []byte, size uint32, headAddr, tailAddr *uint32) *ring {
	return &ring{entries: entries, size: size, headAddr: headAddr, tailAddr: tailAddr}
}

func (r *ring) slot(pos uint32) []byte {
	idx := pos & (r.size - 1)
	off := uint64(idx) * descriptorSize
	return r.entries[off : off+descriptorSize]
}

// full reports whether the ring has no room for another descriptor: head
// and tail are full 32-bit counters interpreted modulo ring_size, so the
// ring is full exactly when head - tail == ring_size. Wraparound
// subtraction is exact because ring_size is a power of two and both sides
// wrap identically.
func (r *ring) full(head, tail uint32) bool {
	return head-tail == r.size
}

func (r *ring) empty(head, tail uint32) bool {
	return head == tail
}

// tryPush writes d at the current head and publishes it with a release
// store, returning false if the ring is full (caller must park and retry).
func (r *ring) tryPush(d Descriptor) bool {
	head := loadAcquireU32(r.headAddr)
	tail := loadAcquireU32(r.tailAddr)
	if r.full(head, tail) {
		return false
	}
	encodeDescriptor(r.slot(head), d)
	storeReleaseU32(r.headAddr, head+1)
	wake(r.headAddr)
	return true
}

// tryPop reads the descriptor at the current tail if one is available,
// advancing tail with a release store so the producer can reuse the slot.
func (r *ring) tryPop() (Descriptor, bool) {
	head := loadAcquireU32(r.headAddr)
	tail := loadAcquireU32(r.tailAddr)
	if r.empty(head, tail) {
		return Descriptor{}, false
	}
	d := decodeDescriptor(r.slot(tail))
	storeReleaseU32(r.tailAddr, tail+1)
	wake(r.tailAddr)
	return d, true
}

// resetLocked zeroes head and tail, used only by crash recovery. Callers
// must already hold exclusivity over this peer's region (serialized by the
// peer.state CAS).
func (r *ring) resetLocked() {
	storeReleaseU32(r.headAddr, 0)
	storeReleaseU32(r.tailAddr, 0)
}
