package shm

import (
	"sync/atomic"
	"unsafe"
)

// PeerState is a guest's attach lifecycle.
type PeerState uint32

const (
	PeerEmpty PeerState = iota
	PeerAttached
	PeerGoodbye
)

// peer table entry field offsets within its 64-byte region.
const (
	peerOffState           = 0  // u32
	peerOffEpoch            = 4  // u32
	peerOffG2HHead          = 8  // u32
	peerOffG2HTail          = 12 // u32
	peerOffH2GHead          = 16 // u32
	peerOffH2GTail          = 20 // u32
	peerOffLastHeartbeatNS  = 24 // u64
	// [32..64) reserved for future ring/pool offset fields; this
	// implementation derives those offsets from Config instead of storing
	// them per-entry, since geometry is uniform across guests.
)

func atomicU32(b []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[off]))
}

func atomicU64(b []byte, off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&b[off]))
}

// peerView is a thin wrapper over one guest's 64-byte peer table entry,
// exposing its atomic fields.
type peerView struct {
	b []byte
}

func (s *Segment) peer(i uint32) peerView {
	return peerView{b: s.peerEntryBytes(i)}
}

func (p peerView) State() PeerState {
	return PeerState(atomic.LoadUint32(atomicU32(p.b, peerOffState)))
}

func (p peerView) setState(v PeerState) {
	atomic.StoreUint32(atomicU32(p.b, peerOffState), uint32(v))
}

// CompareAndSwapState is the serialization point between a crash-recovery
// pass and a new attach: whoever wins the CAS owns the slot's region.
func (p peerView) CompareAndSwapState(old, new PeerState) bool {
	return atomic.CompareAndSwapUint32(atomicU32(p.b, peerOffState), uint32(old), uint32(new))
}

func (p peerView) Epoch() uint32 { return atomic.LoadUint32(atomicU32(p.b, peerOffEpoch)) }

func (p peerView) bumpEpoch() uint32 {
	return atomic.AddUint32(atomicU32(p.b, peerOffEpoch), 1)
}

func (p peerView) g2hHead() uint32      { return atomic.LoadUint32(atomicU32(p.b, peerOffG2HHead)) }
func (p peerView) setG2HHead(v uint32)  { atomic.StoreUint32(atomicU32(p.b, peerOffG2HHead), v) }
func (p peerView) g2hTail() uint32      { return atomic.LoadUint32(atomicU32(p.b, peerOffG2HTail)) }
func (p peerView) setG2HTail(v uint32)  { atomic.StoreUint32(atomicU32(p.b, peerOffG2HTail), v) }
func (p peerView) h2gHead() uint32      { return atomic.LoadUint32(atomicU32(p.b, peerOffH2GHead)) }
func (p peerView) setH2GHead(v uint32)  { atomic.StoreUint32(atomicU32(p.b, peerOffH2GHead), v) }
func (p peerView) h2gTail() uint32      { return atomic.LoadUint32(atomicU32(p.b, peerOffH2GTail)) }
func (p peerView) setH2GTail(v uint32)  { atomic.StoreUint32(atomicU32(p.b, peerOffH2GTail), v) }

func (p peerView) LastHeartbeatNS() uint64 {
	return loadAcquireU64(atomicU64(p.b, peerOffLastHeartbeatNS))
}

func (p peerView) SetLastHeartbeatNS(ns uint64) {
	storeReleaseU64(atomicU64(p.b, peerOffLastHeartbeatNS), ns)
}
