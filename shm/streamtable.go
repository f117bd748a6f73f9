package shm

import "sync/atomic"

// StreamState is one stream-table entry's lifecycle.
type StreamState uint32

const (
	StreamTableFree StreamState = iota
	StreamTableOpen
)

// stream table entry field offsets within its 16-byte region. On this
// transport credit lives here instead of in a wire.Credit message.
const (
	streamOffState        = 0 // u32
	streamOffGrantedTotal = 4 // u32, published by the receiver
	streamOffConsumedTotal = 8 // u32, published by the receiver as it consumes Data
	// [12..16) reserved
)

// streamTable is one direction pair's per-stream credit/state table,
// indexed by stream_id % max_streams (stream_id 0 is reserved).
type streamTable struct {
	region  []byte // max_streams * streamEntrySize bytes
	count   uint32
}

func newStreamTable(region []byte, count uint32) *streamTable {
	return &streamTable{region: region, count: count}
}

func (t *streamTable) entry(streamID uint64) []byte {
	idx := uint32(streamID % uint64(t.count))
	off := uint64(idx) * streamEntrySize
	return t.region[off : off+streamEntrySize]
}

func (t *streamTable) State(streamID uint64) StreamState {
	return StreamState(atomic.LoadUint32(atomicU32(t.entry(streamID), streamOffState)))
}

func (t *streamTable) SetState(streamID uint64, s StreamState) {
	atomic.StoreUint32(atomicU32(t.entry(streamID), streamOffState), uint32(s))
}

// GrantedTotal is the cumulative credit the receiver has extended on this
// stream, published with a release store and read with acquire by the
// sender.
func (t *streamTable) GrantedTotal(streamID uint64) uint32 {
	return loadAcquireU32(atomicU32(t.entry(streamID), streamOffGrantedTotal))
}

func (t *streamTable) AddGranted(streamID uint64, n uint32) {
	e := t.entry(streamID)
	atomic.AddUint32(atomicU32(e, streamOffGrantedTotal), n)
	wake(atomicU32(e, streamOffGrantedTotal))
}

func (t *streamTable) ConsumedTotal(streamID uint64) uint32 {
	return atomic.LoadUint32(atomicU32(t.entry(streamID), streamOffConsumedTotal))
}

func (t *streamTable) AddConsumed(streamID uint64, n uint32) uint32 {
	return atomic.AddUint32(atomicU32(t.entry(streamID), streamOffConsumedTotal), n)
}

// EnsureOpen seeds a never-touched entry with initial credit and marks it
// Open, idempotently: both peers derive the same initial_stream_credit from
// the segment header, so either side may be the
// first to reference a given stream_id without waiting on the other.
func (t *streamTable) EnsureOpen(streamID uint64, initial uint32) {
	st := atomicU32(t.entry(streamID), streamOffState)
	if atomic.CompareAndSwapUint32(st, uint32(StreamTableFree), uint32(StreamTableOpen)) {
		atomic.StoreUint32(atomicU32(t.entry(streamID), streamOffGrantedTotal), initial)
	}
}

// resetAllLocked clears every entry back to Free, used only by crash
// recovery.
func (t *streamTable) resetAllLocked() {
	for i := uint32(0); i < t.count; i++ {
		off := uint64(i) * streamEntrySize
		e := t.region[off : off+streamEntrySize]
		atomic.StoreUint32(atomicU32(e, streamOffState), uint32(StreamTableFree))
		atomic.StoreUint32(atomicU32(e, streamOffGrantedTotal), 0)
		atomic.StoreUint32(atomicU32(e, streamOffConsumedTotal), 0)
	}
}
