// Package shm implements the shared-memory hub transport: a fixed-layout
// memory segment shared between one host and up to 255 guests, carrying
// descriptor rings, generation-tagged slot pools, and a per-stream credit
// table in place of byte-stream framing or WebSocket messages.
//
// Go exposes no separate acquire/release atomics; sync/atomic's sequentially
// consistent loads/stores stand in for the acquire/release pairs the layout
// calls for (documented once here rather than on every call).
package shm

import (
	"encoding/binary"
	"errors"
)

// Magic identifies a Rapace hub segment.
var Magic = [8]byte{'R', 'A', 'P', 'A', 'H', 'U', 'B', 0x01}

const (
	headerSize     = 128
	peerEntrySize  = 64
	descriptorSize = 64
	streamEntrySize = 16
)

// header field byte offsets within the 128-byte segment header.
const (
	offMagic               = 0  // [8]byte
	offVersion              = 8  // u32
	offMaxGuests            = 12 // u32
	offMaxPayloadSize       = 16 // u32
	offInitialCredit        = 20 // u32
	offRingSize             = 24 // u32
	offSlotsPerGuest        = 28 // u32
	offSlotSize             = 32 // u32
	offMaxStreams           = 36 // u32
	offHeartbeatIntervalNS  = 40 // u64
	offPeerTableOffset      = 48 // u64
	offSlotRegionOffset     = 56 // u64
	offHostGoodbye          = 64 // u32 (0/1)
	// [68..128) reserved, zeroed.
)

// Config describes a segment's static geometry, fixed for the segment's
// lifetime.
type Config struct {
	MaxGuests           uint32
	MaxPayloadSize      uint32
	InitialCredit       uint32
	RingSize            uint32 // must be a power of two
	SlotsPerGuest       uint32
	SlotSize            uint32
	MaxStreams          uint32
	HeartbeatIntervalNS uint64 // 0 disables heartbeat-based crash detection
}

var ErrBadMagic = errors.New("shm: bad segment magic")
var ErrNotPowerOfTwo = errors.New("shm: ring_size must be a power of two")

// Segment is a typed view over the raw bytes of a hub segment, whether
// backed by an anonymous mapping (single-process use and tests) or a real
// mmap'd fd shared across processes (see mmap.go).
type Segment struct {
	buf []byte
}

// Size computes the total byte length of a segment with the given geometry:
// header + peer table + one region per guest. Each (host, guest_i) pair has
// its own independent rings, slot pools, and stream table, so a region
// holds both directions of everything; see regionFor for the sub-offsets.
func Size(cfg Config) uint64 {
	peers := uint64(cfg.MaxGuests) * peerEntrySize
	perGuest := perGuestRegionSize(cfg)
	slotRegionOffset := headerSize + peers
	return slotRegionOffset + perGuest*uint64(cfg.MaxGuests)
}

// perGuestRegionSize is the byte size of one (host, guest_i) pair's region:
// two descriptor rings (g2h, h2g), two slot pools (one per direction, each
// allocated from only by that direction's producer), and one stream table.
func perGuestRegionSize(cfg Config) uint64 {
	ringBytes := uint64(cfg.RingSize) * descriptorSize
	slotBytes := uint64(cfg.SlotsPerGuest) * uint64(cfg.SlotSize)
	streamBytes := uint64(cfg.MaxStreams) * streamEntrySize
	return 2*ringBytes + 2*slotBytes + streamBytes
}

// NewSegment formats buf (already allocated to Size(cfg) bytes) as a fresh
// hub segment: writes the header and zeroes the peer table. Used by the
// host when creating a segment.
func NewSegment(buf []byte, cfg Config) (*Segment, error) {
	if cfg.RingSize == 0 || cfg.RingSize&(cfg.RingSize-1) != 0 {
		return nil, ErrNotPowerOfTwo
	}
	need := Size(cfg)
	if uint64(len(buf)) < need {
		return nil, errors.New("shm: buffer too small for requested geometry")
	}
	s := &Segment{buf: buf}
	copy(s.buf[offMagic:offMagic+8], Magic[:])
	binary.LittleEndian.PutUint32(s.buf[offVersion:], 1)
	binary.LittleEndian.PutUint32(s.buf[offMaxGuests:], cfg.MaxGuests)
	binary.LittleEndian.PutUint32(s.buf[offMaxPayloadSize:], cfg.MaxPayloadSize)
	binary.LittleEndian.PutUint32(s.buf[offInitialCredit:], cfg.InitialCredit)
	binary.LittleEndian.PutUint32(s.buf[offRingSize:], cfg.RingSize)
	binary.LittleEndian.PutUint32(s.buf[offSlotsPerGuest:], cfg.SlotsPerGuest)
	binary.LittleEndian.PutUint32(s.buf[offSlotSize:], cfg.SlotSize)
	binary.LittleEndian.PutUint32(s.buf[offMaxStreams:], cfg.MaxStreams)
	binary.LittleEndian.PutUint64(s.buf[offHeartbeatIntervalNS:], cfg.HeartbeatIntervalNS)
	binary.LittleEndian.PutUint64(s.buf[offPeerTableOffset:], headerSize)
	binary.LittleEndian.PutUint64(s.buf[offSlotRegionOffset:], headerSize+uint64(cfg.MaxGuests)*peerEntrySize)
	binary.LittleEndian.PutUint32(s.buf[offHostGoodbye:], 0)

	for i := uint32(0); i < cfg.MaxGuests; i++ {
		e := s.peerEntryBytes(i)
		for j := range e {
			e[j] = 0
		}
	}
	return s, nil
}

// OpenSegment validates an existing segment's header (a guest attaching to
// a segment the host already formatted) and returns the Config it was
// built with.
func OpenSegment(buf []byte) (*Segment, Config, error) {
	if len(buf) < headerSize {
		return nil, Config{}, errors.New("shm: buffer smaller than header")
	}
	s := &Segment{buf: buf}
	if string(s.buf[offMagic:offMagic+8]) != string(Magic[:]) {
		return nil, Config{}, ErrBadMagic
	}
	cfg := Config{
		MaxGuests:           binary.LittleEndian.Uint32(s.buf[offMaxGuests:]),
		MaxPayloadSize:      binary.LittleEndian.Uint32(s.buf[offMaxPayloadSize:]),
		InitialCredit:       binary.LittleEndian.Uint32(s.buf[offInitialCredit:]),
		RingSize:            binary.LittleEndian.Uint32(s.buf[offRingSize:]),
		SlotsPerGuest:       binary.LittleEndian.Uint32(s.buf[offSlotsPerGuest:]),
		SlotSize:            binary.LittleEndian.Uint32(s.buf[offSlotSize:]),
		MaxStreams:          binary.LittleEndian.Uint32(s.buf[offMaxStreams:]),
		HeartbeatIntervalNS: binary.LittleEndian.Uint64(s.buf[offHeartbeatIntervalNS:]),
	}
	return s, cfg, nil
}

func (s *Segment) MaxPayloadSize() uint32 { return binary.LittleEndian.Uint32(s.buf[offMaxPayloadSize:]) }
func (s *Segment) InitialCredit() uint32  { return binary.LittleEndian.Uint32(s.buf[offInitialCredit:]) }
func (s *Segment) RingSize() uint32       { return binary.LittleEndian.Uint32(s.buf[offRingSize:]) }
func (s *Segment) SlotsPerGuest() uint32  { return binary.LittleEndian.Uint32(s.buf[offSlotsPerGuest:]) }
func (s *Segment) SlotSize() uint32       { return binary.LittleEndian.Uint32(s.buf[offSlotSize:]) }
func (s *Segment) MaxStreams() uint32     { return binary.LittleEndian.Uint32(s.buf[offMaxStreams:]) }
func (s *Segment) MaxGuests() uint32      { return binary.LittleEndian.Uint32(s.buf[offMaxGuests:]) }
func (s *Segment) HeartbeatIntervalNS() uint64 {
	return binary.LittleEndian.Uint64(s.buf[offHeartbeatIntervalNS:])
}

func (s *Segment) peerTableOffset() uint64 {
	return binary.LittleEndian.Uint64(s.buf[offPeerTableOffset:])
}

func (s *Segment) slotRegionOffset() uint64 {
	return binary.LittleEndian.Uint64(s.buf[offSlotRegionOffset:])
}

// peerEntryBytes returns guest index i's 64-byte peer table entry.
// Guest indices are 0-based; peer_id 0 is reserved for the host, so guest
// index 0 is peer_id 1 on the wire.
func (s *Segment) peerEntryBytes(i uint32) []byte {
	off := s.peerTableOffset() + uint64(i)*peerEntrySize
	return s.buf[off : off+peerEntrySize]
}

// guestRegionBytes returns guest index i's full (rings+slots+stream table)
// region, sized by perGuestRegionSize.
func (s *Segment) guestRegionBytes(i uint32, cfg Config) []byte {
	per := perGuestRegionSize(cfg)
	off := s.slotRegionOffset() + uint64(i)*per
	return s.buf[off : off+per]
}
