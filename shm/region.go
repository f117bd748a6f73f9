package shm

// peerRegion bundles one (host, guest_i) pair's independent rings, slot
// pools, and stream table. g2h is guest-to-host
// (producer: guest), h2g is host-to-guest (producer: host); each direction
// has its own ring and its own slot pool, since only the producer side ever
// allocates slots for its own direction.
type peerRegion struct {
	g2hRing *ring
	h2gRing *ring
	g2hSlots *slotPool // guest-owned: guest allocates, host frees
	h2gSlots *slotPool // host-owned: host allocates, guest frees
	streams *streamTable
}

// regionFor carves guest index i's region out of the segment according to
// cfg's geometry (see perGuestRegionSize), and binds the two rings to the
// matching head/tail counters in the guest's peer table entry.
func (s *Segment) regionFor(i uint32, cfg Config) *peerRegion {
	buf := s.guestRegionBytes(i, cfg)
	ringBytes := uint64(cfg.RingSize) * descriptorSize
	slotBytes := uint64(cfg.SlotsPerGuest) * uint64(cfg.SlotSize)

	g2hRingBuf := buf[0:ringBytes]
	h2gRingBuf := buf[ringBytes : 2*ringBytes]
	guestSlotBuf := buf[2*ringBytes : 2*ringBytes+slotBytes]
	hostSlotBuf := buf[2*ringBytes+slotBytes : 2*ringBytes+2*slotBytes]
	streamBuf := buf[2*ringBytes+2*slotBytes:]

	p := s.peer(i)
	return &peerRegion{
		g2hRing:  newRing(g2hRingBuf, cfg.RingSize, atomicU32(p.b, peerOffG2HHead), atomicU32(p.b, peerOffG2HTail)),
		h2gRing:  newRing(h2gRingBuf, cfg.RingSize, atomicU32(p.b, peerOffH2GHead), atomicU32(p.b, peerOffH2GTail)),
		g2hSlots: newSlotPool(guestSlotBuf, cfg.SlotSize, cfg.SlotsPerGuest),
		h2gSlots: newSlotPool(hostSlotBuf, cfg.SlotSize, cfg.SlotsPerGuest),
		streams:  newStreamTable(streamBuf, cfg.MaxStreams),
	}
}
