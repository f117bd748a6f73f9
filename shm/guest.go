package shm

import (
	"time"
)

// GuestConn is the guest side of one (host, guest_i) region: a
// transport.Adapter plus a heartbeat publisher.
type GuestConn struct {
	*conn
	guestIdx uint32
	stop     chan struct{}
	loopDone chan struct{}
}

// AttachGuest attaches to guest index i on an already-open segment (as
// returned by OpenSegment/AttachFD), bumping its epoch.
func AttachGuest(seg *Segment, cfg Config, i uint32) (*GuestConn, error) {
	if i >= cfg.MaxGuests {
		return nil, errAttachOutOfRange
	}
	p := seg.peer(i)
	if !p.CompareAndSwapState(PeerEmpty, PeerAttached) {
		return nil, errGuestSlotBusy
	}
	p.bumpEpoch()
	p.SetLastHeartbeatNS(uint64(time.Now().UnixNano()))

	region := seg.regionFor(i, cfg)
	c := newConn(seg, cfg, p, region, false)
	g := &GuestConn{conn: c, guestIdx: i, stop: make(chan struct{}), loopDone: make(chan struct{})}

	if cfg.HeartbeatIntervalNS > 0 {
		go g.heartbeatLoop(time.Duration(cfg.HeartbeatIntervalNS) * time.Nanosecond)
	} else {
		close(g.loopDone)
	}
	return g, nil
}

// Epoch reports this attach's epoch number.
func (g *GuestConn) Epoch() uint32 { return g.peer.Epoch() }

func (g *GuestConn) heartbeatLoop(interval time.Duration) {
	defer close(g.loopDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.peer.SetLastHeartbeatNS(uint64(time.Now().UnixNano()))
		}
	}
}

// Close stops the heartbeat publisher (waiting for its final tick to finish
// touching the mapping) and closes the underlying conn. Note Close does NOT
// return the peer-table slot to Empty: detach is the host's decision, either
// via crash recovery or an explicit host-side reclaim.
func (g *GuestConn) Close() error {
	select {
	case <-g.stop:
	default:
		close(g.stop)
	}
	<-g.loopDone
	return g.conn.Close()
}
