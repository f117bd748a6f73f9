package shm

import (
	"context"
	"sync"
	"time"

	"github.com/bearcove/rapace/log"
	"github.com/bearcove/rapace/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Hub is the host side of a shared-memory segment: implicit peer_id 0,
// owning up to cfg.MaxGuests independent (host, guest_i) regions.
type Hub struct {
	seg *Segment
	buf []byte
	cfg Config
	log *logrus.Entry

	mu     sync.Mutex
	active map[uint32]*conn

	stop     chan struct{}
	loopDone chan struct{}
}

// NewHub formats a fresh anonymous segment and starts its crash-detection
// loop if cfg.HeartbeatIntervalNS is nonzero.
func NewHub(cfg Config) (*Hub, error) {
	seg, buf, err := CreateAnonymousSegment(cfg)
	if err != nil {
		return nil, err
	}
	h := &Hub{
		seg:    seg,
		buf:    buf,
		cfg:    cfg,
		log:    log.Conn("shm-hub"),
		active:   make(map[uint32]*conn),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	if cfg.HeartbeatIntervalNS > 0 {
		go h.crashDetectionLoop()
	} else {
		close(h.loopDone)
	}
	return h, nil
}

// AcceptGuest builds the host's own conn handle for guest index i
// (0-based) once that guest has already attached. The guest side owns the
// Empty→Attached transition and the epoch bump; the host only discovers
// and wraps an already-attached peer.
func (h *Hub) AcceptGuest(i uint32) (*HostConn, error) {
	if i >= h.cfg.MaxGuests {
		return nil, errAttachOutOfRange
	}
	p := h.seg.peer(i)
	if p.State() != PeerAttached {
		return nil, errGuestNotAttached
	}
	region := h.seg.regionFor(i, h.cfg)
	c := newConn(h.seg, h.cfg, p, region, true)

	h.mu.Lock()
	h.active[i] = c
	h.mu.Unlock()

	return &HostConn{conn: c, hub: h, guestIdx: i}, nil
}

// HostConn is the host's transport.Adapter handle to one attached guest.
type HostConn struct {
	*conn
	hub      *Hub
	guestIdx uint32
}

func (c *HostConn) Close() error {
	err := c.conn.Close()
	c.hub.mu.Lock()
	delete(c.hub.active, c.guestIdx)
	c.hub.mu.Unlock()
	return err
}

// Shutdown stops the crash-detection loop, waits for any in-flight scan to
// finish touching the mapping, then unmaps the segment. Intended for process
// teardown or tests, not per-guest disconnect (use HostConn.Close for that).
func (h *Hub) Shutdown() error {
	close(h.stop)
	<-h.loopDone
	return UnmapSegment(h.buf)
}

// crashDetectionLoop scans every attached guest's heartbeat once per
// heartbeat interval, fanning the scan out with errgroup.
func (h *Hub) crashDetectionLoop() {
	defer close(h.loopDone)
	interval := time.Duration(h.cfg.HeartbeatIntervalNS) * time.Nanosecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.scanOnce()
		}
	}
}

func (h *Hub) scanOnce() {
	g, _ := errgroup.WithContext(context.Background())
	for i := uint32(0); i < h.cfg.MaxGuests; i++ {
		i := i
		g.Go(func() error {
			h.checkGuest(i)
			return nil
		})
	}
	_ = g.Wait()
}

// checkGuest runs crash detection and the ordered recovery sequence for
// guest index i.
func (h *Hub) checkGuest(i uint32) {
	p := h.seg.peer(i)
	if p.State() != PeerAttached {
		return
	}
	staleAfter := 2 * h.cfg.HeartbeatIntervalNS
	now := uint64(time.Now().UnixNano())
	last := p.LastHeartbeatNS()
	if last == 0 || now-last <= staleAfter {
		return
	}

	// 1. peer state -> Goodbye
	if !p.CompareAndSwapState(PeerAttached, PeerGoodbye) {
		return // another scan already claimed this guest
	}

	// 2. close the host's conn for this guest: its pending and later
	// Send/Recv return ErrPeerClosed. No rpcerr.PeerDied is produced here.
	h.mu.Lock()
	c, ok := h.active[i]
	delete(h.active, i)
	h.mu.Unlock()
	if ok {
		c.Close()
	}

	region := h.seg.regionFor(i, h.cfg)
	// 3. reset ring head/tail to 0.
	region.g2hRing.resetLocked()
	region.h2gRing.resetLocked()
	// 4. bump generation of every non-Free slot, mark Free.
	region.g2hSlots.resetAllLocked()
	region.h2gSlots.resetAllLocked()
	// 5. reset stream table entries.
	region.streams.resetAllLocked()
	// 6. peer state -> Empty, allowing a new guest to attach.
	p.setState(PeerEmpty)

	metrics.ShmCrashRecoveries.Inc()
	log.CrashRecovery(h.log, uint8(i), p.Epoch())
}
