package shm

import (
	"errors"
	"sync"
	"time"

	"github.com/bearcove/rapace/metrics"
	"github.com/bearcove/rapace/wire"
)

// ErrPeerClosed is returned by Send/Recv once the connection's Close has
// run or the peer has been reclaimed by crash recovery.
var ErrPeerClosed = errors.New("shm: peer connection closed")

const slotAllocBackoffCap = time.Millisecond

// creditGrantFraction mirrors session/stream.go's half-window auto-grant
// threshold: the adapter (not the Stream, per CreditByAdapter) is
// responsible for adding another InitialCredit to granted_total once the
// remaining window (granted_total - consumed_total) falls to half of
// InitialCredit.
const creditGrantFraction = 2

// conn is the shared Send/Recv/Close implementation for both the host's
// view of one guest (HostConn) and the guest's view of the host
// (GuestConn); only which ring/slot pool is "mine" vs "theirs" differs,
// captured by the two constructors in hub.go/guest.go.
type conn struct {
	seg  *Segment
	cfg  Config
	peer peerView

	sendRing  *ring
	sendSlots *slotPool // I allocate from this pool
	recvRing  *ring
	recvSlots *slotPool // I only read and free this pool

	streams *streamTable

	mu       sync.Mutex
	sentByUs map[uint64]uint32

	closeOnce sync.Once
	closed    chan struct{}

	// helloDelivered guards the one synthetic Hello Recv produces before
	// ever touching the ring: SHM's descriptor msg_type enum
	// has no Hello case because guest attach + epoch already performs the
	// connection-open handshake Hello serves on byte-stream/WS transports.
	helloDelivered bool
}

func newConn(seg *Segment, cfg Config, p peerView, r *peerRegion, iAmHost bool) *conn {
	c := &conn{
		seg:          seg,
		cfg:          cfg,
		peer:         p,
		streams:  r.streams,
		sentByUs: make(map[uint64]uint32),
		closed:   make(chan struct{}),
	}
	if iAmHost {
		c.sendRing, c.sendSlots = r.h2gRing, r.h2gSlots
		c.recvRing, c.recvSlots = r.g2hRing, r.g2hSlots
	} else {
		c.sendRing, c.sendSlots = r.g2hRing, r.g2hSlots
		c.recvRing, c.recvSlots = r.h2gRing, r.h2gSlots
	}
	return c
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Closed reports a channel that's closed once Close has run, either by the
// caller directly or by the host's crash-recovery routine reclaiming a
// guest's region.
func (c *conn) Closed() <-chan struct{} { return c.closed }

// Send encodes msg with the ordinary wire codec and publishes it as a
// descriptor, inline if it fits in 32 bytes, else via an allocated slot.
func (c *conn) Send(msg wire.Message) error {
	select {
	case <-c.closed:
		return ErrPeerClosed
	default:
	}

	if msg.Kind == wire.KindHello {
		// already conveyed by attach + epoch; nothing to publish.
		return nil
	}

	streamID, ok := streamIDOf(msg)
	if ok && msg.Kind == wire.KindData {
		if err := c.waitForCredit(streamID, uint32(len(msg.Data.Payload))); err != nil {
			return err
		}
	}

	body, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	d := Descriptor{MsgType: msgTypeOf(msg), Flags: 0}
	if id, ok := idOf(msg); ok {
		if id >= 1<<32 {
			return errors.New("shm: id exceeds 32 bits")
		}
		d.ID = uint32(id)
	}
	if msg.Kind == wire.KindRequest {
		d.MethodID = msg.Request.MethodID
	}

	if len(body) <= InlineCapacity {
		d.PayloadSlot = NoSlot
		d.PayloadLen = uint32(len(body))
		copy(d.InlinePayload[:], body)
	} else {
		slot, gen, err := c.allocSlotBlocking(uint32(len(body)))
		if err != nil {
			return err
		}
		copy(c.sendSlots.payload(slot), body)
		d.PayloadSlot = slot
		d.PayloadGeneration = gen
		d.PayloadLen = uint32(len(body))
		c.sendSlots.markInFlight(slot)
	}

	c.pushBlocking(d)

	if ok && msg.Kind == wire.KindData {
		c.mu.Lock()
		c.sentByUs[streamID] += uint32(len(msg.Data.Payload))
		c.mu.Unlock()
	}
	return nil
}

// Recv pops the next descriptor, resolves its payload (inline or pool
// slot), decodes it with the ordinary wire codec, and frees any slot it
// consumed from.
func (c *conn) Recv() (wire.Message, error) {
	c.mu.Lock()
	if !c.helloDelivered {
		c.helloDelivered = true
		c.mu.Unlock()
		return wire.MakeHello(wire.Hello{
			MaxPayloadSize:      c.cfg.MaxPayloadSize,
			InitialStreamCredit: c.cfg.InitialCredit,
		}), nil
	}
	c.mu.Unlock()

	for {
		d, ok := c.recvRing.tryPop()
		if !ok {
			select {
			case <-c.closed:
				return wire.Message{}, ErrPeerClosed
			default:
			}
			wait(c.recvRing.headAddr, loadAcquireU32(c.recvRing.headAddr), 5*time.Millisecond)
			continue
		}

		var body []byte
		if d.PayloadSlot == NoSlot {
			body = append([]byte(nil), d.InlinePayload[:d.PayloadLen]...)
		} else {
			if !c.recvSlots.checkGeneration(d.PayloadSlot, d.PayloadGeneration) {
				metrics.ShmStaleDescriptors.Inc()
				continue
			}
			body = append([]byte(nil), c.recvSlots.payload(d.PayloadSlot)[:d.PayloadLen]...)
			c.recvSlots.free(d.PayloadSlot)
		}

		msg, err := wire.Decode(body)
		if err != nil {
			return wire.Message{}, err
		}
		if msg.Kind == wire.KindData {
			c.accountConsumed(msg.Data.StreamID, uint32(len(msg.Data.Payload)))
		}
		return msg, nil
	}
}

// waitForCredit blocks the sender until the stream table shows enough
// granted_total headroom for n more bytes, the adapter-level analogue of
// Stream.Send's credit wait in CreditByAdapter mode.
func (c *conn) waitForCredit(streamID uint64, n uint32) error {
	c.streams.EnsureOpen(streamID, c.cfg.InitialCredit)
	for {
		c.mu.Lock()
		sent := c.sentByUs[streamID]
		c.mu.Unlock()
		if sent+n <= c.streams.GrantedTotal(streamID) {
			return nil
		}
		select {
		case <-c.closed:
			return ErrPeerClosed
		default:
		}
		wait(atomicU32(c.streams.entry(streamID), streamOffGrantedTotal), c.streams.GrantedTotal(streamID), 5*time.Millisecond)
	}
}

// accountConsumed adds InitialCredit to granted_total once the remaining
// window falls to InitialCredit/creditGrantFraction.
func (c *conn) accountConsumed(streamID uint64, n uint32) {
	c.streams.EnsureOpen(streamID, c.cfg.InitialCredit)
	total := c.streams.AddConsumed(streamID, n)
	granted := c.streams.GrantedTotal(streamID)
	if granted-total <= c.cfg.InitialCredit/creditGrantFraction {
		c.streams.AddGranted(streamID, c.cfg.InitialCredit)
	}
}

func (c *conn) allocSlotBlocking(need uint32) (uint32, uint32, error) {
	backoff := time.Microsecond
	for {
		if slot, gen, ok := c.sendSlots.alloc(); ok {
			if need > c.sendSlots.capacity() {
				c.sendSlots.free(slot)
				return 0, 0, errors.New("shm: payload exceeds slot capacity")
			}
			return slot, gen, nil
		}
		select {
		case <-c.closed:
			return 0, 0, ErrPeerClosed
		default:
		}
		time.Sleep(backoff)
		if backoff < slotAllocBackoffCap {
			backoff *= 2
		}
	}
}

func (c *conn) pushBlocking(d Descriptor) {
	for !c.sendRing.tryPush(d) {
		select {
		case <-c.closed:
			return
		default:
		}
		wait(c.sendRing.tailAddr, loadAcquireU32(c.sendRing.tailAddr), 5*time.Millisecond)
	}
}

func streamIDOf(msg wire.Message) (uint64, bool) {
	switch msg.Kind {
	case wire.KindData:
		return msg.Data.StreamID, true
	case wire.KindClose:
		return msg.Close.StreamID, true
	case wire.KindReset:
		return msg.Reset.StreamID, true
	}
	return 0, false
}

func idOf(msg wire.Message) (uint64, bool) {
	switch msg.Kind {
	case wire.KindRequest:
		return msg.Request.RequestID, true
	case wire.KindResponse:
		return msg.Response.RequestID, true
	case wire.KindCancel:
		return msg.Cancel.RequestID, true
	case wire.KindData:
		return msg.Data.StreamID, true
	case wire.KindClose:
		return msg.Close.StreamID, true
	case wire.KindReset:
		return msg.Reset.StreamID, true
	}
	return 0, false
}

func msgTypeOf(msg wire.Message) MsgType {
	switch msg.Kind {
	case wire.KindRequest:
		return MsgRequest
	case wire.KindResponse:
		return MsgResponse
	case wire.KindCancel:
		return MsgCancel
	case wire.KindData:
		return MsgData
	case wire.KindClose:
		return MsgClose
	case wire.KindReset:
		return MsgReset
	case wire.KindGoodbye:
		return MsgGoodbye
	default:
		return 0
	}
}
