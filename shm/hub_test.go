package shm

import (
	"testing"
	"time"

	"github.com/bearcove/rapace/wire"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxGuests:           4,
		MaxPayloadSize:      1 << 16,
		InitialCredit:       1 << 16,
		RingSize:            8,
		SlotsPerGuest:       8,
		SlotSize:            128,
		MaxStreams:          16,
		HeartbeatIntervalNS: uint64(20 * time.Millisecond),
	}
}

// A guest attaches with epoch 7 (index 0 here; peer_id 0 is the host, see
// regionFor/AcceptGuest), sends a Request, then goes silent. The host must
// detect the
// stale heartbeat, close its conn for that guest, reset rings/slots/
// stream table, and return the slot to Empty so a fresh guest attaching
// bumps the epoch to 8.
func TestCrashRecoveryScenario(t *testing.T) {
	cfg := testConfig()
	hub, err := NewHub(cfg)
	require.NoError(t, err)
	defer hub.Shutdown()

	guest, err := AttachGuest(hub.seg, cfg, 0)
	require.NoError(t, err)
	// Burn through epochs up to 7 by detaching and reattaching six more
	// times, so the final reattach below lands on epoch 8.
	for guest.Epoch() < 7 {
		require.NoError(t, guest.Close())
		hub.seg.peer(0).setState(PeerEmpty)
		guest, err = AttachGuest(hub.seg, cfg, 0)
		require.NoError(t, err)
	}
	require.Equal(t, uint32(7), guest.Epoch())

	host, err := hub.AcceptGuest(0)
	require.NoError(t, err)

	require.NoError(t, guest.Send(wire.MakeRequest(wire.Request{RequestID: 1, MethodID: 99, Payload: []byte("hi")})))

	msg, err := host.Recv() // synthetic Hello first
	require.NoError(t, err)
	require.Equal(t, wire.KindHello, msg.Kind)
	msg, err = host.Recv()
	require.NoError(t, err)
	require.Equal(t, wire.KindRequest, msg.Kind)
	require.Equal(t, uint64(1), msg.Request.RequestID)

	// allocate a slot so we can assert it gets freed+regenerated by recovery
	idx, gen, ok := hub.seg.regionFor(0, cfg).g2hSlots.alloc()
	require.True(t, ok)
	hub.seg.regionFor(0, cfg).g2hSlots.markInFlight(idx)
	hub.seg.regionFor(0, cfg).streams.EnsureOpen(3, cfg.InitialCredit)

	// guest goes silent: stop its heartbeat loop and force staleness by
	// back-dating last_heartbeat_ns rather than sleeping out a real interval.
	require.NoError(t, guest.Close())
	p := hub.seg.peer(0)
	stale := uint64(time.Now().Add(-10 * time.Hour).UnixNano())
	p.SetLastHeartbeatNS(stale)
	require.Equal(t, PeerAttached, p.State())

	hub.scanOnce()

	require.Equal(t, PeerEmpty, p.State())

	select {
	case <-host.Closed():
	default:
		t.Fatal("host conn for crashed guest was not closed")
	}

	region := hub.seg.regionFor(0, cfg)
	require.False(t, region.g2hSlots.checkGeneration(idx, gen), "slot generation must be bumped by crash recovery")
	require.Equal(t, StreamTableFree, region.streams.State(3))

	fresh, err := AttachGuest(hub.seg, cfg, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(8), fresh.Epoch())
}
