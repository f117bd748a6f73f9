package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/bearcove/rapace/metadata"
	"github.com/bearcove/rapace/rpcerr"
	"github.com/bearcove/rapace/schema"
	"github.com/bearcove/rapace/transport"
	"github.com/bearcove/rapace/wire"
	"github.com/stretchr/testify/require"
)

// newPairWith is newPair with the Hello parameters and server Config under
// test control.
func newPairWith(t *testing.T, reg *schema.Registry, local wire.Hello, mutate func(client, server *Config)) *pair {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	clientCfg := Config{IsInitiator: true, Local: local, Registry: reg}
	serverCfg := Config{IsInitiator: false, Local: local, Registry: reg}
	if mutate != nil {
		mutate(&clientCfg, &serverCfg)
	}

	client := New(transport.NewByteStream(a), clientCfg)
	server := New(transport.NewByteStream(b), serverCfg)

	go func() { _ = client.Serve() }()
	go func() { _ = server.Serve() }()

	require.NoError(t, client.awaitOpen(context.Background()))
	require.NoError(t, server.awaitOpen(context.Background()))
	return &pair{client: client, server: server}
}

func awaitClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not close")
	}
}

func requireClosedWithRule(t *testing.T, s *Session, rule string) {
	t.Helper()
	awaitClosed(t, s)
	outer, ok := s.closedErr().(*rpcerr.Outer)
	require.True(t, ok, "expected ConnectionClosed, got %T", s.closedErr())
	require.Equal(t, rpcerr.OuterConnectionClosed, outer.Kind)
	require.Equal(t, rule, outer.Detail)
}

// TestSecondHelloIsConnectionError: a second Hello on an Open connection
// triggers message.hello.single.
func TestSecondHelloIsConnectionError(t *testing.T) {
	p := newPair(t, schema.NewRegistry(), 1<<20)

	err := p.client.send(wire.MakeHello(wire.Hello{MaxPayloadSize: 1, InitialStreamCredit: 1}), prioControl)
	require.NoError(t, err)

	requireClosedWithRule(t, p.client, rpcerr.RuleHelloSingle)
	awaitClosed(t, p.server)
}

// TestDataAfterCloseIsConnectionError: Close followed by Data on the same
// stream is streaming.state.data-after-close.
func TestDataAfterCloseIsConnectionError(t *testing.T) {
	p := newPair(t, schema.NewRegistry(), 1<<20)

	st, err := p.client.OpenStream()
	require.NoError(t, err)
	require.NoError(t, st.Send([]byte("a"))) // server materializes the stream
	require.NoError(t, st.Close())

	time.Sleep(20 * time.Millisecond) // let the Close land before the rogue Data
	require.NoError(t, p.client.send(wire.MakeData(st.ID(), []byte("b")), prioData))

	requireClosedWithRule(t, p.client, rpcerr.RuleDataAfterClose)
}

// TestRequestIDMonotonicity: inbound request_ids must strictly increase
// within one connection.
func TestRequestIDMonotonicity(t *testing.T) {
	p := newPair(t, schema.NewRegistry(), 1<<20)

	require.NoError(t, p.client.send(wire.MakeRequest(wire.Request{RequestID: 100, MethodID: 7}), prioData))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.client.send(wire.MakeRequest(wire.Request{RequestID: 99, MethodID: 7}), prioData))

	requireClosedWithRule(t, p.client, rpcerr.RuleIDNotMonotonic)
}

// TestZeroInitialCreditParksSender: with initial_stream_credit = 0 the
// sender parks immediately, an empty-payload keep-alive
// still passes (zero credit consumed), and an explicit receiver Grant
// releases the parked send.
func TestZeroInitialCreditParksSender(t *testing.T) {
	local := wire.Hello{MaxPayloadSize: 1 << 20, InitialStreamCredit: 0}
	p := newPairWith(t, schema.NewRegistry(), local, nil)

	st, err := p.client.OpenStream()
	require.NoError(t, err)

	// empty payload consumes zero credit and goes through even at window 0.
	require.NoError(t, st.Send(nil))

	done := make(chan error, 1)
	go func() { done <- st.Send([]byte("x")) }()
	select {
	case err := <-done:
		t.Fatalf("send should park with zero credit, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, p.server.Stream(st.ID()).Grant(16))
	require.NoError(t, <-done)

	// first Recv drains the keep-alive, second the real payload.
	payload, err := p.server.Stream(st.ID()).Recv()
	require.NoError(t, err)
	require.Empty(t, payload)
	payload, err = p.server.Stream(st.ID()).Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("x"), payload)
}

// TestDecodeErrorProducesGoodbye drives the server with raw COBS frames: a
// valid Hello, then an undecodable frame, and expects exactly one Goodbye
// naming message.decode-error.
func TestDecodeErrorProducesGoodbye(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	local := wire.Hello{MaxPayloadSize: 1 << 20, InitialStreamCredit: 1 << 20}
	server := New(transport.NewByteStream(b), Config{IsInitiator: false, Local: local})
	go func() { _ = server.Serve() }()

	fr := wire.NewFrameReader(a)
	msg, err := fr.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, wire.KindHello, msg.Kind)

	hello, err := wire.Encode(wire.MakeHello(local))
	require.NoError(t, err)
	_, err = a.Write(wire.COBSEncode(hello))
	require.NoError(t, err)

	_, err = a.Write(wire.COBSEncode([]byte{0xFF, 0x01})) // unknown variant
	require.NoError(t, err)

	msg, err = fr.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, wire.KindGoodbye, msg.Kind)
	require.Equal(t, rpcerr.RuleDecodeError, msg.Goodbye.Reason)
	awaitClosed(t, server)
}

// TestResourceExhaustedKeepsConnectionUp: past the in-flight handler cap the
// server answers ResourceExhausted inside a Response; the connection never
// tears down.
func TestResourceExhaustedKeepsConnectionUp(t *testing.T) {
	reg := schema.NewRegistry()
	methodID := uint64(11)
	var sig [32]byte
	reg.Register(methodID, sig)

	local := wire.Hello{MaxPayloadSize: 1 << 20, InitialStreamCredit: 1 << 20}
	p := newPairWith(t, reg, local, func(client, server *Config) {
		server.MaxInFlightHandlers = 1
	})

	release := make(chan struct{})
	p.server.RegisterHandler(methodID, sig, func(ctx context.Context, req []byte, md metadata.MD) ([]byte, *rpcerr.Outer) {
		<-release
		return nil, nil
	})

	first := make(chan error, 1)
	go func() {
		_, err := p.client.Call(context.Background(), methodID, sig, nil, nil)
		first <- err
	}()
	time.Sleep(20 * time.Millisecond) // first call now occupies the only slot

	_, err := p.client.Call(context.Background(), methodID, sig, nil, nil)
	require.Error(t, err)
	outer, ok := err.(*rpcerr.Outer)
	require.True(t, ok)
	require.Equal(t, rpcerr.OuterResourceExhausted, outer.Kind)

	close(release)
	require.NoError(t, <-first)

	select {
	case <-p.client.Done():
		t.Fatal("resource exhaustion must not close the connection")
	default:
	}
}

// TestStreamBindings covers the multi-stream call convention:
// binding-list round trip, receiver-side resolution, and the
// required-stream-missing path for a declared slot the peer never opens.
func TestStreamBindings(t *testing.T) {
	p := newPair(t, schema.NewRegistry(), 1<<20)

	streams, err := p.client.DeclareStreams(2)
	require.NoError(t, err)
	ids := []uint64{streams[0].ID(), streams[1].ID()}

	enc := EncodeStreamBindings(ids)
	got, consumed, err := DecodeStreamBindings(enc)
	require.NoError(t, err)
	require.Equal(t, ids, got)
	require.Equal(t, len(enc), consumed)

	resolved, err := p.server.ResolveBindings(ids)
	require.NoError(t, err)
	require.Len(t, resolved, 2)

	require.NoError(t, streams[0].Send([]byte("x")))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, resolved[0].WaitRemoteOpen(ctx))

	// the second declared stream never opens: the wait surfaces
	// ErrRequiredStreamMissing once the deadline passes.
	shortCtx, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	require.ErrorIs(t, resolved[1].WaitRemoteOpen(shortCtx), ErrRequiredStreamMissing)

	_, err = p.server.ResolveBindings([]uint64{0})
	require.Error(t, err)
}
