package session

import (
	"context"
	"io"
	"math"
	"sync"

	"github.com/bearcove/rapace/metrics"
	"github.com/bearcove/rapace/rpcerr"
	"github.com/bearcove/rapace/wire"
)

// Direction tags which side opened a stream.
type Direction uint8

const (
	DirOutgoing Direction = iota
	DirIncoming
)

// StreamState is the per-direction stream state machine.
type StreamState uint8

const (
	StreamOpen StreamState = iota
	StreamHalfClosedLocal
	StreamHalfClosedRemote
	StreamClosed
	StreamReset
)

type resetError struct{}

func (resetError) Error() string { return "session: stream reset" }

// ErrStreamReset is returned by Stream.Recv/Send once the stream has been
// Reset, locally or remotely, and once the connection has closed.
var ErrStreamReset error = resetError{}

// errStreamReset is an internal alias kept so the rest of this file reads
// the same whether it names the exported or unexported spelling.
var errStreamReset = ErrStreamReset

// ErrStreamClosedForWrite is a local API error: the caller tried to Send on
// a stream whose local direction is already half-closed or fully closed.
var ErrStreamClosedForWrite = localError("session: stream closed for write")

// ErrRequiredStreamMissing surfaces a declared stream the peer never
// opened after the Response arrived.
var ErrRequiredStreamMissing = localError("session: required stream never opened")

type localError string

func (e localError) Error() string { return string(e) }

// The receiver grants more credit once consumed-since-last-grant exceeds
// half the current window.
const creditGrantFraction = 2

// Stream is one direction-tagged stream channel.
type Stream struct {
	id   uint64
	dir  Direction
	sess *Session

	mu    sync.Mutex
	state StreamState

	// outbound (local sender) accounting: bytes we may still send, and how
	// much we've sent.
	grantedToUs uint32
	sentByUs    uint32
	creditCond  *sync.Cond

	// inbound (local receiver) accounting
	grantedByUs   uint32
	consumedByUs  uint32
	lastGrantMark uint32

	queue  [][]byte
	readCv *sync.Cond

	closedRemote bool

	// remoteOpened closes on the peer's first Data/Close/Reset for this
	// stream; WaitRemoteOpen (binding.go) watches it to surface a
	// declared-but-never-opened stream.
	remoteOpened   chan struct{}
	remoteOpenOnce sync.Once
}

func newStream(id uint64, dir Direction, sess *Session, initialCredit uint32) *Stream {
	st := &Stream{
		id:           id,
		dir:          dir,
		sess:         sess,
		state:        StreamOpen,
		grantedToUs:  initialCredit,
		grantedByUs:  initialCredit,
		remoteOpened: make(chan struct{}),
	}
	st.creditCond = sync.NewCond(&st.mu)
	st.readCv = sync.NewCond(&st.mu)
	return st
}

// ID returns the stream's connection-scoped identifier.
func (st *Stream) ID() uint64 { return st.id }

// Direction reports which side opened the stream.
func (st *Stream) Direction() Direction { return st.dir }

// Send emits one Data element, parking until enough credit is available,
// the stream ends, or the connection closes. A zero-length payload is
// permitted and consumes no credit; it acts as a keep-alive.
func (st *Stream) Send(payload []byte) error {
	st.mu.Lock()
	for {
		if st.state == StreamReset {
			st.mu.Unlock()
			return errStreamReset
		}
		if st.state == StreamHalfClosedLocal || st.state == StreamClosed {
			st.mu.Unlock()
			return ErrStreamClosedForWrite
		}
		if st.sess.cfg.CreditMode == CreditByAdapter {
			break // the adapter itself applies backpressure (e.g. SHM futex park)
		}
		remaining := int32(st.grantedToUs - st.sentByUs)
		if remaining >= int32(len(payload)) {
			break
		}
		st.creditCond.Wait()
	}
	st.sentByUs += uint32(len(payload))
	st.mu.Unlock()

	return st.sess.send(wire.MakeData(st.id, payload), prioData)
}

// Recv blocks for the next Data payload, returning io.EOF after a graceful
// Close and errStreamReset after a Reset.
func (st *Stream) Recv() ([]byte, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for {
		if len(st.queue) > 0 {
			payload := st.queue[0]
			st.queue = st.queue[1:]
			st.accountConsumedLocked(len(payload))
			return payload, nil
		}
		if st.state == StreamReset {
			return nil, errStreamReset
		}
		if st.closedRemote {
			return nil, io.EOF
		}
		st.readCv.Wait()
	}
}

// accountConsumedLocked grants more credit to the peer once consumption
// crosses the half-window threshold.
func (st *Stream) accountConsumedLocked(n int) {
	st.consumedByUs += uint32(n)
	if st.sess.cfg.CreditMode == CreditByAdapter {
		return // SHM conveys credit through the shared table, not messages
	}
	threshold := st.grantedByUs / creditGrantFraction
	if st.consumedByUs-st.lastGrantMark < threshold {
		return
	}
	grant := st.consumedByUs - st.lastGrantMark
	st.lastGrantMark = st.consumedByUs
	st.grantedByUs += grant
	go func() {
		_ = st.sess.send(wire.MakeCredit(st.id, grant), prioControl)
	}()
}

// Grant explicitly extends the peer's send window by n bytes. The automatic
// half-window regrant in accountConsumedLocked covers steady-state flow;
// Grant exists for the receiver to open a window that never had one — in
// particular a connection negotiated with initial_stream_credit = 0, where
// the sender parks until the receiver explicitly grants. No Credit is
// sent for a stream already Closed or Reset.
func (st *Stream) Grant(n uint32) error {
	st.mu.Lock()
	if st.state == StreamClosed || st.state == StreamReset {
		st.mu.Unlock()
		return nil
	}
	st.grantedByUs += n
	st.lastGrantMark = st.consumedByUs
	st.mu.Unlock()
	if st.sess.cfg.CreditMode == CreditByAdapter {
		return nil
	}
	return st.sess.send(wire.MakeCredit(st.id, n), prioControl)
}

// Close half-closes the local direction.
func (st *Stream) Close() error {
	st.mu.Lock()
	switch st.state {
	case StreamOpen:
		st.state = StreamHalfClosedLocal
	case StreamHalfClosedRemote:
		st.state = StreamClosed
	default:
		st.mu.Unlock()
		return nil // idempotent
	}
	st.mu.Unlock()
	return st.sess.send(wire.MakeClose(st.id), prioControl)
}

// Reset abortively closes the stream.
func (st *Stream) Reset() error {
	st.mu.Lock()
	if st.state == StreamReset {
		st.mu.Unlock()
		return nil
	}
	st.state = StreamReset
	st.queue = nil
	st.creditCond.Broadcast()
	st.readCv.Broadcast()
	st.mu.Unlock()
	return st.sess.send(wire.MakeReset(st.id), prioControl)
}

// State reports the stream's current state.
func (st *Stream) State() StreamState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// streamManager issues/validates stream_ids, runs the Data/Close/Reset
// state machines, and routes inbound messages to the right Stream.
type streamManager struct {
	sess        *Session
	isInitiator bool

	mu      sync.Mutex
	nextID  uint64
	streams map[uint64]*Stream
	accept  chan *Stream

	// retired records stream_ids fully closed and removed from the live
	// map; ids are never reused within a connection, so Data
	// arriving for one is the "Close followed by Data" connection error
	// rather than a fresh implicit open.
	retired map[uint64]struct{}
}

func newStreamManager(s *Session, isInitiator bool) *streamManager {
	sm := &streamManager{
		sess:        s,
		isInitiator: isInitiator,
		streams:     make(map[uint64]*Stream),
		accept:      make(chan *Stream, 256),
		retired:     make(map[uint64]struct{}),
	}
	if isInitiator {
		sm.nextID = 1
	} else {
		sm.nextID = 2
	}
	return sm
}

// OpenStream allocates a fresh outgoing stream, odd-numbered for the
// connection's initiator and even for its acceptor.
func (s *Session) OpenStream() (*Stream, error) {
	if err := s.awaitOpen(context.Background()); err != nil {
		return nil, err
	}
	sm := s.streams
	sm.mu.Lock()
	id := sm.nextID
	sm.nextID += 2
	st := newStream(id, DirOutgoing, s, s.negotiated.InitialStreamCredit)
	sm.streams[id] = st
	sm.mu.Unlock()
	return st, nil
}

// AcceptStream blocks until the peer's first Data for a stream_id this side
// has not seen before arrives (or a binding resolves such an id);
// Close/Reset/Credit for an unknown stream_id do not create a stream.
func (s *Session) AcceptStream() (*Stream, error) {
	select {
	case st := <-s.streams.accept:
		return st, nil
	case <-s.closed:
		return nil, s.closedErr()
	}
}

// Stream returns the Stream for id, creating an unopened placeholder if
// needed. Rapace's wire format carries no separate "open stream" message
//: a stream_id becomes live the moment either side
// first references it. Call/handler code that declares a stream binding in
// its own Request/Response payload
// uses Stream to obtain the handle for an id it already knows about, rather
// than waiting on AcceptStream's generic "some new stream arrived" signal.
func (s *Session) Stream(id uint64) *Stream {
	if st, ok := s.streams.get(id); ok {
		return st
	}
	return s.streams.getOrCreateIncoming(id)
}

func (sm *streamManager) getOrCreateIncoming(id uint64) *Stream {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if st, ok := sm.streams[id]; ok {
		return st
	}
	st := newStream(id, DirIncoming, sm.sess, sm.sess.negotiated.InitialStreamCredit)
	sm.streams[id] = st
	select {
	case sm.accept <- st:
	default:
		// backlog full: drop the implicit accept notification but keep the
		// stream reachable by id so Data is never misrouted; an
		// application that never calls AcceptStream fast enough will
		// simply not observe this stream, a local resource-exhaustion
		// concern rather than a wire one.
	}
	return st
}

func (sm *streamManager) get(id uint64) (*Stream, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	st, ok := sm.streams[id]
	return st, ok
}

func (sm *streamManager) remove(id uint64) {
	sm.mu.Lock()
	delete(sm.streams, id)
	sm.retired[id] = struct{}{}
	sm.mu.Unlock()
}

func (sm *streamManager) isRetired(id uint64) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	_, ok := sm.retired[id]
	return ok
}

// localParity reports whether id belongs to this side's allocation space
// (initiator odd, acceptor even). The peer implicitly opening a stream in
// OUR space is an id collision.
func (sm *streamManager) localParity(id uint64) bool {
	if sm.isInitiator {
		return id%2 == 1
	}
	return id%2 == 0
}

func (sm *streamManager) handleData(d *wire.Data) error {
	if d.StreamID == 0 {
		return rpcerr.NewConnectionError(rpcerr.RuleStreamIDZeroReserved, nil)
	}
	if sm.isRetired(d.StreamID) {
		return rpcerr.NewConnectionError(rpcerr.RuleDataAfterClose, nil)
	}
	st, ok := sm.get(d.StreamID)
	if !ok {
		if sm.localParity(d.StreamID) {
			// The peer implicitly opened a stream in OUR id space: an id
			// this side never allocated cannot arrive from outside.
			return rpcerr.NewConnectionError(rpcerr.RuleStreamIDCollision, nil)
		}
		st = sm.getOrCreateIncoming(d.StreamID)
	}

	st.mu.Lock()
	switch st.state {
	case StreamReset:
		st.mu.Unlock()
		metrics.FramesDroppedAfterReset.Inc()
		return nil
	case StreamClosed, StreamHalfClosedRemote:
		st.mu.Unlock()
		return rpcerr.NewConnectionError(rpcerr.RuleDataAfterClose, nil)
	}
	if st.sess.cfg.CreditMode != CreditByAdapter {
		would := st.consumedByUsPending() + uint32(len(d.Payload))
		if would > st.grantedByUs {
			st.mu.Unlock()
			return rpcerr.NewConnectionError(rpcerr.RuleStreamCreditExceeded, nil)
		}
	}
	st.queue = append(st.queue, d.Payload)
	st.readCv.Broadcast()
	st.mu.Unlock()
	st.markRemoteOpen()
	return nil
}

func (st *Stream) markRemoteOpen() {
	st.remoteOpenOnce.Do(func() { close(st.remoteOpened) })
}

// consumedByUsPending returns bytes already accounted (read or queued) so
// handleData can bound total delivered bytes by grantedByUs even before the
// application calls Recv. Caller must hold st.mu.
func (st *Stream) consumedByUsPending() uint32 {
	queued := uint32(0)
	for _, p := range st.queue {
		queued += uint32(len(p))
	}
	return st.consumedByUs + queued
}

func (sm *streamManager) handleClose(id uint64) error {
	if id == 0 {
		return rpcerr.NewConnectionError(rpcerr.RuleStreamIDZeroReserved, nil)
	}
	st, ok := sm.get(id)
	if !ok {
		return nil // closing a stream we never opened/saw is a benign no-op
	}
	st.mu.Lock()
	switch st.state {
	case StreamOpen:
		st.state = StreamHalfClosedRemote
	case StreamHalfClosedLocal:
		st.state = StreamClosed
	}
	st.closedRemote = true
	done := st.state == StreamClosed
	st.readCv.Broadcast()
	st.mu.Unlock()
	st.markRemoteOpen()
	if done {
		sm.remove(id)
	}
	return nil
}

func (sm *streamManager) handleReset(id uint64) error {
	if id == 0 {
		return rpcerr.NewConnectionError(rpcerr.RuleStreamIDZeroReserved, nil)
	}
	st, ok := sm.get(id)
	if !ok {
		return nil
	}
	st.mu.Lock()
	st.state = StreamReset
	st.queue = nil
	st.creditCond.Broadcast()
	st.readCv.Broadcast()
	st.mu.Unlock()
	st.markRemoteOpen()
	return nil
}

func (sm *streamManager) handleCredit(c *wire.Credit) error {
	if c.StreamID == 0 {
		return rpcerr.NewConnectionError(rpcerr.RuleStreamIDZeroReserved, nil)
	}
	st, ok := sm.get(c.StreamID)
	if !ok {
		return nil // unknown stream: ignore, mirrors the Reset case below
	}
	st.mu.Lock()
	if st.state == StreamReset {
		// Open Question (i) resolved: Credit after local Reset is ignored
		// Credit for a stream the local side already Reset: ignored.
		st.mu.Unlock()
		return nil
	}
	// additive, saturating at uint32 max.
	sum := uint64(st.grantedToUs) + uint64(c.Bytes)
	if sum > math.MaxUint32 {
		st.grantedToUs = math.MaxUint32
	} else {
		st.grantedToUs = uint32(sum)
	}
	st.creditCond.Broadcast()
	st.mu.Unlock()
	return nil
}

func (sm *streamManager) failAll(cause error) {
	sm.mu.Lock()
	streams := sm.streams
	sm.streams = make(map[uint64]*Stream)
	sm.mu.Unlock()
	for _, st := range streams {
		st.mu.Lock()
		st.state = StreamReset
		st.creditCond.Broadcast()
		st.readCv.Broadcast()
		st.mu.Unlock()
	}
	_ = cause
}
