// Package session implements the Rapace session core: connection
// lifecycle, message demultiplexing, the call manager, and the stream
// manager. It is transport-agnostic: any transport.Adapter (byte-stream,
// WebSocket, or SHM) can drive it.
//
// The scheduling model is one reader goroutine, one writer goroutine, and a
// shaper goroutine between them implementing a priority queue so control
// messages are not stuck behind a backlog of Data (see priority.go).
package session

import (
	"container/heap"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/bearcove/rapace/log"
	"github.com/bearcove/rapace/metadata"
	"github.com/bearcove/rapace/rpcerr"
	"github.com/bearcove/rapace/schema"
	"github.com/bearcove/rapace/transport"
	"github.com/bearcove/rapace/wire"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const maxShaperBacklog = 4096

// defaultMaxInFlightHandlers bounds concurrently dispatched inbound
// handlers; past it the server replies ResourceExhausted and the connection
// stays up.
const defaultMaxInFlightHandlers = 1024

// connState is the connection lifecycle: Connecting (Hello sent, awaiting
// peer's) → Open → Draining (Goodbye sent or received) → Closed.
type connState int32

const (
	stateConnecting connState = iota
	stateOpen
	stateDraining
	stateClosed
)

// CreditMode selects how Stream flow control exchanges credit. Byte-stream
// and WebSocket transports use wire.Credit messages; SHM conveys credit
// through the shared per-stream table instead and never sends a Credit
// message at all — in that mode Stream.Send relies entirely on the
// adapter's own Send blocking for backpressure.
type CreditMode uint8

const (
	CreditByMessage CreditMode = iota
	CreditByAdapter
)

// HandlerFunc implements one registered method. ctx is cancelled when the
// peer sends Cancel for this call: handlers must observe it cooperatively.
// Returning a non-nil *rpcerr.Outer response error places it
// in the response's outer Result branch (wire-level protocol error);
// returning (payload, nil) encodes payload into the Ok branch
// verbatim — Rapace does not interpret application-level payload contents,
// that's the out-of-scope payload codec's job.
type HandlerFunc func(ctx context.Context, req []byte, md metadata.MD) (resp []byte, outerErr *rpcerr.Outer)

// Config carries the construction-time parameters of a Session.
type Config struct {
	IsInitiator bool // true for the connection's creator
	Local       wire.Hello
	Registry    *schema.Registry // may be nil; Compatible() then always reports unknown
	CreditMode  CreditMode
	Logger      *logrus.Entry

	// MaxInFlightHandlers caps concurrently running inbound handlers;
	// 0 means defaultMaxInFlightHandlers.
	MaxInFlightHandlers int64
}

// Session is the demultiplexer/serializer owning one Connection: the
// single owner of the inbound demux and the outbound serializer.
type Session struct {
	adapter  transport.Adapter
	cfg      Config
	registry *schema.Registry
	log      *logrus.Entry

	state atomic.Int32 // connState

	// handshake
	handshakeDone chan struct{}
	negotiated    wire.Hello

	// terminal latch: exactly one of (locally detected rule, peer-sent
	// reason, plain IO error) ever wins.
	closeOnce sync.Once
	closed    chan struct{}
	closeRule string // rule id if a ConnectionError caused the close; "" for a clean Goodbye/IO close

	// outbound pipeline
	submitCh chan outboundReq
	writeCh  chan outboundReq
	seq      atomic.Uint64

	calls   *callManager
	streams *streamManager

	// peerRegistry holds the (method_id, sig_hash) pairs the peer
	// advertised via the schema bootstrap call, distinct from cfg.Registry
	// which may be a process-wide, connection-independent set of locally
	// implemented methods.
	peerRegistry *schema.Registry

	dispatchMu sync.Mutex
	dispatch   map[uint64]registeredHandler

	// handlerSem bounds concurrently dispatched inbound handlers.
	handlerSem *semaphore.Weighted

	wg sync.WaitGroup
}

type registeredHandler struct {
	sigHash [32]byte
	fn      HandlerFunc
}

// New constructs a Session over adapter. Call Serve to run it.
func New(adapter transport.Adapter, cfg Config) *Session {
	if cfg.Registry == nil {
		cfg.Registry = schema.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Conn("unnamed")
	}
	if cfg.MaxInFlightHandlers == 0 {
		cfg.MaxInFlightHandlers = defaultMaxInFlightHandlers
	}
	s := &Session{
		adapter:       adapter,
		cfg:           cfg,
		registry:      cfg.Registry,
		log:           cfg.Logger,
		handshakeDone: make(chan struct{}),
		closed:        make(chan struct{}),
		submitCh:      make(chan outboundReq),
		writeCh:       make(chan outboundReq),
		dispatch:      make(map[uint64]registeredHandler),
	}
	s.handlerSem = semaphore.NewWeighted(cfg.MaxInFlightHandlers)
	s.calls = newCallManager(s)
	s.streams = newStreamManager(s, cfg.IsInitiator)
	s.peerRegistry = schema.NewRegistry()
	s.state.Store(int32(stateConnecting))
	return s
}

// RegisterHandler registers fn to serve Request messages whose method_id is
// methodID, and records sigHash in the local schema registry, which is what
// the schema bootstrap call (FetchPeerSchemas on the peer) returns.
func (s *Session) RegisterHandler(methodID uint64, sigHash [32]byte, fn HandlerFunc) {
	s.registry.Register(methodID, sigHash)
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	s.dispatch[methodID] = registeredHandler{sigHash: sigHash, fn: fn}
}

// Serve runs the handshake and then the reader/writer/shaper loops until the
// connection terminates. It returns the terminal cause: nil for a graceful
// peer-initiated or local Close, or the error that caused termination.
func (s *Session) Serve() error {
	s.wg.Add(3)
	go func() { defer s.wg.Done(); s.shaperLoop() }()
	go func() { defer s.wg.Done(); s.writerLoop() }()
	// Hello goes out concurrently with the reader: on a synchronous
	// transport the peer's Hello write completes only once this side reads.
	go func() {
		defer s.wg.Done()
		if err := s.sendHello(); err != nil {
			s.finish(err)
		}
	}()

	s.readerLoop()
	s.wg.Wait()
	return s.terminalError()
}

func (s *Session) sendHello() error {
	return s.send(wire.MakeHello(s.cfg.Local), prioControl)
}

func (s *Session) terminalError() error {
	select {
	case <-s.closed:
	default:
		return nil
	}
	if s.closeRule != "" {
		return rpcerr.NewConnectionError(s.closeRule, nil)
	}
	return nil
}

// awaitOpen blocks until the handshake completes, the connection closes, or
// ctx is done.
func (s *Session) awaitOpen(ctx context.Context) error {
	select {
	case <-s.handshakeDone:
		return nil
	case <-s.closed:
		return s.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) closedErr() error {
	if s.closeRule != "" {
		return rpcerr.ConnectionClosed(s.closeRule)
	}
	return rpcerr.ConnectionClosed("")
}

// enqueue assigns msg its sequence number and hands it to the shaper,
// returning once the shaper has accepted it. It is the sole path by which
// any goroutine puts a Message on the wire, so every "no further messages
// after Goodbye" rule is enforced by checking state here. The returned
// request's outcome is collected with await; callers that need nothing
// between the two use send.
func (s *Session) enqueue(msg wire.Message, priority int) (outboundReq, error) {
	st := connState(s.state.Load())
	if st == stateClosed || (st == stateDraining && msg.Kind != wire.KindGoodbye) {
		return outboundReq{}, io.ErrClosedPipe
	}
	req := outboundReq{
		priority: priority,
		seq:      s.seq.Add(1),
		result:   make(chan error, 1),
	}
	req.send = func() error { return s.adapter.Send(msg) }

	select {
	case s.submitCh <- req:
		return req, nil
	case <-s.closed:
		return outboundReq{}, io.ErrClosedPipe
	}
}

// await blocks for an enqueued request's write outcome.
func (s *Session) await(req outboundReq) error {
	select {
	case err := <-req.result:
		return err
	case <-s.closed:
		return io.ErrClosedPipe
	}
}

// send enqueues msg at the given priority and waits for the write outcome.
func (s *Session) send(msg wire.Message, priority int) error {
	req, err := s.enqueue(msg, priority)
	if err != nil {
		return err
	}
	return s.await(req)
}

// shaperLoop sits between submitters and the writer: pop the queued request
// with the lowest priority value (the most urgent) into chWrite, accept new submissions into
// the heap otherwise, and refuse to grow the backlog past maxShaperBacklog.
func (s *Session) shaperLoop() {
	var reqs outboundHeap
	var next outboundReq
	var chWrite chan outboundReq
	var chSubmit chan outboundReq

	for {
		if len(reqs) > 0 {
			chWrite = s.writeCh
			next = heap.Pop(&reqs).(outboundReq)
		} else {
			chWrite = nil
		}
		if len(reqs) >= maxShaperBacklog {
			chSubmit = nil
		} else {
			chSubmit = s.submitCh
		}

		select {
		case <-s.closed:
			return
		case r := <-chSubmit:
			if chWrite != nil {
				heap.Push(&reqs, next)
			}
			heap.Push(&reqs, r)
		case chWrite <- next:
		}
	}
}

func (s *Session) writerLoop() {
	for {
		select {
		case <-s.closed:
			return
		case req := <-s.writeCh:
			err := req.send()
			req.result <- err
			if err != nil {
				s.finish(err)
				return
			}
		}
	}
}

// readerLoop is the single reader goroutine. Its first iteration performs
// the handshake; afterward it demultiplexes by Message kind.
func (s *Session) readerLoop() {
	first, err := s.adapter.Recv()
	if err != nil {
		s.recvFailed(err)
		return
	}
	if err := s.handleHello(first); err != nil {
		s.failConnection(err)
		return
	}

	for {
		msg, err := s.adapter.Recv()
		if err != nil {
			s.recvFailed(err)
			return
		}
		if err := s.dispatchInbound(msg); err != nil {
			s.failConnection(err)
			return
		}
	}
}

// recvFailed maps a transport-level Recv error to its terminal path: a
// decode failure becomes one Goodbye with the matching rule, a rule the
// adapter already
// diagnosed (e.g. the WebSocket framing contract) is forwarded as-is, and a
// plain IO error ends the connection without a Goodbye — the peer is gone.
func (s *Session) recvFailed(err error) {
	var de *wire.DecodeError
	if errors.As(err, &de) {
		rule := rpcerr.RuleDecodeError
		if errors.Is(err, wire.ErrUnknownHelloVersion) {
			rule = rpcerr.RuleHelloUnknownVersion
		}
		s.sendGoodbyeAndClose(rule)
		return
	}
	var ce *rpcerr.ConnectionError
	if errors.As(err, &ce) {
		s.sendGoodbyeAndClose(ce.Rule)
		return
	}
	s.finish(err)
}

func (s *Session) handleHello(msg wire.Message) error {
	if msg.Kind != wire.KindHello {
		return rpcerr.NewConnectionError(rpcerr.RuleHelloOrdering, nil)
	}
	peer := *msg.Hello
	negotiated := wire.Hello{
		MaxPayloadSize:      minU32(s.cfg.Local.MaxPayloadSize, peer.MaxPayloadSize),
		InitialStreamCredit: minU32(s.cfg.Local.InitialStreamCredit, peer.InitialStreamCredit),
	}
	s.negotiated = negotiated
	s.state.Store(int32(stateOpen))
	close(s.handshakeDone)
	return nil
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// dispatchInbound routes every already-Open-connection message kind.
func (s *Session) dispatchInbound(msg wire.Message) error {
	switch msg.Kind {
	case wire.KindHello:
		return rpcerr.NewConnectionError(rpcerr.RuleHelloSingle, nil)
	case wire.KindGoodbye:
		s.finishWithReason(msg.Goodbye.Reason)
		return errStopReading
	case wire.KindRequest:
		return s.handleRequest(msg.Request)
	case wire.KindResponse:
		return s.calls.handleResponse(msg.Response)
	case wire.KindCancel:
		s.calls.handleCancel(msg.Cancel.RequestID)
		return nil
	case wire.KindData:
		return s.streams.handleData(msg.Data)
	case wire.KindClose:
		return s.streams.handleClose(msg.Close.StreamID)
	case wire.KindReset:
		return s.streams.handleReset(msg.Reset.StreamID)
	case wire.KindCredit:
		return s.streams.handleCredit(msg.Credit)
	default:
		return rpcerr.NewConnectionError(rpcerr.RuleDecodeError, nil)
	}
}

// errStopReading is a private sentinel: readerLoop treats a non-nil
// dispatchInbound error as a reason to fail the connection, but a received
// Goodbye has already torn the connection down gracefully via
// finishWithReason, so readerLoop must stop without re-failing it.
var errStopReading = &stopReadingError{}

type stopReadingError struct{}

func (*stopReadingError) Error() string { return "session: stop reading after Goodbye" }

func (s *Session) failConnection(err error) {
	if err == errStopReading {
		return
	}
	if ce, ok := err.(*rpcerr.ConnectionError); ok {
		s.sendGoodbyeAndClose(ce.Rule)
		return
	}
	s.finish(err)
}

// sendGoodbyeAndClose transitions to Draining, sends exactly one Goodbye
// naming rule, then tears down. After Goodbye is queued for send, no
// further messages are enqueued.
func (s *Session) sendGoodbyeAndClose(rule string) {
	if !s.state.CompareAndSwap(int32(stateOpen), int32(stateDraining)) {
		s.state.CompareAndSwap(int32(stateConnecting), int32(stateDraining))
	}
	_ = s.send(wire.MakeGoodbye(rule), prioGoodbye)
	s.closeRule = rule
	s.finish(rpcerr.NewConnectionError(rule, nil))
}

// finishWithReason handles a peer-initiated Goodbye: fail all in-flight
// calls with ConnectionClosed(reason), drain the writer, close the
// transport. Open streams end in the Reset state; their Send/Recv return
// ErrStreamReset, not ConnectionClosed.
func (s *Session) finishWithReason(reason string) {
	s.closeRule = reason
	s.finish(rpcerr.ConnectionClosed(reason))
}

func (s *Session) finish(cause error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(stateClosed))
		close(s.closed)
		s.calls.failAll(s.closedErr())
		s.streams.failAll(s.closedErr())
		_ = s.adapter.Close()
		if s.closeRule != "" {
			log.Goodbye(s.log, s.closeRule, true)
		}
	})
	_ = cause
}

// Close initiates a graceful local shutdown with an application reason.
func (s *Session) Close(reason string) error {
	if connState(s.state.Load()) == stateClosed {
		return nil
	}
	s.state.CompareAndSwap(int32(stateOpen), int32(stateDraining))
	err := s.send(wire.MakeGoodbye(reason), prioGoodbye)
	s.closeRule = ""
	s.finish(nil)
	return err
}

// Done returns a channel closed once the connection is fully terminated.
func (s *Session) Done() <-chan struct{} { return s.closed }

// NegotiatedMaxPayloadSize returns the post-handshake effective limit; valid
// only after Done()-or-handshakeDone.
func (s *Session) NegotiatedMaxPayloadSize() uint32 { return s.negotiated.MaxPayloadSize }

func (s *Session) checkPayloadSize(n int) error {
	if uint32(n) > s.negotiated.MaxPayloadSize {
		return rpcerr.NewConnectionError(rpcerr.RuleUnaryPayloadLimit, nil)
	}
	return nil
}
