package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bearcove/rapace/metadata"
	"github.com/bearcove/rapace/metrics"
	"github.com/bearcove/rapace/rpcerr"
	"github.com/bearcove/rapace/wire"
)

// acceptorBit distinguishes initiator-chosen (0) from acceptor-chosen (1)
// request_ids when both sides can originate calls on the same connection.
const acceptorBit = uint64(1) << 63

// pendingCall is the process-local view of one in-flight call, exclusively
// owned by the call manager; the user holds only a channel-based completion
// handle, so Session and the awaiting user task never own each other.
type pendingCall struct {
	resolveOnce sync.Once
	done        chan struct{}
	payload     []byte
	respMD      metadata.MD
	outer       *rpcerr.Outer
	err         error
}

// resolve settles the call and reports whether this call was the first to
// do so. A false return means the call was already settled by a racing
// deadline/Cancel/Response and the caller's payload was discarded.
func (p *pendingCall) resolve(payload []byte, respMD metadata.MD, outer *rpcerr.Outer, err error) bool {
	won := false
	p.resolveOnce.Do(func() {
		p.payload, p.respMD, p.outer, p.err = payload, respMD, outer, err
		close(p.done)
		won = true
	})
	return won
}

// serverCall tracks one in-flight inbound Request so a later Cancel can flip
// its cancellation token.
type serverCall struct {
	cancel context.CancelFunc
}

// callManager issues request_ids, tracks pending outbound calls, and tracks
// in-flight inbound calls for Cancel delivery.
type callManager struct {
	sess *Session

	counter atomic.Uint64

	// sendMu serializes request_id allocation with the Request's entry
	// into the shaper: the receiver orders inbound ids strictly, so two
	// concurrent callers must never reach the wire in the opposite order
	// from their allocation.
	sendMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	serving map[uint64]*serverCall

	// lastInbound is the highest request_id seen on an inbound Request; the
	// peer's ids must be strictly monotonic within one connection. The
	// originator bit never changes for a given peer, so a plain u64
	// compare suffices.
	lastInbound uint64
}

func newCallManager(s *Session) *callManager {
	return &callManager{
		sess:    s,
		pending: make(map[uint64]*pendingCall),
		serving: make(map[uint64]*serverCall),
	}
}

func (cm *callManager) nextRequestID() uint64 {
	id := cm.counter.Add(1)
	if cm.sess.cfg.CreditMode == CreditByAdapter {
		// SHM descriptors carry 32-bit ids, so the high-bit origin tag
		// cannot ride along; originators split the id space by parity
		// instead, mirroring the stream-id allocator.
		if cm.sess.cfg.IsInitiator {
			return id*2 - 1
		}
		return id * 2
	}
	if cm.sess.cfg.IsInitiator {
		return id
	}
	return id | acceptorBit
}

// Call issues a Request and awaits its Response, deadline, cancellation,
// or connection close, whichever settles first.
func (s *Session) Call(ctx context.Context, methodID uint64, sigHash [32]byte, payload []byte, md metadata.MD) ([]byte, error) {
	if !s.registry.Compatible(methodID, sigHash) {
		return nil, rpcerr.IncompatibleSchema()
	}
	// If the peer has already advertised its own sig_hash for this method
	// (via FetchPeerSchemas), reject locally rather than let a mismatched
	// call reach the wire.
	if peerHash, ok := s.peerRegistry.SigHashFor(methodID); ok && peerHash != sigHash {
		return nil, rpcerr.IncompatibleSchema()
	}
	if err := metadata.Validate(md); err != nil {
		return nil, err
	}
	if err := s.awaitOpen(ctx); err != nil {
		return nil, err
	}
	if err := s.checkPayloadSize(len(payload)); err != nil {
		return nil, err
	}

	id, pc, req, err := s.startRequest(methodID, md, payload)
	if err != nil {
		return nil, err
	}
	if err := s.await(req); err != nil {
		s.calls.mu.Lock()
		delete(s.calls.pending, id)
		s.calls.mu.Unlock()
		return nil, err
	}

	var deadlineCh <-chan time.Time
	if dl, ok := ctx.Deadline(); ok {
		timer := time.NewTimer(time.Until(dl))
		defer timer.Stop()
		deadlineCh = timer.C
	}

	select {
	case <-pc.done:
		if pc.err != nil {
			return nil, pc.err
		}
		if pc.outer != nil {
			return nil, pc.outer
		}
		return pc.payload, nil
	case <-deadlineCh:
		_ = s.send(wire.MakeCancel(id), prioControl)
		pc.resolve(nil, nil, nil, context.DeadlineExceeded)
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		_ = s.send(wire.MakeCancel(id), prioControl)
		// ctx.Done fires for the deadline too; report which path it was.
		if ctx.Err() == context.DeadlineExceeded {
			pc.resolve(nil, nil, nil, context.DeadlineExceeded)
			return nil, context.DeadlineExceeded
		}
		pc.resolve(nil, nil, rpcerr.Cancelled(), nil)
		return nil, rpcerr.Cancelled()
	case <-s.closed:
		pc.resolve(nil, nil, nil, s.closedErr())
		return nil, s.closedErr()
	}
}

// startRequest allocates the next request_id, registers its pending slot,
// and hands the Request to the shaper, all under sendMu: issue order and
// wire order cannot diverge, because no other caller can allocate a later
// id and enter the shaper first. All Requests go out at prioData for the
// same reason — a higher-priority Request could overtake a lower id already
// queued behind Data.
func (s *Session) startRequest(methodID uint64, md metadata.MD, payload []byte) (uint64, *pendingCall, outboundReq, error) {
	cm := s.calls
	cm.sendMu.Lock()
	defer cm.sendMu.Unlock()

	id := cm.nextRequestID()
	pc := &pendingCall{done: make(chan struct{})}
	cm.mu.Lock()
	cm.pending[id] = pc
	cm.mu.Unlock()

	req, err := s.enqueue(wire.MakeRequest(wire.Request{RequestID: id, MethodID: methodID, Metadata: md, Payload: payload}), prioData)
	if err != nil {
		cm.mu.Lock()
		delete(cm.pending, id)
		cm.mu.Unlock()
		return 0, nil, outboundReq{}, err
	}
	return id, pc, req, nil
}

// handleResponse delivers an inbound Response to the matching pending call.
// A stale/unknown/already-resolved request_id is the late-Response-after-
// cancel race: ignored and counted rather than errored.
func (cm *callManager) handleResponse(r *wire.Response) error {
	cm.mu.Lock()
	pc, ok := cm.pending[r.RequestID]
	if ok {
		delete(cm.pending, r.RequestID)
	}
	cm.mu.Unlock()
	if !ok {
		metrics.ResponsesDroppedAfterCancel.Inc()
		return nil
	}

	var won bool
	ok2, rest, outer, err := rpcerr.DecodeResult(r.Payload)
	if err != nil {
		won = pc.resolve(nil, nil, rpcerr.InvalidPayload(), nil)
	} else if ok2 {
		won = pc.resolve(rest, r.Metadata, nil, nil)
	} else {
		won = pc.resolve(nil, r.Metadata, outer, nil)
	}
	// A false return means the call was already resolved locally by a
	// racing deadline or Cancel: this Response is late
	// and must be dropped silently, counted rather than erroring.
	if !won {
		metrics.ResponsesDroppedAfterCancel.Inc()
	}
	return nil
}

// handleCancel flips the cancellation token of a server-side in-flight
// call. Cancel is advisory and idempotent: an unknown/already-completed
// request_id is ignored.
func (cm *callManager) handleCancel(requestID uint64) {
	cm.mu.Lock()
	sc, ok := cm.serving[requestID]
	cm.mu.Unlock()
	if ok {
		sc.cancel()
	}
}

// handleRequest dispatches an inbound Request to its registered handler, or
// replies UnknownMethod without invoking anything.
func (s *Session) handleRequest(r *wire.Request) error {
	if err := s.checkPayloadSize(len(r.Payload)); err != nil {
		return err
	}
	if err := metadata.Validate(r.Metadata); err != nil {
		return rpcerr.NewConnectionError(rpcerr.RuleMetadataLimits, err)
	}
	s.calls.mu.Lock()
	monotonic := r.RequestID > s.calls.lastInbound
	if monotonic {
		s.calls.lastInbound = r.RequestID
	}
	s.calls.mu.Unlock()
	if !monotonic {
		return rpcerr.NewConnectionError(rpcerr.RuleIDNotMonotonic, nil)
	}
	if r.MethodID == schemaBootstrapMethodID {
		return s.handleSchemaBootstrapRequest(r)
	}

	s.dispatchMu.Lock()
	h, ok := s.dispatch[r.MethodID]
	s.dispatchMu.Unlock()
	if !ok {
		return s.replyOuter(r.RequestID, rpcerr.UnknownMethod())
	}
	if !s.handlerSem.TryAcquire(1) {
		return s.replyOuter(r.RequestID, rpcerr.ResourceExhausted())
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.calls.mu.Lock()
	s.calls.serving[r.RequestID] = &serverCall{cancel: cancel}
	s.calls.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.handlerSem.Release(1)
		defer func() {
			cancel()
			s.calls.mu.Lock()
			delete(s.calls.serving, r.RequestID)
			s.calls.mu.Unlock()
		}()
		resp, outerErr := h.fn(ctx, r.Payload, r.Metadata)
		if outerErr != nil {
			_ = s.replyOuter(r.RequestID, outerErr)
			return
		}
		_ = s.replyOk(r.RequestID, resp)
	}()
	return nil
}

func (s *Session) replyOk(requestID uint64, payload []byte) error {
	return s.send(wire.MakeResponse(wire.Response{RequestID: requestID, Payload: rpcerr.EncodeOk(payload)}), prioData)
}

func (s *Session) replyOuter(requestID uint64, outer *rpcerr.Outer) error {
	return s.send(wire.MakeResponse(wire.Response{RequestID: requestID, Payload: rpcerr.EncodeErr(outer)}), prioData)
}

// failAll resolves every pending outbound call and cancels every in-flight
// inbound call with cause, invoked once the connection has a terminal
// state.
func (cm *callManager) failAll(cause error) {
	cm.mu.Lock()
	pending := cm.pending
	cm.pending = make(map[uint64]*pendingCall)
	serving := cm.serving
	cm.serving = make(map[uint64]*serverCall)
	cm.mu.Unlock()

	for _, pc := range pending {
		pc.resolve(nil, nil, nil, cause)
	}
	for _, sc := range serving {
		sc.cancel()
	}
}
