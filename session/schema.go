package session

import (
	"context"

	"github.com/bearcove/rapace/rpcerr"
	"github.com/bearcove/rapace/schema"
	"github.com/bearcove/rapace/wire"
)

// schemaBootstrapMethodID is the reserved introspection method: a peer's
// registry can be queried through it with FetchPeerSchemas. 0 is otherwise
// reserved and unreachable by MethodID's BLAKE3 derivation (see schema.go),
// so it cannot collide with an application method. The exchange is a plain
// call through the ordinary request path — nothing fires automatically, so
// a connection that never introspects carries no schema traffic at all and
// its first application Request is request_id 1.
const schemaBootstrapMethodID = uint64(0)

// FetchPeerSchemas queries the peer's registry through the reserved
// introspection method and merges the reply into this session's view of
// the peer; the same exchange advertises the local registry to the peer.
// Entirely optional: Call rejects a mismatched sig_hash locally once the
// peer's hash is known, and proceeds on local knowledge alone when it is
// not.
func (s *Session) FetchPeerSchemas(ctx context.Context) error {
	if err := s.awaitOpen(ctx); err != nil {
		return err
	}

	md := s.registry.ToMetadata(nil)
	id, pc, req, err := s.startRequest(schemaBootstrapMethodID, md, nil)
	if err != nil {
		return err
	}
	if err := s.await(req); err != nil {
		s.calls.mu.Lock()
		delete(s.calls.pending, id)
		s.calls.mu.Unlock()
		return err
	}

	select {
	case <-pc.done:
		if pc.err != nil {
			return pc.err
		}
		if pc.outer != nil {
			return pc.outer
		}
		for mid, hash := range schema.FromMetadata(pc.respMD) {
			s.peerRegistry.Register(mid, hash)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return s.closedErr()
	}
}

// handleSchemaBootstrapRequest serves the reserved introspection method:
// record whatever the caller advertised, reply with the local registry. It
// is never registered through RegisterHandler since application code has no
// sig_hash to advertise for it.
func (s *Session) handleSchemaBootstrapRequest(r *wire.Request) error {
	for id, hash := range schema.FromMetadata(r.Metadata) {
		s.peerRegistry.Register(id, hash)
	}
	reply := wire.Response{RequestID: r.RequestID, Metadata: s.registry.ToMetadata(nil), Payload: rpcerr.EncodeOk(nil)}
	return s.send(wire.MakeResponse(reply), prioData)
}

// PeerSigHashFor reports the sig_hash the peer advertised for methodID
// during a FetchPeerSchemas exchange, if any.
func (s *Session) PeerSigHashFor(methodID uint64) ([32]byte, bool) {
	return s.peerRegistry.SigHashFor(methodID)
}
