// Package schema derives method identifiers and signature hashes and
// holds the per-connection compatibility registry exchanged through the
// schema bootstrap call.
package schema

import (
	"encoding/binary"
	"sync"

	"github.com/bearcove/rapace/metadata"
	"lukechampine.com/blake3"
)

// MethodID returns BLAKE3("<service>.<method>") truncated to the first 8
// bytes, interpreted little-endian. 0 is reserved and never
// returned by a correctly chosen service/method pair; callers that collide
// with 0 should rename the method (this is a registration-time concern, not
// a wire one).
func MethodID(service, method string) uint64 {
	sum := blake3.Sum256([]byte(service + "." + method))
	return binary.LittleEndian.Uint64(sum[:8])
}

// SigHash is BLAKE3 over the canonical structural serialization of
// (argument-tuple-shape, return-shape), 32 bytes.
func SigHash(args, ret Shape) [32]byte {
	h := blake3.New(32, nil)
	h.Write(Canonical(args))
	h.Write(Canonical(ret))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Registry is the set of (method_id, sig_hash) pairs a side of a connection
// knows about, exchanged on demand through the schema bootstrap call
// (method_id 0) after the handshake.
type Registry struct {
	mu      sync.RWMutex
	entries map[uint64][32]byte
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[uint64][32]byte)}
}

// Register records a method's signature hash. Re-registering the same
// method_id with a different hash panics: this is a local programming error,
// never a wire concern.
func (r *Registry) Register(methodID uint64, sigHash [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[methodID]; ok && existing != sigHash {
		panic("schema: method_id re-registered with a different sig_hash")
	}
	r.entries[methodID] = sigHash
}

// SigHashFor returns the locally known sig_hash for methodID.
func (r *Registry) SigHashFor(methodID uint64) ([32]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[methodID]
	return h, ok
}

// Compatible reports whether methodID is known locally and its sig_hash
// matches peerHash. A client must perform this check before encoding
// arguments and reject locally with IncompatibleSchema on mismatch; an
// unknown method_id at the server is instead answered with UnknownMethod
// inside a Response, never a connection error.
func (r *Registry) Compatible(methodID uint64, peerHash [32]byte) bool {
	local, ok := r.SigHashFor(methodID)
	return ok && local == peerHash
}

// metadataKeyPrefix namespaces schema entries inside the metadata carried
// by the reserved schema-bootstrap call (session/schema.go, method_id 0).
// The exchange rides that call rather than Hello itself: Hello's wire shape
// is exactly {max_payload_size, initial_stream_credit} and carries no
// metadata field.
const metadataKeyPrefix = "rapace.schema."

// ToMetadata serializes the registry into metadata pairs for the schema
// bootstrap call's Request/Response, one Bytes pair carrying the full
// 32-byte hash per method, keyed by the method_id's decimal text so repeated
// keys never collide across methods.
func (r *Registry) ToMetadata(md metadata.MD) metadata.MD {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, hash := range r.entries {
		key := metadataKeyPrefix + itoa(id)
		h := hash
		md = md.Add(key, metadata.Bytes(h[:]))
	}
	return md
}

// FromMetadata extracts a peer's advertised registry from the metadata of a
// schema bootstrap call.
func FromMetadata(md metadata.MD) map[uint64][32]byte {
	out := make(map[uint64][32]byte)
	for _, p := range md {
		if len(p.Key) <= len(metadataKeyPrefix) || p.Key[:len(metadataKeyPrefix)] != metadataKeyPrefix {
			continue
		}
		if p.Value.Kind != metadata.KindBytes || len(p.Value.Bin) != 32 {
			continue
		}
		id, ok := atoi(p.Key[len(metadataKeyPrefix):])
		if !ok {
			continue
		}
		var hash [32]byte
		copy(hash[:], p.Value.Bin)
		out[id] = hash
	}
	return out
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func atoi(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	var v uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint64(c-'0')
	}
	return v, true
}
