// Package metadata implements the ordered (key, value) metadata list carried
// on Request/Response messages and the schema bootstrap call.
package metadata

import "github.com/pkg/errors"

// Limits enforced on every metadata list. Violating any of these is a
// connection error with rule id "flow.metadata.limits".
const (
	MaxPairs       = 128
	MaxValueBytes  = 1 << 20 // 1 MiB
	MaxKeyBytes    = 256
)

// ErrTooManyPairs, ErrValueTooLarge, and ErrKeyTooLong are the specific
// causes behind a flow.metadata.limits violation; callers that need the
// wire-level rule id should use rpcerr.ConnectionError directly.
var (
	ErrTooManyPairs  = errors.New("metadata: more than 128 pairs")
	ErrValueTooLarge = errors.New("metadata: value exceeds 1 MiB")
	ErrKeyTooLong    = errors.New("metadata: key exceeds 256 bytes")
)

// Kind identifies which variant of Value is populated.
type Kind uint8

const (
	KindString Kind = iota
	KindBytes
	KindU64
)

// Value is the closed MetadataValue sum: String, Bytes, or U64.
type Value struct {
	Kind Kind
	Str  string
	Bin  []byte
	Num  uint64
}

func String(s string) Value { return Value{Kind: KindString, Str: s} }
func Bytes(b []byte) Value  { return Value{Kind: KindBytes, Bin: b} }
func U64(n uint64) Value    { return Value{Kind: KindU64, Num: n} }

// size returns the on-wire payload size of the value, for limit checking.
func (v Value) size() int {
	switch v.Kind {
	case KindString:
		return len(v.Str)
	case KindBytes:
		return len(v.Bin)
	default:
		return 8
	}
}

// Pair is one ordered (key, value) entry. Keys are case-sensitive raw UTF-8
// and may repeat; order is preserved on the wire and exposed to applications.
type Pair struct {
	Key   string
	Value Value
}

// MD is the ordered metadata list attached to a Request or Response.
type MD []Pair

// Add appends a pair, preserving insertion order (keys may repeat).
func (m MD) Add(key string, v Value) MD {
	return append(m, Pair{Key: key, Value: v})
}

// Get returns the value of the first pair with the given key, if any.
func (m MD) Get(key string) (Value, bool) {
	for _, p := range m {
		if p.Key == key {
			return p.Value, true
		}
	}
	return Value{}, false
}

// All returns every value associated with key, in wire order.
func (m MD) All(key string) []Value {
	var out []Value
	for _, p := range m {
		if p.Key == key {
			out = append(out, p.Value)
		}
	}
	return out
}

// Validate enforces the limits above. The returned error, when non-nil, is
// always one of ErrTooManyPairs, ErrKeyTooLong, or ErrValueTooLarge and the
// session layer maps it to the flow.metadata.limits rule id.
func Validate(m MD) error {
	if len(m) > MaxPairs {
		return ErrTooManyPairs
	}
	for _, p := range m {
		if len(p.Key) > MaxKeyBytes {
			return ErrKeyTooLong
		}
		if p.Value.size() > MaxValueBytes {
			return ErrValueTooLarge
		}
	}
	return nil
}
