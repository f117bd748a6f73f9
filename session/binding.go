package session

import (
	"context"

	"github.com/bearcove/rapace/rpcerr"
	"github.com/bearcove/rapace/wire"
)

// Multi-stream calls: a method may declare zero or more streams
// per direction. The caller allocates the stream_ids up front, lists them in
// its Request payload in declaration order, and the callee resolves the same
// list from the decoded payload. The binding list's wire shape is a POSTCARD
// seq of u64 ids, embedded by the payload codec wherever the method's
// argument tuple declares a stream slot.

// EncodeStreamBindings serializes ids as a POSTCARD seq (varint count, then
// each id as a varint), the fragment a generated client splices into its
// Request payload for the method's declared stream slots.
func EncodeStreamBindings(ids []uint64) []byte {
	buf := make([]byte, 0, 1+len(ids))
	buf = appendUvarint(buf, uint64(len(ids)))
	for _, id := range ids {
		buf = appendUvarint(buf, id)
	}
	return buf
}

// DecodeStreamBindings parses a binding list produced by
// EncodeStreamBindings, returning the ids and the number of bytes consumed
// so callers can keep decoding the rest of the payload after it.
func DecodeStreamBindings(buf []byte) (ids []uint64, consumed int, err error) {
	count, n, err := readUvarint(buf, 0)
	if err != nil {
		return nil, 0, err
	}
	off := n
	ids = make([]uint64, 0, count)
	for i := uint64(0); i < count; i++ {
		id, n, err := readUvarint(buf, off)
		if err != nil {
			return nil, 0, err
		}
		off += n
		ids = append(ids, id)
	}
	return ids, off, nil
}

// DeclareStreams allocates n fresh outgoing streams for one call's declared
// stream slots, in declaration order. The handles exist locally before the
// Request carrying their ids is sent, so inbound Data for them can never
// race the declaration.
func (s *Session) DeclareStreams(n int) ([]*Stream, error) {
	out := make([]*Stream, 0, n)
	for i := 0; i < n; i++ {
		st, err := s.OpenStream()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// ResolveBindings maps a decoded binding list to local Stream handles on the
// receiving side. A zero id in the list is the reserved-id connection error;
// everything else materializes a handle whether or not the peer has sent its
// first frame yet.
func (s *Session) ResolveBindings(ids []uint64) ([]*Stream, error) {
	out := make([]*Stream, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			return nil, rpcerr.NewConnectionError(rpcerr.RuleStreamIDZeroReserved, nil)
		}
		out = append(out, s.Stream(id))
	}
	return out, nil
}

// WaitRemoteOpen blocks until the peer's first Data/Close/Reset arrives on
// st, or ctx expires. A declared-but-never-opened required stream surfaces
// as ErrRequiredStreamMissing, which callers translate to
// rpcerr.RequiredStreamMissing at the call result boundary.
func (st *Stream) WaitRemoteOpen(ctx context.Context) error {
	select {
	case <-st.remoteOpened:
		return nil
	case <-st.sess.closed:
		return st.sess.closedErr()
	case <-ctx.Done():
		return ErrRequiredStreamMissing
	}
}

// appendUvarint/readUvarint mirror wire's LEB128 helpers; the binding list
// is the one payload fragment this layer understands (the rest of a payload
// belongs to the out-of-scope codec).
func appendUvarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func readUvarint(buf []byte, off int) (uint64, int, error) {
	var v uint64
	var shift uint
	for i := 0; i < 10; i++ {
		if off+i >= len(buf) {
			return 0, 0, wire.ErrOverrun
		}
		b := buf[off+i]
		if shift == 63 && b > 1 {
			return 0, 0, wire.ErrVarint
		}
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, wire.ErrVarint
}
