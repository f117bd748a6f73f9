package wire

import (
	"github.com/bearcove/rapace/metadata"
	"github.com/pkg/errors"
)

// DecodeError wraps any malformed-varint, overrun, unknown-variant, or
// trailing-byte failure encountered while decoding a Message.
// Session converts a DecodeError into a Goodbye with reason
// "message.decode-error", except one wrapping ErrUnknownHelloVersion.
type DecodeError struct {
	cause error
}

func (e *DecodeError) Error() string { return "wire: decode error: " + e.cause.Error() }
func (e *DecodeError) Unwrap() error { return e.cause }

func decodeErr(cause error) error { return &DecodeError{cause: cause} }

// ErrUnknownHelloVersion marks a Hello whose internal version discriminant
// is not recognized. Session maps it to the "message.hello.unknown-version"
// rule rather than the generic decode-error rule.
var ErrUnknownHelloVersion = errors.New("wire: unknown hello version")

// Encode serializes a Message to its POSTCARD-compatible byte representation.
// Encoding the same Go value twice always produces byte-identical output
//, except where metadata is absent vs. empty (both encode as a
// zero-length list, so that distinction is not observable on the wire).
func Encode(m Message) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = putUvarint(buf, uint64(discriminantOf(m.Kind)))
	switch m.Kind {
	case KindHello:
		buf = putUvarint(buf, uint64(helloV1))
		buf = putUvarint(buf, uint64(m.Hello.MaxPayloadSize))
		buf = putUvarint(buf, uint64(m.Hello.InitialStreamCredit))
	case KindGoodbye:
		buf = putString(buf, m.Goodbye.Reason)
	case KindRequest:
		buf = putUvarint(buf, m.Request.RequestID)
		buf = putUvarint(buf, m.Request.MethodID)
		buf = putMetadata(buf, m.Request.Metadata)
		buf = putBytes(buf, m.Request.Payload)
	case KindResponse:
		buf = putUvarint(buf, m.Response.RequestID)
		buf = putMetadata(buf, m.Response.Metadata)
		buf = putBytes(buf, m.Response.Payload)
	case KindCancel:
		buf = putUvarint(buf, m.Cancel.RequestID)
	case KindData:
		buf = putUvarint(buf, m.Data.StreamID)
		buf = putBytes(buf, m.Data.Payload)
	case KindClose:
		buf = putUvarint(buf, m.Close.StreamID)
	case KindReset:
		buf = putUvarint(buf, m.Reset.StreamID)
	case KindCredit:
		buf = putUvarint(buf, m.Credit.StreamID)
		buf = putUvarint(buf, uint64(m.Credit.Bytes))
	default:
		return nil, errors.Errorf("wire: unknown message kind %d", m.Kind)
	}
	return buf, nil
}

func discriminantOf(k Kind) variant {
	switch k {
	case KindHello:
		return variantHello
	case KindGoodbye:
		return variantGoodbye
	case KindRequest:
		return variantRequest
	case KindResponse:
		return variantResponse
	case KindCancel:
		return variantCancel
	case KindData:
		return variantData
	case KindClose:
		return variantClose
	case KindReset:
		return variantReset
	case KindCredit:
		return variantCredit
	}
	return variant(255)
}

// Decode parses a complete POSTCARD-encoded Message from buf. Any trailing
// bytes after a complete Message is a decode error.
func Decode(buf []byte) (Message, error) {
	disc, n, err := getUvarint(buf, 0)
	if err != nil {
		return Message{}, decodeErr(err)
	}
	off := n
	var m Message
	switch variant(disc) {
	case variantHello:
		ver, n, err := getUvarint(buf, off)
		if err != nil {
			return Message{}, decodeErr(err)
		}
		off += n
		if HelloVersion(ver) != helloV1 {
			return Message{}, decodeErr(errors.Wrapf(ErrUnknownHelloVersion, "version %d", ver))
		}
		maxPayload, n, err := getUvarint(buf, off)
		if err != nil {
			return Message{}, decodeErr(err)
		}
		off += n
		initCredit, n, err := getUvarint(buf, off)
		if err != nil {
			return Message{}, decodeErr(err)
		}
		off += n
		m = MakeHello(Hello{MaxPayloadSize: uint32(maxPayload), InitialStreamCredit: uint32(initCredit)})
	case variantGoodbye:
		reason, n, err := getString(buf, off)
		if err != nil {
			return Message{}, decodeErr(err)
		}
		off += n
		m = MakeGoodbye(reason)
	case variantRequest:
		reqID, n, err := getUvarint(buf, off)
		if err != nil {
			return Message{}, decodeErr(err)
		}
		off += n
		methodID, n, err := getUvarint(buf, off)
		if err != nil {
			return Message{}, decodeErr(err)
		}
		off += n
		md, n, err := getMetadata(buf, off)
		if err != nil {
			return Message{}, decodeErr(err)
		}
		off += n
		payload, n, err := getBytes(buf, off)
		if err != nil {
			return Message{}, decodeErr(err)
		}
		off += n
		m = MakeRequest(Request{RequestID: reqID, MethodID: methodID, Metadata: md, Payload: cloneBytes(payload)})
	case variantResponse:
		reqID, n, err := getUvarint(buf, off)
		if err != nil {
			return Message{}, decodeErr(err)
		}
		off += n
		md, n, err := getMetadata(buf, off)
		if err != nil {
			return Message{}, decodeErr(err)
		}
		off += n
		payload, n, err := getBytes(buf, off)
		if err != nil {
			return Message{}, decodeErr(err)
		}
		off += n
		m = MakeResponse(Response{RequestID: reqID, Metadata: md, Payload: cloneBytes(payload)})
	case variantCancel:
		reqID, n, err := getUvarint(buf, off)
		if err != nil {
			return Message{}, decodeErr(err)
		}
		off += n
		m = MakeCancel(reqID)
	case variantData:
		sid, n, err := getUvarint(buf, off)
		if err != nil {
			return Message{}, decodeErr(err)
		}
		off += n
		payload, n, err := getBytes(buf, off)
		if err != nil {
			return Message{}, decodeErr(err)
		}
		off += n
		m = MakeData(sid, cloneBytes(payload))
	case variantClose:
		sid, n, err := getUvarint(buf, off)
		if err != nil {
			return Message{}, decodeErr(err)
		}
		off += n
		m = MakeClose(sid)
	case variantReset:
		sid, n, err := getUvarint(buf, off)
		if err != nil {
			return Message{}, decodeErr(err)
		}
		off += n
		m = MakeReset(sid)
	case variantCredit:
		sid, n, err := getUvarint(buf, off)
		if err != nil {
			return Message{}, decodeErr(err)
		}
		off += n
		bytesVal, n, err := getUvarint(buf, off)
		if err != nil {
			return Message{}, decodeErr(err)
		}
		off += n
		m = MakeCredit(sid, uint32(bytesVal))
	default:
		return Message{}, decodeErr(errors.Errorf("wire: unknown message variant %d", disc))
	}
	if off != len(buf) {
		return Message{}, decodeErr(errors.New("wire: trailing bytes after message"))
	}
	return m, nil
}

// cloneBytes copies a decoded slice so the returned Message does not alias
// the caller's input buffer past the documented borrow boundary.
func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func putMetadata(buf []byte, md metadata.MD) []byte {
	buf = putUvarint(buf, uint64(len(md)))
	for _, p := range md {
		buf = putString(buf, p.Key)
		buf = append(buf, byte(p.Value.Kind))
		switch p.Value.Kind {
		case metadata.KindString:
			buf = putString(buf, p.Value.Str)
		case metadata.KindBytes:
			buf = putBytes(buf, p.Value.Bin)
		case metadata.KindU64:
			buf = putUvarint(buf, p.Value.Num)
		}
	}
	return buf
}

func getMetadata(buf []byte, off int) (metadata.MD, int, error) {
	start := off
	count, n, err := getUvarint(buf, off)
	if err != nil {
		return nil, 0, err
	}
	off += n
	if count == 0 {
		return nil, off - start, nil
	}
	md := make(metadata.MD, 0, count)
	for i := uint64(0); i < count; i++ {
		key, n, err := getString(buf, off)
		if err != nil {
			return nil, 0, err
		}
		off += n
		if off >= len(buf) {
			return nil, 0, ErrOverrun
		}
		kind := metadata.Kind(buf[off])
		off++
		var v metadata.Value
		switch kind {
		case metadata.KindString:
			s, n, err := getString(buf, off)
			if err != nil {
				return nil, 0, err
			}
			off += n
			v = metadata.String(s)
		case metadata.KindBytes:
			b, n, err := getBytes(buf, off)
			if err != nil {
				return nil, 0, err
			}
			off += n
			v = metadata.Bytes(cloneBytes(b))
		case metadata.KindU64:
			num, n, err := getUvarint(buf, off)
			if err != nil {
				return nil, 0, err
			}
			off += n
			v = metadata.U64(num)
		default:
			return nil, 0, errors.Errorf("wire: unknown metadata value kind %d", kind)
		}
		md = append(md, metadata.Pair{Key: key, Value: v})
	}
	return md, off - start, nil
}
