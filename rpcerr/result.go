package rpcerr

// Response payloads carry POSTCARD(Result<T, RapaceError<E>>): Ok = 0x00 tag
// + POSTCARD(T); Err = 0x01 tag + POSTCARD(RapaceError<E>), where
// RapaceError<E> is itself an enum whose own discriminant is a single u8.
// Protocol errors (UnknownMethod, InvalidPayload, Cancelled) use this outer
// branch; application errors returned by a user handler are embedded inside
// the Ok branch's own inner Result and are therefore opaque
// bytes to this package — EncodeOk is handed the already-encoded inner
// value.
//
// Variant order below is wire-stable and cannot change:
// Err(UnknownMethod) must encode as exactly 0x01 0x01, so Application
// occupies tag 0 and UnknownMethod tag 1.
const (
	tagApplication uint8 = iota
	tagUnknownMethod
	tagInvalidPayload
	tagCancelled
	tagIncompatibleSchema
	tagResourceExhausted
	tagPeerDied
	tagRequiredStreamMissing
)

func outerTag(k OuterKind) uint8 {
	switch k {
	case OuterUnknownMethod:
		return tagUnknownMethod
	case OuterInvalidPayload:
		return tagInvalidPayload
	case OuterCancelled:
		return tagCancelled
	case OuterIncompatibleSchema:
		return tagIncompatibleSchema
	case OuterResourceExhausted:
		return tagResourceExhausted
	case OuterPeerDied:
		return tagPeerDied
	case OuterRequiredStreamMissing:
		return tagRequiredStreamMissing
	default:
		return tagApplication
	}
}

func kindFromTag(tag uint8) OuterKind {
	switch tag {
	case tagUnknownMethod:
		return OuterUnknownMethod
	case tagInvalidPayload:
		return OuterInvalidPayload
	case tagCancelled:
		return OuterCancelled
	case tagIncompatibleSchema:
		return OuterIncompatibleSchema
	case tagResourceExhausted:
		return OuterResourceExhausted
	case tagPeerDied:
		return OuterPeerDied
	case tagRequiredStreamMissing:
		return OuterRequiredStreamMissing
	default:
		return OuterUnknownMethod // application-level tag, see DecodeResult
	}
}

// EncodeOk wraps an already-POSTCARD-encoded success value in the outer Ok tag.
func EncodeOk(inner []byte) []byte {
	out := make([]byte, 0, len(inner)+1)
	out = append(out, 0x00)
	return append(out, inner...)
}

// EncodeErr wraps a protocol-level Outer error in the outer Err tag. The
// inner RapaceError<E> enum encodes as its single discriminant byte; this
// package carries no application-defined payload for E (that is the
// out-of-scope payload codec's concern.
func EncodeErr(outer *Outer) []byte {
	return []byte{0x01, outerTag(outer.Kind)}
}

// DecodeResult reports whether payload's outer Result is Ok or Err. On Ok it
// returns the remaining bytes (the still-encoded T) for the caller to decode
// with the application payload codec. On Err it returns the Outer error.
func DecodeResult(payload []byte) (ok bool, rest []byte, outer *Outer, err error) {
	if len(payload) == 0 {
		return false, nil, nil, errShortResult
	}
	switch payload[0] {
	case 0x00:
		return true, payload[1:], nil, nil
	case 0x01:
		if len(payload) < 2 {
			return false, nil, nil, errShortResult
		}
		return false, nil, &Outer{Kind: kindFromTag(payload[1])}, nil
	default:
		return false, nil, nil, errBadResultTag
	}
}

type resultError string

func (e resultError) Error() string { return string(e) }

const (
	errShortResult  = resultError("rpcerr: result payload too short")
	errBadResultTag = resultError("rpcerr: unknown result outer tag")
)
