package wire

import "github.com/bearcove/rapace/metadata"

// variant is the POSTCARD discriminant of each Message case, encoded as
// the first varint of the value.
type variant uint64

const (
	variantHello variant = iota
	variantGoodbye
	variantRequest
	variantResponse
	variantCancel
	variantData
	variantClose
	variantReset
	variantCredit
)

// HelloVersion discriminates Hello's own internal sum (today only V1 exists,
// but the wire carries a discriminant so a future V2 does not collide).
type HelloVersion uint64

const helloV1 HelloVersion = 0

// Hello is the symmetric connection-opening message.
type Hello struct {
	MaxPayloadSize       uint32
	InitialStreamCredit  uint32
}

// Goodbye is the terminal message naming the rule that ended the connection,
// or an application-supplied shutdown reason.
type Goodbye struct {
	Reason string
}

// Request initiates a call.
type Request struct {
	RequestID uint64
	MethodID  uint64
	Metadata  metadata.MD
	Payload   []byte
}

// Response completes a call. Payload is the POSTCARD encoding of
// Result<T, RapaceError<E>>, opaque to this layer.
type Response struct {
	RequestID uint64
	Metadata  metadata.MD
	Payload   []byte
}

// Cancel is a client-initiated, advisory, idempotent cancellation.
type Cancel struct {
	RequestID uint64
}

// Data carries one POSTCARD-encoded stream element.
type Data struct {
	StreamID uint64
	Payload  []byte
}

// Close half-closes a stream direction gracefully.
type Close struct {
	StreamID uint64
}

// Reset abortively closes a stream.
type Reset struct {
	StreamID uint64
}

// Credit additively extends a stream's flow-control window.
// Not used on SHM transports, where credit is conveyed through the per-stream
// metadata table instead.
type Credit struct {
	StreamID uint64
	Bytes    uint32
}

// Message is the single wire sum type. Exactly one of the pointer fields is
// non-nil after a successful Decode; Encode requires the same.
//
// Go has no tagged-union construct, so Message is a flat struct with one
// field per variant and no runtime polymorphism — callers switch on Kind.
type Message struct {
	Kind Kind

	Hello    *Hello
	Goodbye  *Goodbye
	Request  *Request
	Response *Response
	Cancel   *Cancel
	Data     *Data
	Close    *Close
	Reset    *Reset
	Credit   *Credit
}

// Kind identifies which field of Message is populated.
type Kind uint8

const (
	KindHello Kind = iota
	KindGoodbye
	KindRequest
	KindResponse
	KindCancel
	KindData
	KindClose
	KindReset
	KindCredit
)

func MakeHello(h Hello) Message       { return Message{Kind: KindHello, Hello: &h} }
func MakeGoodbye(reason string) Message {
	return Message{Kind: KindGoodbye, Goodbye: &Goodbye{Reason: reason}}
}
func MakeRequest(r Request) Message   { return Message{Kind: KindRequest, Request: &r} }
func MakeResponse(r Response) Message { return Message{Kind: KindResponse, Response: &r} }
func MakeCancel(requestID uint64) Message {
	return Message{Kind: KindCancel, Cancel: &Cancel{RequestID: requestID}}
}
func MakeData(streamID uint64, payload []byte) Message {
	return Message{Kind: KindData, Data: &Data{StreamID: streamID, Payload: payload}}
}
func MakeClose(streamID uint64) Message {
	return Message{Kind: KindClose, Close: &Close{StreamID: streamID}}
}
func MakeReset(streamID uint64) Message {
	return Message{Kind: KindReset, Reset: &Reset{StreamID: streamID}}
}
func MakeCredit(streamID uint64, bytes uint32) Message {
	return Message{Kind: KindCredit, Credit: &Credit{StreamID: streamID, Bytes: bytes}}
}
