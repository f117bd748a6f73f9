// Package transport implements the common adapter contract: a single
// Message at a time, in-order within one direction, with decode failures
// surfaced as *wire.DecodeError so Session can turn them into a Goodbye
// with reason "message.decode-error".
package transport

import "github.com/bearcove/rapace/wire"

// Adapter moves one wire.Message at a time between Session and a concrete
// transport (byte-stream, message-stream, or SHM). Implementations guarantee:
//   - in-order delivery within one direction;
//   - on half-close, the other direction still delivers messages already
//     queued up to any peer-sent Goodbye;
//   - Send suspends at one documented point under backpressure and never
//     silently drops a message on an open connection;
//   - Close is idempotent.
type Adapter interface {
	Send(wire.Message) error
	Recv() (wire.Message, error)
	Close() error
}
