package transport

import (
	"io"
	"sync"

	"github.com/bearcove/rapace/wire"
	"github.com/pkg/errors"
	"github.com/sagernet/sing/common/bufio"
)

// writeRequest is one queued outbound value plus a channel the submitter
// waits on for the result.
type writeRequest struct {
	msg    wire.Message
	result chan error
}

// ByteStream is the COBS-framed adapter for TCP and Unix-domain sockets.
// A single writer goroutine owns the underlying conn and opportunistically
// upgrades to a vectorised (scatter-gather) write when the conn supports
// it, via github.com/sagernet/sing/common/bufio.
type ByteStream struct {
	conn io.ReadWriteCloser
	fr   *wire.FrameReader

	writes chan writeRequest

	closeOnce sync.Once
	closed    chan struct{}
	writerErr error
	writerMu  sync.Mutex
}

// NewByteStream wraps conn (already connected) as a byte-stream Adapter.
func NewByteStream(conn io.ReadWriteCloser) *ByteStream {
	bs := &ByteStream{
		conn:   conn,
		fr:     wire.NewFrameReader(conn),
		writes: make(chan writeRequest),
		closed: make(chan struct{}),
	}
	go bs.writeLoop()
	return bs
}

// Send hands m to the writer goroutine, which encodes and COBS-frames it.
// It suspends on the unbuffered writes channel when the writer is busy —
// the one documented backpressure point for this adapter.
func (bs *ByteStream) Send(m wire.Message) error {
	req := writeRequest{msg: m, result: make(chan error, 1)}
	select {
	case bs.writes <- req:
	case <-bs.closed:
		return io.ErrClosedPipe
	}
	select {
	case err := <-req.result:
		return err
	case <-bs.closed:
		return io.ErrClosedPipe
	}
}

// Recv suspends until the next complete Message is available, or returns a
// *wire.DecodeError on malformed input.
func (bs *ByteStream) Recv() (wire.Message, error) {
	m, err := bs.fr.ReadMessage()
	if err != nil {
		if _, isDecodeErr := err.(*wire.DecodeError); isDecodeErr {
			return wire.Message{}, err
		}
		if err == io.EOF {
			return wire.Message{}, io.EOF
		}
		return wire.Message{}, errors.Wrap(err, "transport: byte-stream recv")
	}
	return m, nil
}

func (bs *ByteStream) Close() error {
	var err error
	bs.closeOnce.Do(func() {
		close(bs.closed)
		err = bs.conn.Close()
	})
	return err
}

// writeLoop is the single writer goroutine: one at a time, encode, COBS
// frame, write (vectorised when the conn supports it).
func (bs *ByteStream) writeLoop() {
	bw, ok := bufio.CreateVectorisedWriter(bs.conn)
	var vec [][]byte
	if ok {
		vec = make([][]byte, 2)
	}
	for {
		select {
		case <-bs.closed:
			return
		case req := <-bs.writes:
			encoded, err := wire.Encode(req.msg)
			if err != nil {
				req.result <- err
				continue
			}
			frame := wire.COBSEncode(encoded)

			var werr error
			if ok {
				vec[0] = frame
				vec[1] = nil
				_, werr = bufio.WriteVectorised(bw, vec[:1])
			} else {
				_, werr = bs.conn.Write(frame)
			}
			req.result <- werr
			if werr != nil {
				return
			}
		}
	}
}
