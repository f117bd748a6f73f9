// Package wire implements the POSTCARD-compatible encoding of the Rapace
// Message sum type and the COBS byte-stream framing used by byte-oriented
// transports.
package wire

import "github.com/pkg/errors"

// ErrOverrun is returned when a decode operation runs past the end of the
// input buffer.
var ErrOverrun = errors.New("wire: buffer overrun")

// ErrVarint is returned when a varint is malformed (too many continuation
// bytes, or overflows the target width).
var ErrVarint = errors.New("wire: malformed varint")

// putUvarint appends the LEB128 encoding of v to buf.
func putUvarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// getUvarint decodes a LEB128 varint from buf starting at off, returning the
// value, the number of bytes consumed, and an error.
func getUvarint(buf []byte, off int) (uint64, int, error) {
	var v uint64
	var shift uint
	for i := 0; i < 10; i++ {
		if off+i >= len(buf) {
			return 0, 0, ErrOverrun
		}
		b := buf[off+i]
		if shift == 63 && b > 1 {
			return 0, 0, ErrVarint
		}
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrVarint
}

func zigzagEncode(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func zigzagDecode(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

func putVarint(buf []byte, v int64) []byte {
	return putUvarint(buf, zigzagEncode(v))
}

func getVarint(buf []byte, off int) (int64, int, error) {
	u, n, err := getUvarint(buf, off)
	if err != nil {
		return 0, 0, err
	}
	return zigzagDecode(u), n, nil
}

// putBytes writes a varint length prefix followed by the raw bytes.
func putBytes(buf []byte, b []byte) []byte {
	buf = putUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// getBytes reads a length-prefixed byte slice. The returned slice aliases buf.
func getBytes(buf []byte, off int) ([]byte, int, error) {
	n, consumed, err := getUvarint(buf, off)
	if err != nil {
		return nil, 0, err
	}
	start := off + consumed
	end := start + int(n)
	if end < start || end > len(buf) {
		return nil, 0, ErrOverrun
	}
	return buf[start:end], end - off, nil
}

func putString(buf []byte, s string) []byte {
	return putBytes(buf, []byte(s))
}

func getString(buf []byte, off int) (string, int, error) {
	b, n, err := getBytes(buf, off)
	if err != nil {
		return "", 0, err
	}
	return string(b), n, nil
}
