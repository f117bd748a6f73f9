package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCOBSRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		{0x00},
		{0x01, 0x02, 0x03},
		bytes.Repeat([]byte{0xAA}, 300), // exceeds one 254-byte block
		{0x00, 0x00, 0x00},
	}
	for _, src := range cases {
		encoded := COBSEncode(src)
		require.NotContains(t, string(encoded[:len(encoded)-1]), "\x00")
		require.Equal(t, byte(0), encoded[len(encoded)-1])

		decoded, err := COBSDecode(encoded[:len(encoded)-1])
		require.NoError(t, err)
		if len(src) == 0 {
			require.Empty(t, decoded)
		} else {
			require.Equal(t, src, decoded)
		}
	}
}

func TestFrameReaderSkipsEmptyFrames(t *testing.T) {
	msg := MakeCancel(42)
	encoded, err := Encode(msg)
	require.NoError(t, err)
	frame := COBSEncode(encoded)

	// two delimiters in a row produce an empty frame the reader must skip.
	stream := append([]byte{0x00}, frame...)
	fr := NewFrameReader(bytes.NewReader(stream))
	got, err := fr.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestCOBSDecodeZeroCodeByteIsError(t *testing.T) {
	_, err := COBSDecode([]byte{0x00, 0x01})
	require.Error(t, err)
}
