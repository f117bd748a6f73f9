package rpcerr

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

// POSTCARD(Err(UnknownMethod)) must encode to exactly 01 01; peers depend
// on these bytes.
func TestEncodeErrUnknownMethodWireBytes(t *testing.T) {
	got := EncodeErr(UnknownMethod())
	require.Equal(t, "0101", hex.EncodeToString(got))
}

func TestEncodeOkWrapsInnerUnchanged(t *testing.T) {
	inner := []byte{0x05, 'h', 'e', 'l', 'l', 'o'}
	got := EncodeOk(inner)
	require.Equal(t, "00"+hex.EncodeToString(inner), hex.EncodeToString(got))
}

func TestDecodeResultRoundTrip(t *testing.T) {
	ok, rest, outer, err := DecodeResult(EncodeOk([]byte{1, 2, 3}))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, rest)
	require.Nil(t, outer)

	ok, _, outer, err = DecodeResult(EncodeErr(Cancelled()))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, OuterCancelled, outer.Kind)
}

func TestDecodeResultShortPayloadIsError(t *testing.T) {
	_, _, _, err := DecodeResult(nil)
	require.Error(t, err)

	_, _, _, err = DecodeResult([]byte{0x01})
	require.Error(t, err)
}

func TestDecodeResultUnknownTagIsError(t *testing.T) {
	_, _, _, err := DecodeResult([]byte{0xFF})
	require.Error(t, err)
}
