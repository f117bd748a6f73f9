package schema

import (
	"testing"

	"github.com/bearcove/rapace/metadata"
	"github.com/stretchr/testify/require"
)

func TestMethodIDDeterministic(t *testing.T) {
	a := MethodID("Echo", "echo")
	b := MethodID("Echo", "echo")
	require.Equal(t, a, b)
	require.NotEqual(t, a, MethodID("Echo", "other"))
}

func TestSigHashDifferentShapesDiffer(t *testing.T) {
	args := Tuple(Primitive("string"))
	ret := Primitive("string")
	h1 := SigHash(args, ret)

	args2 := Tuple(Primitive("u64"))
	h2 := SigHash(args2, ret)
	require.NotEqual(t, h1, h2)
}

func TestRegistryCompatibility(t *testing.T) {
	r := NewRegistry()
	id := MethodID("Echo", "echo")
	hash := SigHash(Tuple(Primitive("string")), Primitive("string"))
	r.Register(id, hash)

	require.True(t, r.Compatible(id, hash))
	var other [32]byte
	require.False(t, r.Compatible(id, other))
	require.False(t, r.Compatible(id+1, hash)) // unknown method_id
}

func TestRegistryMetadataRoundTrip(t *testing.T) {
	r := NewRegistry()
	id := MethodID("Echo", "echo")
	hash := SigHash(Tuple(Primitive("string")), Primitive("string"))
	r.Register(id, hash)

	md := r.ToMetadata(metadata.MD{})
	peer := FromMetadata(md)
	got, ok := peer[id]
	require.True(t, ok)
	require.Equal(t, hash, got)
}
