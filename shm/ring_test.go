package shm

import "testing"

func TestRingFullEmptyAndWraparound(t *testing.T) {
	const size = 4
	buf := make([]byte, size*descriptorSize)
	var head, tail uint32
	r := newRing(buf, size, &head, &tail)

	if !r.empty(head, tail) {
		t.Fatal("fresh ring should be empty")
	}

	for i := uint32(0); i < size; i++ {
		if !r.tryPush(Descriptor{MsgType: MsgData, ID: i}) {
			t.Fatalf("push %d should have succeeded", i)
		}
	}
	if r.tryPush(Descriptor{MsgType: MsgData, ID: 99}) {
		t.Fatal("push into a full ring should fail")
	}

	for i := uint32(0); i < size; i++ {
		d, ok := r.tryPop()
		if !ok {
			t.Fatalf("pop %d should have succeeded", i)
		}
		if d.ID != i {
			t.Fatalf("pop %d: got id %d", i, d.ID)
		}
	}
	if _, ok := r.tryPop(); ok {
		t.Fatal("pop from an empty ring should fail")
	}

	// wraparound: head/tail keep counting past ring_size.
	for i := uint32(0); i < size*3; i++ {
		if !r.tryPush(Descriptor{MsgType: MsgData, ID: i}) {
			t.Fatalf("wraparound push %d failed", i)
		}
		d, ok := r.tryPop()
		if !ok || d.ID != i {
			t.Fatalf("wraparound pop %d: got %+v ok=%v", i, d, ok)
		}
	}
}

func TestRingResetLocked(t *testing.T) {
	const size = 4
	buf := make([]byte, size*descriptorSize)
	var head, tail uint32
	r := newRing(buf, size, &head, &tail)

	r.tryPush(Descriptor{MsgType: MsgData, ID: 1})
	r.tryPush(Descriptor{MsgType: MsgData, ID: 2})
	r.resetLocked()
	if head != 0 || tail != 0 {
		t.Fatalf("resetLocked left head=%d tail=%d", head, tail)
	}
	if !r.empty(head, tail) {
		t.Fatal("reset ring should report empty")
	}
}
