package shm

import "testing"

func TestSlotAllocGenerationAndFree(t *testing.T) {
	const slotSize = 64
	const count = 2
	region := make([]byte, count*slotSize)
	p := newSlotPool(region, slotSize, count)

	idx1, gen1, ok := p.alloc()
	if !ok {
		t.Fatal("first alloc should succeed")
	}
	if gen1 != 1 {
		t.Fatalf("first generation should be 1, got %d", gen1)
	}

	idx2, _, ok := p.alloc()
	if !ok || idx2 == idx1 {
		t.Fatalf("second alloc should succeed with a distinct slot, got idx1=%d idx2=%d ok=%v", idx1, idx2, ok)
	}

	if _, _, ok := p.alloc(); ok {
		t.Fatal("third alloc should fail: pool exhausted")
	}

	p.free(idx1)
	idx3, gen3, ok := p.alloc()
	if !ok || idx3 != idx1 {
		t.Fatalf("alloc after free should reuse slot %d, got %d ok=%v", idx1, idx3, ok)
	}
	if gen3 != gen1+1 {
		t.Fatalf("reused slot's generation should bump, got %d want %d", gen3, gen1+1)
	}

	if !p.checkGeneration(idx3, gen3) {
		t.Fatal("checkGeneration should match the slot's current generation")
	}
	if p.checkGeneration(idx3, gen1) {
		t.Fatal("checkGeneration must reject a stale generation")
	}
}

func TestSlotResetAllLocked(t *testing.T) {
	const slotSize = 64
	const count = 3
	region := make([]byte, count*slotSize)
	p := newSlotPool(region, slotSize, count)

	idx, gen, _ := p.alloc()
	p.markInFlight(idx)

	p.resetAllLocked()

	if p.state(idx) == nil {
		t.Fatal("unexpected nil state pointer")
	}
	if SlotState(*p.state(idx)) != SlotFree {
		t.Fatal("resetAllLocked must mark every non-Free slot Free")
	}
	if p.checkGeneration(idx, gen) {
		t.Fatal("resetAllLocked must bump generation, invalidating the old one")
	}
}
