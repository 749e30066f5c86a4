package thinpool

import "testing"

func TestIDAllocator_MonotonicNoReuse(t *testing.T) {
	a := NewIDAllocator()

	first := a.Allocate()
	second := a.Allocate()
	if first != 0 || second != 1 {
		t.Fatalf("allocated %d, %d; want 0, 1", first, second)
	}

	a.Release(first)
	if a.Live(first) {
		t.Error("released ID still live")
	}
	if next := a.Allocate(); next != 2 {
		t.Errorf("ID after release = %d, want 2 (released IDs are never reissued)", next)
	}
}

func TestIDAllocator_ReleaseUnknownIsNoOp(t *testing.T) {
	a := NewIDAllocator()
	a.Release(42)
	a.Release(42)
	if a.LiveCount() != 0 {
		t.Errorf("LiveCount = %d", a.LiveCount())
	}
}

func TestNewIDAllocatorAt_SeedsPastHighestLiveID(t *testing.T) {
	a := NewIDAllocatorAt(3, []uint32{0, 7, 2})

	if !a.Live(7) || !a.Live(0) || !a.Live(2) {
		t.Error("seeded IDs not live")
	}
	if next := a.Allocate(); next != 8 {
		t.Errorf("first allocation = %d, want 8", next)
	}
}
