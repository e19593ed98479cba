package util

import (
	"reflect"
	"testing"
)

func TestRingBufferPushBeforeFull(t *testing.T) {
	r := NewRingBuffer[int](3)
	r.Push(1)
	r.Push(2)
	if got := r.Snapshot(); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("Snapshot() = %v, want [1 2]", got)
	}
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
}

func TestRingBufferOverwritesOldestWhenFull(t *testing.T) {
	r := NewRingBuffer[int](3)
	for _, v := range []int{1, 2, 3, 4, 5} {
		r.Push(v)
	}
	want := []int{3, 4, 5}
	if got := r.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Snapshot() = %v, want %v", got, want)
	}
	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
}

func TestRingBufferZeroCapacity(t *testing.T) {
	r := NewRingBuffer[int](0)
	r.Push(1)
	if got := r.Snapshot(); len(got) != 0 {
		t.Fatalf("Snapshot() = %v, want empty", got)
	}
}
