// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

package ringbuf

import (
	"math/rand"
	"testing"
)

func TestRingPushAdvanceFIFO(t *testing.T) {
	r := New(8)
	if !r.Push([]byte("abcd")) {
		t.Fatal("push should fit")
	}
	if r.Size() != 4 || r.Available() != 4 {
		t.Fatalf("size=%d avail=%d", r.Size(), r.Available())
	}
	r.Advance(2)
	if !r.Push([]byte("efgh")) {
		t.Fatal("push should fit after wrap")
	}
	dst := make([]byte, r.Size())
	r.Peek(dst)
	if string(dst) != "cdefgh" {
		t.Fatalf("got %q", dst)
	}
}

func TestRingPushRejectsOversize(t *testing.T) {
	r := New(4)
	if r.Push([]byte("abcde")) {
		t.Fatal("push of capacity+1 must be rejected atomically")
	}
	if r.Size() != 0 {
		t.Fatal("rejected push must not partially consume")
	}
}

func TestRingInvariantUnderRandomOps(t *testing.T) {
	const capacity = 64
	r := New(capacity)
	rng := rand.New(rand.NewSource(1))
	var shadow []byte

	for i := 0; i < 20000; i++ {
		if rng.Intn(2) == 0 {
			n := rng.Intn(10) + 1
			data := make([]byte, n)
			rng.Read(data)
			if r.Push(data) {
				shadow = append(shadow, data...)
			}
		} else {
			n := rng.Intn(10) + 1
			if n > len(shadow) {
				n = len(shadow)
			}
			r.Advance(n)
			shadow = shadow[n:]
		}
		if r.Size()+r.Available() != capacity {
			t.Fatalf("size+available invariant broken: %d+%d != %d", r.Size(), r.Available(), capacity)
		}
		if r.Size() != len(shadow) {
			t.Fatalf("size mismatch: ring=%d shadow=%d", r.Size(), len(shadow))
		}
		got := make([]byte, r.Size())
		r.Peek(got)
		if string(got) != string(shadow) {
			t.Fatalf("FIFO mismatch at iter %d", i)
		}
	}
}

func TestReadableWritableSlicesCoverExactly(t *testing.T) {
	r := New(8)
	r.Push([]byte("123456"))
	r.Advance(4)
	r.Push([]byte("ab")) // wraps write index

	slices := r.ReadableSlices()
	if len(slices) > 2 {
		t.Fatalf("too many readable slices: %d", len(slices))
	}
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	if total != r.Size() {
		t.Fatalf("readable slices cover %d bytes, want %d", total, r.Size())
	}

	wslices := r.WritableSlices()
	if len(wslices) > 2 {
		t.Fatalf("too many writable slices: %d", len(wslices))
	}
	total = 0
	for _, s := range wslices {
		total += len(s)
	}
	if total != r.Available() {
		t.Fatalf("writable slices cover %d bytes, want %d", total, r.Available())
	}
}

func TestCommitWriteClampsToAvailable(t *testing.T) {
	r := New(4)
	r.Push([]byte("ab"))
	slices := r.WritableSlices()
	_ = slices
	r.CommitWrite(100)
	if r.Size() != r.Cap() {
		t.Fatalf("commit write must clamp to available, size=%d", r.Size())
	}
}

func TestClearDoesNotZeroBytesOnlyIndices(t *testing.T) {
	r := New(4)
	r.Push([]byte("ab"))
	r.Clear()
	if r.Size() != 0 || r.Available() != r.Cap() {
		t.Fatal("clear must reset indices")
	}
	if string(r.buf[:2]) != "ab" {
		t.Fatalf("clear must not zero bytes, got %q", r.buf[:2])
	}
}
