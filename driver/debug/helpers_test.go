// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package debug

import (
	"log"
	"os"
	"testing"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/driver/d3d12"
)

// Helpers for testing.

// tDrv is the driver managed by TestMain.
var tDrv = d3d12.Driver{}

// tGPU wraps the GPU of tDrv.
var tGPU *GPU

// TestMain runs the tests between calls to tDrv.Open and tDrv.Close.
func TestMain(m *testing.M) {
	gpu, err := tDrv.Open()
	if err != nil {
		log.Fatalf("fatal: Driver.Open failed: %v", err)
	}
	tGPU = Wrap(gpu)
	c := m.Run()
	tGPU.Driver().Close()
	os.Exit(c)
}

// violations calls f with Break replaced by a function
// that records violations.
func violations(f func()) (v []*Violation) {
	brk := Break
	defer func() { Break = brk }()
	Break = func(x *Violation) { v = append(v, x) }
	f()
	return
}

// noViolations fails the test if a violation occurs.
func noViolations(t *testing.T) {
	t.Helper()
	brk := Break
	Break = func(v *Violation) { t.Errorf("unexpected violation: %v", v) }
	t.Cleanup(func() { Break = brk })
}

// newBuffer creates a buffer or fails the test.
func newBuffer(t *testing.T, size int64, heap driver.HeapType, usage driver.Usage) driver.Buffer {
	t.Helper()
	b, err := tGPU.NewBuffer(&driver.BufferDesc{Size: size, Heap: heap, Usage: usage})
	if err != nil {
		t.Fatalf("tGPU.NewBuffer:\nhave %v\nwant nil", err)
	}
	t.Cleanup(b.Destroy)
	return b
}

// newHeap creates a descriptor heap or fails the test.
func newHeap(t *testing.T, typ driver.DescriptorHeapType, n int) driver.DescriptorHeap {
	t.Helper()
	h, err := tGPU.NewDescriptorHeap(typ, n)
	if err != nil {
		t.Fatalf("tGPU.NewDescriptorHeap:\nhave %v\nwant nil", err)
	}
	t.Cleanup(h.Destroy)
	return h
}
