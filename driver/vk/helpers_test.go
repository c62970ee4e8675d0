// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	"encoding/binary"
	"log"
	"os"
	"testing"

	"github.com/gviegas/rhino/driver"
)

// Helpers for testing.

// tDrv is the driver managed by TestMain.
var tDrv = Driver{}

// tGPU is the GPU of tDrv.
var tGPU *GPU

// TestMain runs the tests between calls to tDrv.Open and tDrv.Close.
func TestMain(m *testing.M) {
	gpu, err := tDrv.Open()
	if err != nil {
		log.Fatalf("fatal: Driver.Open failed: %v", err)
	}
	tGPU = gpu.(*GPU)
	c := m.Run()
	tDrv.Close()
	os.Exit(c)
}

// panics reports whether f panics.
func panics(f func()) (p bool) {
	defer func() { p = recover() != nil }()
	f()
	return
}

// newBuffer creates a buffer or fails the test.
func newBuffer(t *testing.T, size int64, heap driver.HeapType, usage driver.Usage) *buffer {
	t.Helper()
	b, err := tGPU.NewBuffer(&driver.BufferDesc{Size: size, Heap: heap, Usage: usage})
	if err != nil {
		t.Fatalf("tGPU.NewBuffer:\nhave %v\nwant nil", err)
	}
	t.Cleanup(b.Destroy)
	return b.(*buffer)
}

// newHeap creates a descriptor heap or fails the test.
func newHeap(t *testing.T, typ driver.DescriptorHeapType, n int) *descHeap {
	t.Helper()
	h, err := tGPU.NewDescriptorHeap(typ, n)
	if err != nil {
		t.Fatalf("tGPU.NewDescriptorHeap:\nhave %v\nwant nil", err)
	}
	t.Cleanup(h.Destroy)
	return h.(*descHeap)
}

// spirv returns a SPIR-V module made of a minimal header
// followed by words.
func spirv(words ...uint32) []byte {
	hdr := []uint32{spirvMagic, 0x00010500, 0, 1, 0}
	b := make([]byte, 0, 4*(len(hdr)+len(words)))
	for _, w := range append(hdr, words...) {
		b = binary.LittleEndian.AppendUint32(b, w)
	}
	return b
}
