// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package mtl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/gpusim"
)

func TestNewDescriptorHeap(t *testing.T) {
	cases := []struct {
		typ    driver.DescriptorHeapType
		stride int
		host   bool
	}{
		{driver.HeapCBVSRVUAV, entrySize, false},
		{driver.HeapSampler, entrySize, false},
		{driver.HeapRTV, attachmentEntrySize, true},
		{driver.HeapDSV, attachmentEntrySize, true},
	}
	for _, c := range cases {
		h := newHeap(t, c.typ, 16)
		if h.Type() != c.typ || h.Len() != 16 || h.Stride() != c.stride {
			t.Errorf("NewDescriptorHeap(%s):\nhave %s, %d, %d\nwant %s, 16, %d", c.typ, h.Type(), h.Len(), h.Stride(), c.typ, c.stride)
		}
		if (h.host != nil) != c.host || (h.mem == nil) != c.host {
			t.Errorf("NewDescriptorHeap(%s): host storage\nhave %t\nwant %t", c.typ, h.host != nil, c.host)
		}
	}
	for _, n := range [...]int{0, -1, maxSamplerEntries + 1} {
		if _, err := tGPU.NewDescriptorHeap(driver.HeapSampler, n); !errors.Is(err, driver.ErrResourceCreation) {
			t.Errorf("NewDescriptorHeap(%d):\nhave %v\nwant %v", n, err, driver.ErrResourceCreation)
		}
	}
}

func TestWriteView(t *testing.T) {
	buf := newBuffer(t, 1024, driver.HeapDefault, driver.UShaderResource|driver.UUnorderedAccess|driver.UConstantBuffer)
	h := newHeap(t, driver.HeapCBVSRVUAV, 4)
	le := binary.LittleEndian
	dev := tGPU.Device()

	v := &driver.ViewDesc{OffsetInHeap: 1, Buffer: buf, BufferOffset: 64, Size: 512, Stride: 16}
	h.WriteUAV(v)
	d := bytes.Clone(h.entry("", driver.HeapCBVSRVUAV, 1))
	if va := le.Uint64(d); va != buf.GPUAddress()+64 {
		t.Fatalf("WriteUAV: gpuVA\nhave %#x\nwant %#x", va, buf.GPUAddress()+64)
	}
	if id := le.Uint64(d[8:]); id != 0 {
		t.Fatalf("WriteUAV: textureViewID\nhave %d\nwant 0", id)
	}
	if m := le.Uint64(d[16:]); m != uint64(512-64)|16<<32 {
		t.Fatalf("WriteUAV: metadata\nhave %#x\nwant %#x", m, uint64(512-64)|16<<32)
	}
	data, stride, err := decodeEntry(dev, d)
	if err != nil || len(data) != 512-64 || stride != 16 {
		t.Fatalf("decodeEntry:\nhave %d, %d, %v\nwant %d, 16, nil", len(data), stride, err, 512-64)
	}
	// Writing the same view again must not change anything.
	mem := bytes.Clone(h.mem.Data)
	h.WriteUAV(v)
	if !bytes.Equal(mem, h.mem.Data) {
		t.Fatal("WriteUAV: second write changed the heap")
	}

	// Raw views span the rest of the buffer.
	h.WriteSRV(&driver.ViewDesc{OffsetInHeap: 0, Buffer: buf, BufferOffset: 16})
	if m := le.Uint64(h.entry("", driver.HeapCBVSRVUAV, 0)[16:]); m != 1024-16 {
		t.Fatalf("WriteSRV(raw): metadata\nhave %#x\nwant %#x", m, 1024-16)
	}

	h.WriteCBV(&driver.ViewDesc{OffsetInHeap: 3, Buffer: buf, BufferOffset: 256, Size: 512})
	if m := le.Uint64(h.entry("", driver.HeapCBVSRVUAV, 3)[16:]); m != 256 {
		t.Fatalf("WriteCBV: metadata\nhave %d\nwant 256", m)
	}

	tx, err := tGPU.NewTexture2D(&driver.Texture2DDesc{
		Width:     8,
		Height:    8,
		MipLevels: 2,
		Format:    gputypes.TextureFormatRGBA8Unorm,
		Usage:     driver.UShaderResource | driver.UUnorderedAccess,
	})
	if err != nil {
		t.Fatalf("tGPU.NewTexture2D:\nhave %v\nwant nil", err)
	}
	h.WriteUAV(&driver.ViewDesc{OffsetInHeap: 2, Texture: tx})
	d = h.entry("", driver.HeapCBVSRVUAV, 2)
	if va, id := le.Uint64(d), le.Uint64(d[8:]); va != 0 || id != tx.(*texture).gpuResourceID() {
		t.Fatalf("WriteUAV(texture): gpuVA, textureViewID\nhave %#x, %d\nwant 0, %d", va, id, tx.(*texture).gpuResourceID())
	}
	if data, _, err := decodeEntry(dev, d); err != nil || len(data) != (64+16)*4 {
		t.Fatalf("decodeEntry(texture):\nhave %d, %v\nwant %d, nil", len(data), err, (64+16)*4)
	}
	tx.Destroy()
	if _, _, err := decodeEntry(dev, d); !errors.Is(err, gpusim.ErrFault) {
		t.Fatalf("decodeEntry(destroyed texture):\nhave %v\nwant %v", err, gpusim.ErrFault)
	}

	if data, _, err := decodeEntry(dev, make([]byte, entrySize)); data != nil || err != nil {
		t.Fatalf("decodeEntry(null):\nhave %v, %v\nwant nil, nil", data, err)
	}
}

func TestWriteSampler(t *testing.T) {
	h := newHeap(t, driver.HeapSampler, 3)
	s := driver.SamplerDesc{
		OffsetInHeap: 0,
		Min:          driver.FLinear,
		Mag:          driver.FNearest,
		AddrU:        driver.AClamp,
		MaxAniso:     16,
		Compare:      true,
		Cmp:          driver.CGreater,
		MaxLOD:       8,
	}
	h.WriteSampler(&s)
	s.OffsetInHeap = 2
	h.WriteSampler(&s)
	le := binary.LittleEndian
	id0, id2 := le.Uint64(h.entry("", driver.HeapSampler, 0)[8:]), le.Uint64(h.entry("", driver.HeapSampler, 2)[8:])
	if id0 == 0 || id0 != id2 {
		t.Fatalf("WriteSampler: sampler states\nhave %d, %d\nwant equal non-zero IDs", id0, id2)
	}
	have, err := tGPU.decodeSampler(h.entry("", driver.HeapSampler, 2))
	want := s
	want.OffsetInHeap = 0
	if err != nil || have == nil || *have != want {
		t.Fatalf("decodeSampler:\nhave %+v, %v\nwant %+v, nil", have, err, want)
	}
	if x, err := tGPU.decodeSampler(h.entry("", driver.HeapSampler, 1)); x != nil || err != nil {
		t.Fatalf("decodeSampler(null):\nhave %v, %v\nwant nil, nil", x, err)
	}

	s.MaxLOD = 4
	s.OffsetInHeap = 1
	h.WriteSampler(&s)
	if id1 := le.Uint64(h.entry("", driver.HeapSampler, 1)[8:]); id1 == id0 {
		t.Fatal("WriteSampler: distinct samplers share a state")
	}
}

func TestWriteViewPanic(t *testing.T) {
	buf := newBuffer(t, 256, driver.HeapDefault, driver.UShaderResource)
	tx, err := tGPU.NewTexture2D(&driver.Texture2DDesc{Width: 4, Height: 4, MipLevels: 1, Format: gputypes.TextureFormatR8Unorm, Usage: driver.UShaderResource})
	if err != nil {
		t.Fatalf("tGPU.NewTexture2D:\nhave %v\nwant nil", err)
	}
	defer tx.Destroy()
	h := newHeap(t, driver.HeapCBVSRVUAV, 1)
	smp := newHeap(t, driver.HeapSampler, 1)
	cases := []struct {
		name string
		f    func()
	}{
		{"slot out of range", func() { h.WriteSRV(&driver.ViewDesc{OffsetInHeap: 1, Buffer: buf}) }},
		{"view out of bounds", func() { h.WriteSRV(&driver.ViewDesc{Buffer: buf, Size: 512}) }},
		{"misaligned raw offset", func() { h.WriteSRV(&driver.ViewDesc{Buffer: buf, BufferOffset: 2, Size: 10}) }},
		{"misaligned raw end", func() { h.WriteSRV(&driver.ViewDesc{Buffer: buf, Size: 10}) }},
		{"no resource", func() { h.WriteSRV(&driver.ViewDesc{}) }},
		{"read-only texture as UAV", func() { h.WriteUAV(&driver.ViewDesc{Texture: tx}) }},
		{"sampler heap", func() { smp.WriteCBV(&driver.ViewDesc{Buffer: buf}) }},
		{"resource heap", func() { h.WriteSampler(&driver.SamplerDesc{}) }},
	}
	for _, c := range cases {
		if !panics(c.f) {
			t.Errorf("%s:\nhave no panic\nwant panic", c.name)
		}
	}
}
