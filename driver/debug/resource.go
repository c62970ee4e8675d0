// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package debug

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/bitvec"
)

// usageString returns the names of the flags set in u.
func usageString(u driver.Usage) string {
	var s []string
	for _, x := range [...]struct {
		u    driver.Usage
		name string
	}{
		{driver.UVertexBuffer, "UVertexBuffer"},
		{driver.UIndexBuffer, "UIndexBuffer"},
		{driver.UConstantBuffer, "UConstantBuffer"},
		{driver.UShaderResource, "UShaderResource"},
		{driver.UUnorderedAccess, "UUnorderedAccess"},
		{driver.UIndirect, "UIndirect"},
		{driver.UCopySource, "UCopySource"},
		{driver.UCopyDest, "UCopyDest"},
	} {
		if u&x.u != 0 {
			s = append(s, x.name)
		}
	}
	if len(s) == 0 {
		return "0"
	}
	return strings.Join(s, "|")
}

// Usages that host-visible heaps do not support.
const (
	uploadInvalid   = driver.UGeneric &^ driver.UCopySource
	readbackInvalid = driver.UGeneric &^ driver.UCopyDest
)

// buffer implements driver.Buffer.
type buffer struct {
	driver.Buffer
	g *GPU
	h handle
}

// NewBuffer implements driver.GPU.
// Upload buffers can only be copy sources and readback
// buffers can only be copy destinations.
func (g *GPU) NewBuffer(desc *driver.BufferDesc) (driver.Buffer, error) {
	const op = "NewBuffer"
	switch {
	case desc.Heap == driver.HeapUpload && desc.Usage&uploadInvalid != 0:
		v := g.violate(op, "usage %s not valid for %s heap", usageString(desc.Usage&uploadInvalid), desc.Heap)
		return nil, fmt.Errorf("%w: %w", driver.ErrResourceCreation, v)
	case desc.Heap == driver.HeapReadback && desc.Usage&readbackInvalid != 0:
		v := g.violate(op, "usage %s not valid for %s heap", usageString(desc.Usage&readbackInvalid), desc.Heap)
		return nil, fmt.Errorf("%w: %w", driver.ErrResourceCreation, v)
	}
	b, err := g.gpu.NewBuffer(desc)
	if err != nil {
		return nil, err
	}
	return &buffer{b, g, g.track(bufferMeta{desc.Heap, desc.Usage})}, nil
}

// Destroy implements driver.Destroyer.
func (b *buffer) Destroy() {
	if b.g.untrack(b.h) {
		b.Buffer.Destroy()
	}
}

// buffer unwraps b.
// Nil buffers unwrap to nil.
func (g *GPU) buffer(op string, b driver.Buffer) (driver.Buffer, *bufferMeta, bool) {
	if b == nil {
		return nil, nil, true
	}
	x, ok := b.(*buffer)
	if !ok || x.g != g {
		g.violate(op, "buffer not created by this GPU")
		return nil, nil, false
	}
	m, ok := g.get(x.h)
	if !ok {
		g.violate(op, "use of destroyed buffer (handle %d)", x.h)
		return nil, nil, false
	}
	bm := m.(bufferMeta)
	return x.Buffer, &bm, true
}

// texture implements driver.Texture.
type texture struct {
	driver.Texture
	g *GPU
	h handle
}

// NewTexture2D implements driver.GPU.
func (g *GPU) NewTexture2D(desc *driver.Texture2DDesc) (driver.Texture, error) {
	t, err := g.gpu.NewTexture2D(desc)
	if err != nil {
		return nil, err
	}
	return &texture{t, g, g.track(textureMeta{desc.Usage})}, nil
}

// NewTexture3D implements driver.GPU.
func (g *GPU) NewTexture3D(desc *driver.Texture3DDesc) (driver.Texture, error) {
	t, err := g.gpu.NewTexture3D(desc)
	if err != nil {
		return nil, err
	}
	return &texture{t, g, g.track(textureMeta{desc.Usage})}, nil
}

// Destroy implements driver.Destroyer.
func (t *texture) Destroy() {
	if t.g.untrack(t.h) {
		t.Texture.Destroy()
	}
}

func (g *GPU) texture(op string, t driver.Texture) (driver.Texture, *textureMeta, bool) {
	x, ok := t.(*texture)
	if !ok || x.g != g {
		g.violate(op, "texture not created by this GPU")
		return nil, nil, false
	}
	m, ok := g.get(x.h)
	if !ok {
		g.violate(op, "use of destroyed texture (handle %d)", x.h)
		return nil, nil, false
	}
	tm := m.(textureMeta)
	return x.Texture, &tm, true
}

// accelStruct implements driver.AccelStruct.
// Acceleration structures are not tracked.
type accelStruct struct {
	driver.AccelStruct
	g         *GPU
	destroyed atomic.Bool
}

// NewAccelStruct implements driver.GPU.
func (g *GPU) NewAccelStruct(desc *driver.AccelStructDesc) (driver.AccelStruct, error) {
	a, err := g.gpu.NewAccelStruct(desc)
	if err != nil {
		return nil, err
	}
	return &accelStruct{AccelStruct: a, g: g}, nil
}

// Destroy implements driver.Destroyer.
func (a *accelStruct) Destroy() {
	if !a.destroyed.Swap(true) {
		a.AccelStruct.Destroy()
	}
}

func (g *GPU) accelStruct(op string, a driver.AccelStruct) (driver.AccelStruct, bool) {
	x, ok := a.(*accelStruct)
	if !ok || x.g != g {
		g.violate(op, "acceleration structure not created by this GPU")
		return nil, false
	}
	if x.destroyed.Load() {
		g.violate(op, "use of destroyed acceleration structure")
		return nil, false
	}
	return x.AccelStruct, true
}

// descHeap implements driver.DescriptorHeap.
type descHeap struct {
	driver.DescriptorHeap
	g *GPU
	h handle
}

// NewDescriptorHeap implements driver.GPU.
func (g *GPU) NewDescriptorHeap(typ driver.DescriptorHeapType, n int) (driver.DescriptorHeap, error) {
	h, err := g.gpu.NewDescriptorHeap(typ, n)
	if err != nil {
		return nil, err
	}
	return &descHeap{h, g, g.track(heapMeta{typ, n, bitvec.New(n)})}, nil
}

// Destroy implements driver.Destroyer.
func (h *descHeap) Destroy() {
	if h.g.untrack(h.h) {
		h.DescriptorHeap.Destroy()
	}
}

func (g *GPU) descHeap(op string, h driver.DescriptorHeap) (*descHeap, bool) {
	x, ok := h.(*descHeap)
	if !ok || x.g != g {
		g.violate(op, "descriptor heap not created by this GPU")
		return nil, false
	}
	if _, ok := g.get(x.h); !ok {
		g.violate(op, "use of destroyed descriptor heap (handle %d)", x.h)
		return nil, false
	}
	return x, true
}

// slot checks that the heap is of type typ and that off
// is in range.
func (h *descHeap) slot(op string, typ driver.DescriptorHeapType, off int) bool {
	m, ok := h.g.get(h.h)
	if !ok {
		h.g.violate(op, "write to destroyed descriptor heap (handle %d)", h.h)
		return false
	}
	hm := m.(heapMeta)
	if hm.typ != typ {
		h.g.violate(op, "write to %s heap", hm.typ)
		return false
	}
	if off < 0 || off >= hm.n {
		h.g.violate(op, "slot %d out of range [0, %d)", off, hm.n)
		return false
	}
	return true
}

// view validates v and returns a copy of it that refers
// to unwrapped resources.
func (h *descHeap) view(op string, v *driver.ViewDesc, u driver.Usage) (*driver.ViewDesc, bool) {
	if !h.slot(op, driver.HeapCBVSRVUAV, v.OffsetInHeap) {
		return nil, false
	}
	x := *v
	n := 0
	if v.Buffer != nil {
		n++
		b, m, ok := h.g.buffer(op, v.Buffer)
		if !ok {
			return nil, false
		}
		if m.usage&u == 0 {
			h.g.violate(op, "buffer usage %s lacks %s", usageString(m.usage), usageString(u))
			return nil, false
		}
		if u != driver.UConstantBuffer && v.Stride == 0 && !v.RawAligned() {
			h.g.violate(op, "raw view [%d, %d) not aligned to %d bytes", v.BufferOffset, v.BufferEnd(), driver.RawViewAlignment)
			return nil, false
		}
		x.Buffer = b
	}
	if v.Texture != nil {
		n++
		if u == driver.UConstantBuffer {
			h.g.violate(op, "constant buffer view of a texture")
			return nil, false
		}
		t, m, ok := h.g.texture(op, v.Texture)
		if !ok {
			return nil, false
		}
		if m.usage&u == 0 {
			h.g.violate(op, "texture usage %s lacks %s", usageString(m.usage), usageString(u))
			return nil, false
		}
		x.Texture = t
	}
	if v.AccelStruct != nil {
		n++
		if u != driver.UShaderResource {
			h.g.violate(op, "acceleration structures can only be viewed as SRVs")
			return nil, false
		}
		a, ok := h.g.accelStruct(op, v.AccelStruct)
		if !ok {
			return nil, false
		}
		x.AccelStruct = a
	}
	if n != 1 {
		h.g.violate(op, "view must refer to exactly one resource, have %d", n)
		return nil, false
	}
	return &x, true
}

// WriteSRV implements driver.DescriptorHeap.
func (h *descHeap) WriteSRV(v *driver.ViewDesc) {
	if x, ok := h.view("WriteSRV", v, driver.UShaderResource); ok {
		h.DescriptorHeap.WriteSRV(x)
		h.g.mark(h.h, v.OffsetInHeap)
	}
}

// WriteUAV implements driver.DescriptorHeap.
func (h *descHeap) WriteUAV(v *driver.ViewDesc) {
	if x, ok := h.view("WriteUAV", v, driver.UUnorderedAccess); ok {
		h.DescriptorHeap.WriteUAV(x)
		h.g.mark(h.h, v.OffsetInHeap)
	}
}

// WriteCBV implements driver.DescriptorHeap.
func (h *descHeap) WriteCBV(v *driver.ViewDesc) {
	if x, ok := h.view("WriteCBV", v, driver.UConstantBuffer); ok {
		h.DescriptorHeap.WriteCBV(x)
		h.g.mark(h.h, v.OffsetInHeap)
	}
}

// WriteSampler implements driver.DescriptorHeap.
func (h *descHeap) WriteSampler(s *driver.SamplerDesc) {
	if h.slot("WriteSampler", driver.HeapSampler, s.OffsetInHeap) {
		h.DescriptorHeap.WriteSampler(s)
		h.g.mark(h.h, s.OffsetInHeap)
	}
}
