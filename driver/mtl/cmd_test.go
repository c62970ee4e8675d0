// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package mtl

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/gpusim"
)

// fillKernel writes the index of every 32-bit word of the
// UAV at register 0 of space 0 into the word.
func fillKernel(inv *gpusim.Invocation) error {
	b, ok := inv.Find(0, 0)
	if !ok || b.Type != driver.UAV {
		return errors.New("no UAV at u0")
	}
	for i := 0; i+4 <= len(b.Data); i += 4 {
		binary.LittleEndian.PutUint32(b.Data[i:], uint32(i/4))
	}
	return nil
}

func uavSignature(t *testing.T) driver.RootSignature {
	t.Helper()
	rs, err := tGPU.NewRootSignature([]driver.DescriptorSpaceDesc{{
		Space:      0,
		RangeDescs: []driver.DescriptorRangeDesc{{Type: driver.UAV, BaseRegisterSlot: 0, DescriptorsCount: 1}},
	}})
	if err != nil {
		t.Fatalf("tGPU.NewRootSignature:\nhave %v\nwant nil", err)
	}
	t.Cleanup(rs.Destroy)
	return rs
}

func TestDispatch(t *testing.T) {
	const entry = "mtlTestDispatch"
	gpusim.RegisterKernel(entry, fillKernel)
	defer gpusim.RegisterKernel(entry, nil)

	rs := uavSignature(t)
	buf := newBuffer(t, 256, driver.HeapDefault, driver.UUnorderedAccess|driver.UCopySource)
	rb := newBuffer(t, 256, driver.HeapReadback, driver.UCopyDest)
	heap := newHeap(t, driver.HeapCBVSRVUAV, 1)
	heap.WriteUAV(&driver.ViewDesc{OffsetInHeap: 0, Buffer: buf, Stride: 4})
	pso, err := tGPU.NewComputePSO(&driver.ComputePSODesc{
		RootSignature: rs,
		Shader:        driver.ShaderCode{Bytecode: WrapMetalLib([]byte("air")), EntryPoint: entry},
	})
	if err != nil {
		t.Fatalf("tGPU.NewComputePSO:\nhave %v\nwant nil", err)
	}
	defer pso.Destroy()

	cl, _ := tGPU.NewCmdList(driver.QueueCompute)
	defer cl.Destroy()
	cl.SetComputePSO(pso)
	cl.SetHeap(heap, nil)
	cl.Dispatch(1, 1, 1)
	cl.CopyBuffer(buf, rb, 0, 0, 256)
	q := tGPU.Queue(driver.QueueCompute)
	if err := q.Submit(cl); !errors.Is(err, driver.ErrSubmission) {
		t.Fatalf("q.Submit(recording):\nhave %v\nwant %v", err, driver.ErrSubmission)
	}
	if err := cl.Close(); err != nil {
		t.Fatalf("cl.Close:\nhave %v\nwant nil", err)
	}
	if err := tGPU.Queue(driver.QueueCopy).Submit(cl); !errors.Is(err, driver.ErrSubmission) {
		t.Fatalf("Submit(copy queue):\nhave %v\nwant %v", err, driver.ErrSubmission)
	}
	if err := q.Submit(cl); err != nil {
		t.Fatalf("q.Submit:\nhave %v\nwant nil", err)
	}
	sem, _ := tGPU.NewSemaphore(0)
	defer sem.Destroy()
	if err := q.SignalSemaphore(sem, 1); err != nil {
		t.Fatalf("q.SignalSemaphore:\nhave %v\nwant nil", err)
	}
	if !sem.WaitFromHost(1, 5*time.Second) {
		t.Fatal("sem.WaitFromHost:\nhave false\nwant true")
	}
	if s := cl.State(); s != driver.Retired {
		t.Fatalf("cl.State:\nhave %s\nwant %s", s, driver.Retired)
	}
	for i := range 64 {
		if x := binary.LittleEndian.Uint32(rb.Bytes()[i*4:]); x != uint32(i) {
			t.Fatalf("rb.Bytes()[%d]:\nhave %d\nwant %d", i*4, x, i)
		}
	}
	if err := cl.Reset(); err != nil {
		t.Fatalf("cl.Reset:\nhave %v\nwant nil", err)
	}
	if s := cl.State(); s != driver.Recording {
		t.Fatalf("cl.State:\nhave %s\nwant %s", s, driver.Recording)
	}
}

func TestCmdBufferOrder(t *testing.T) {
	rs := uavSignature(t)
	heap := newHeap(t, driver.HeapCBVSRVUAV, 1)
	smp := newHeap(t, driver.HeapSampler, 1)
	pso, err := tGPU.NewComputePSO(&driver.ComputePSODesc{
		RootSignature: rs,
		Shader:        driver.ShaderCode{Bytecode: WrapMetalLib([]byte("air")), EntryPoint: "main"},
	})
	if err != nil {
		t.Fatalf("tGPU.NewComputePSO:\nhave %v\nwant nil", err)
	}
	newList := func() driver.CmdList {
		cl, _ := tGPU.NewCmdList(driver.QueueDirect)
		return cl
	}
	cases := []struct {
		name string
		f    func(driver.CmdList)
	}{
		{"SetHeap before SetComputePSO", func(cl driver.CmdList) { cl.SetHeap(heap, nil) }},
		{"Dispatch before SetHeap", func(cl driver.CmdList) { cl.SetComputePSO(pso); cl.Dispatch(1, 1, 1) }},
		{"sampler heap as resource heap", func(cl driver.CmdList) { cl.SetComputePSO(pso); cl.SetHeap(smp, nil) }},
		{"DispatchRays with compute pipeline", func(cl driver.CmdList) {
			cl.SetComputePSO(pso)
			cl.SetHeap(heap, nil)
			cl.DispatchRays(&driver.DispatchRaysDesc{Width: 1})
		}},
		{"recording after Close", func(cl driver.CmdList) { cl.Close(); cl.SetComputePSO(pso) }},
	}
	for _, c := range cases {
		cl := newList()
		if !panics(func() { c.f(cl) }) {
			t.Errorf("%s:\nhave no panic\nwant panic", c.name)
		}
	}
	cl := newList()
	cl.Close()
	if err := cl.Close(); !errors.Is(err, driver.ErrCmdListState) {
		t.Fatalf("cl.Close(closed):\nhave %v\nwant %v", err, driver.ErrCmdListState)
	}
}

func TestNewComputePSO(t *testing.T) {
	rs := uavSignature(t)
	code := WrapMetalLib([]byte("air"))
	cases := []struct {
		name string
		desc driver.ComputePSODesc
	}{
		{"no root signature", driver.ComputePSODesc{Shader: driver.ShaderCode{Bytecode: code, EntryPoint: "main"}}},
		{"no bytecode", driver.ComputePSODesc{RootSignature: rs, Shader: driver.ShaderCode{EntryPoint: "main"}}},
		{"no entry point", driver.ComputePSODesc{RootSignature: rs, Shader: driver.ShaderCode{Bytecode: code}}},
		{"not a library", driver.ComputePSODesc{RootSignature: rs, Shader: driver.ShaderCode{Bytecode: append([]byte{3, 2, 35, 7}, code[4:]...), EntryPoint: "main"}}},
		{"short", driver.ComputePSODesc{RootSignature: rs, Shader: driver.ShaderCode{Bytecode: code[:metallibHeaderSize-1], EntryPoint: "main"}}},
		{"truncated", driver.ComputePSODesc{RootSignature: rs, Shader: driver.ShaderCode{Bytecode: code[:len(code)-1], EntryPoint: "main"}}},
	}
	for _, c := range cases {
		pso, err := tGPU.NewComputePSO(&c.desc)
		var perr *driver.PipelineError
		if !errors.Is(err, driver.ErrPipelineCompile) || !errors.As(err, &perr) || perr.Diag == "" {
			t.Errorf("NewComputePSO(%s):\nhave %v\nwant *driver.PipelineError", c.name, err)
		}
		if pso != nil {
			t.Errorf("NewComputePSO(%s):\nhave %v\nwant nil", c.name, pso)
		}
	}
}

func TestSemaphore(t *testing.T) {
	sem, err := tGPU.NewSemaphore(2)
	if err != nil {
		t.Fatalf("tGPU.NewSemaphore:\nhave %v\nwant nil", err)
	}
	defer sem.Destroy()
	q := tGPU.Queue(driver.QueueDirect)
	for _, v := range [...]uint64{3, 5, 4, 5} {
		if err := q.SignalSemaphore(sem, v); err != nil {
			t.Fatalf("q.SignalSemaphore:\nhave %v\nwant nil", err)
		}
	}
	sem.SignalFromHost(1)
	if !sem.WaitFromHost(5, 5*time.Second) {
		t.Fatal("sem.WaitFromHost(5):\nhave false\nwant true")
	}
	// Pending signals have retired once the queue is idle.
	q.(*queue).q.Idle(-1)
	if v := sem.CompletedValue(); v != 5 {
		t.Fatalf("sem.CompletedValue:\nhave %d\nwant 5", v)
	}
	start := time.Now()
	if !sem.WaitFromHost(4, time.Hour) {
		t.Fatal("sem.WaitFromHost(4):\nhave false\nwant true")
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("sem.WaitFromHost(4): took %v", d)
	}

	other, _ := tGPU.NewSemaphore(0)
	other.Destroy()
	if err := q.SignalSemaphore(other, 1); !errors.Is(err, driver.ErrSubmission) {
		t.Fatalf("q.SignalSemaphore(destroyed):\nhave %v\nwant %v", err, driver.ErrSubmission)
	}
}

func TestSemaphoreTimeout(t *testing.T) {
	sem, _ := tGPU.NewSemaphore(0)
	defer sem.Destroy()
	const timeout = 50 * time.Millisecond
	start := time.Now()
	if sem.WaitFromHost(1, timeout) {
		t.Fatal("sem.WaitFromHost:\nhave true\nwant false")
	}
	if d := time.Since(start); d < timeout || d > 20*timeout {
		t.Fatalf("sem.WaitFromHost: elapsed\nhave %v\nwant ≈%v", d, timeout)
	}
}

func TestQueueWait(t *testing.T) {
	sem, _ := tGPU.NewSemaphore(0)
	defer sem.Destroy()
	done, _ := tGPU.NewSemaphore(0)
	defer done.Destroy()
	q := tGPU.Queue(driver.QueueCopy)
	q.WaitSemaphore(sem, 1)
	q.SignalSemaphore(done, 1)
	if done.WaitFromHost(1, 20*time.Millisecond) {
		t.Fatal("done.WaitFromHost before signal:\nhave true\nwant false")
	}
	sem.SignalFromHost(1)
	if !done.WaitFromHost(1, 5*time.Second) {
		t.Fatal("done.WaitFromHost after signal:\nhave false\nwant true")
	}
}

func TestTopLevelArgumentBuffer(t *testing.T) {
	rs, err := tGPU.NewRootSignature([]driver.DescriptorSpaceDesc{
		{Space: 0, RangeDescs: []driver.DescriptorRangeDesc{{Type: driver.UAV, DescriptorsCount: 1}}},
		{Space: 1, RangeDescs: []driver.DescriptorRangeDesc{{Type: driver.Sampler, DescriptorsCount: 1}}},
		{Space: 2, OffsetInDescriptorsFromTableStart: 1, RangeDescs: []driver.DescriptorRangeDesc{{Type: driver.CBV, DescriptorsCount: 1}}},
	})
	if err != nil {
		t.Fatalf("tGPU.NewRootSignature:\nhave %v\nwant nil", err)
	}
	defer rs.Destroy()
	pso, err := tGPU.NewComputePSO(&driver.ComputePSODesc{
		RootSignature: rs,
		Shader:        driver.ShaderCode{Bytecode: WrapMetalLib([]byte("air")), EntryPoint: "main"},
	})
	if err != nil {
		t.Fatalf("tGPU.NewComputePSO:\nhave %v\nwant nil", err)
	}
	defer pso.Destroy()
	heap := newHeap(t, driver.HeapCBVSRVUAV, 2)
	smp := newHeap(t, driver.HeapSampler, 1)

	x, _ := tGPU.NewCmdList(driver.QueueCompute)
	defer x.Destroy()
	cb := x.(*cmdBuffer)
	cb.SetComputePSO(pso)
	cb.SetHeap(heap, smp)
	cb.SetHeap(heap, smp)
	var vas []uint64
	for _, c := range cb.cmds {
		if c.op == opSetBuffer {
			if c.index != irArgumentBufferBindPoint {
				t.Fatalf("setBuffer index:\nhave %d\nwant %d", c.index, irArgumentBufferBindPoint)
			}
			vas = append(vas, c.va)
		}
	}
	if len(vas) != 2 || vas[0] == vas[1] {
		t.Fatalf("top-level argument buffers:\nhave %#x\nwant two distinct addresses", vas)
	}
	want := []uint64{heap.gpuAddress(), smp.gpuAddress(), heap.gpuAddress()}
	for _, va := range vas {
		b, err := tGPU.Device().Resolve(va, int64(len(want)*rootParameterSize))
		if err != nil {
			t.Fatalf("Resolve(%#x):\nhave %v\nwant nil", va, err)
		}
		for i, w := range want {
			if have := binary.LittleEndian.Uint64(b[i*rootParameterSize:]); have != w {
				t.Fatalf("top-level argument buffer[%d]:\nhave %#x\nwant %#x", i, have, w)
			}
		}
	}
	if !panics(func() { cb.SetHeap(heap, nil) }) {
		t.Fatal("cb.SetHeap(no sampler heap):\nhave no panic\nwant panic")
	}

	n := tGPU.Device().Allocated()
	cb.Close()
	if err := cb.Reset(); err != nil {
		t.Fatalf("cb.Reset:\nhave %v\nwant nil", err)
	}
	if m := tGPU.Device().Allocated(); m >= n {
		t.Fatalf("Allocated after Reset:\nhave %d\nwant < %d", m, n)
	}
}

func TestDispatchTexture(t *testing.T) {
	const entry = "mtlTestDispatchTexture"
	var tex, cbv []byte
	var smp *driver.SamplerDesc
	gpusim.RegisterKernel(entry, func(inv *gpusim.Invocation) error {
		b, ok := inv.Find(0, 0)
		if !ok || b.Type != driver.SRV {
			return errors.New("no SRV at t0")
		}
		c, ok := inv.Find(0, 1)
		if !ok || c.Type != driver.CBV {
			return errors.New("no CBV at b1")
		}
		s, ok := inv.Find(1, 0)
		if !ok || s.Type != driver.Sampler {
			return errors.New("no sampler at s0, space1")
		}
		tex, cbv, smp = b.Data, c.Data, s.Sampler
		return nil
	})
	defer gpusim.RegisterKernel(entry, nil)

	rs, err := tGPU.NewRootSignature([]driver.DescriptorSpaceDesc{
		{Space: 0, RangeDescs: []driver.DescriptorRangeDesc{
			{Type: driver.SRV, BaseRegisterSlot: 0, DescriptorsCount: 1},
			{Type: driver.CBV, BaseRegisterSlot: 1, DescriptorsCount: 1},
		}},
		{Space: 1, RangeDescs: []driver.DescriptorRangeDesc{{Type: driver.Sampler, DescriptorsCount: 1}}},
	})
	if err != nil {
		t.Fatalf("tGPU.NewRootSignature:\nhave %v\nwant nil", err)
	}
	defer rs.Destroy()
	tx, err := tGPU.NewTexture2D(&driver.Texture2DDesc{
		Width:     4,
		Height:    4,
		MipLevels: 1,
		Format:    gputypes.TextureFormatR8Unorm,
		Usage:     driver.UShaderResource,
	})
	if err != nil {
		t.Fatalf("tGPU.NewTexture2D:\nhave %v\nwant nil", err)
	}
	defer tx.Destroy()
	buf := newBuffer(t, 512, driver.HeapUpload, driver.UConstantBuffer)
	heap := newHeap(t, driver.HeapCBVSRVUAV, 2)
	heap.WriteSRV(&driver.ViewDesc{OffsetInHeap: 0, Texture: tx})
	heap.WriteCBV(&driver.ViewDesc{OffsetInHeap: 1, Buffer: buf, Size: 256})
	sh := newHeap(t, driver.HeapSampler, 1)
	sh.WriteSampler(&driver.SamplerDesc{Min: driver.FLinear, MaxAniso: 1, MaxLOD: 4})
	pso, err := tGPU.NewComputePSO(&driver.ComputePSODesc{
		RootSignature: rs,
		Shader:        driver.ShaderCode{Bytecode: WrapMetalLib(nil), EntryPoint: entry},
	})
	if err != nil {
		t.Fatalf("tGPU.NewComputePSO:\nhave %v\nwant nil", err)
	}
	defer pso.Destroy()

	cl, _ := tGPU.NewCmdList(driver.QueueDirect)
	defer cl.Destroy()
	cl.SetComputePSO(pso)
	cl.SetHeap(heap, sh)
	cl.Dispatch(1, 1, 1)
	cl.Close()
	q := tGPU.Queue(driver.QueueDirect)
	if err := q.Submit(cl); err != nil {
		t.Fatalf("q.Submit:\nhave %v\nwant nil", err)
	}
	sem, _ := tGPU.NewSemaphore(0)
	defer sem.Destroy()
	q.SignalSemaphore(sem, 1)
	if !sem.WaitFromHost(1, 5*time.Second) {
		t.Fatal("sem.WaitFromHost:\nhave false\nwant true")
	}
	if len(tex) < 16 {
		t.Fatalf("texture data:\nhave %d bytes\nwant at least 16", len(tex))
	}
	if len(cbv) != 256 {
		t.Fatalf("CBV data:\nhave %d bytes\nwant 256", len(cbv))
	}
	want := driver.SamplerDesc{Min: driver.FLinear, MaxAniso: 1, MaxLOD: 4}
	if smp == nil || *smp != want {
		t.Fatalf("sampler:\nhave %+v\nwant %+v", smp, want)
	}
}
