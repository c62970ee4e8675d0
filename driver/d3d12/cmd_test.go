// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package d3d12

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

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
	const entry = "d3d12TestDispatch"
	gpusim.RegisterKernel(entry, fillKernel)
	defer gpusim.RegisterKernel(entry, nil)

	rs := uavSignature(t)
	buf := newBuffer(t, 256, driver.HeapDefault, driver.UUnorderedAccess|driver.UCopySource)
	rb := newBuffer(t, 256, driver.HeapReadback, driver.UCopyDest)
	heap := newHeap(t, driver.HeapCBVSRVUAV, 1)
	heap.WriteUAV(&driver.ViewDesc{OffsetInHeap: 0, Buffer: buf, Stride: 4})
	pso, err := tGPU.NewComputePSO(&driver.ComputePSODesc{
		RootSignature: rs,
		Shader:        driver.ShaderCode{Bytecode: WrapDXIL([]byte("dxil")), EntryPoint: entry},
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

func TestCmdListOrder(t *testing.T) {
	rs := uavSignature(t)
	heap := newHeap(t, driver.HeapCBVSRVUAV, 1)
	smp := newHeap(t, driver.HeapSampler, 1)
	pso, err := tGPU.NewComputePSO(&driver.ComputePSODesc{
		RootSignature: rs,
		Shader:        driver.ShaderCode{Bytecode: WrapDXIL([]byte("dxil")), EntryPoint: "main"},
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
	code := WrapDXIL([]byte("dxil"))
	cases := []struct {
		name string
		desc driver.ComputePSODesc
	}{
		{"no root signature", driver.ComputePSODesc{Shader: driver.ShaderCode{Bytecode: code, EntryPoint: "main"}}},
		{"no bytecode", driver.ComputePSODesc{RootSignature: rs, Shader: driver.ShaderCode{EntryPoint: "main"}}},
		{"no entry point", driver.ComputePSODesc{RootSignature: rs, Shader: driver.ShaderCode{Bytecode: code}}},
		{"not DXBC", driver.ComputePSODesc{RootSignature: rs, Shader: driver.ShaderCode{Bytecode: []byte{3, 2, 35, 7}, EntryPoint: "main"}}},
		{"no DXIL part", driver.ComputePSODesc{RootSignature: rs, Shader: driver.ShaderCode{Bytecode: writeContainer(nil), EntryPoint: "main"}}},
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
