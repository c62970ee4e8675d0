// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package debug

import (
	"fmt"
	"time"

	"github.com/gviegas/rhino/driver"
)

// cmdList implements driver.CmdList.
type cmdList struct {
	driver.CmdList
	g   *GPU
	typ driver.QueueType

	// Current pipeline state.
	layout *driver.Layout
	rt     bool
	bound  bool
	res    *descHeap
	smp    *descHeap
}

// NewCmdList implements driver.GPU.
func (g *GPU) NewCmdList(q driver.QueueType) (driver.CmdList, error) {
	cl, err := g.gpu.NewCmdList(q)
	if err != nil {
		return nil, err
	}
	return &cmdList{CmdList: cl, g: g, typ: q}, nil
}

// recording checks that the command list can record
// commands.
func (cl *cmdList) recording(op string) bool {
	if s := cl.CmdList.State(); s != driver.Recording {
		cl.g.violate(op, "command list is %s", s)
		return false
	}
	return true
}

// SetComputePSO implements driver.CmdList.
func (cl *cmdList) SetComputePSO(pso driver.ComputePSO) {
	const op = "SetComputePSO"
	if !cl.recording(op) {
		return
	}
	p, _ := pso.(*computePSO)
	rs, ok := cl.g.pso(op, p)
	if !ok {
		return
	}
	cl.layout, cl.rt, cl.bound = rs.Layout(), false, false
	cl.CmdList.SetComputePSO(p.ComputePSO)
}

// SetRTPSO implements driver.CmdList.
func (cl *cmdList) SetRTPSO(pso driver.RTPSO) {
	const op = "SetRTPSO"
	if !cl.recording(op) {
		return
	}
	p, _ := pso.(*rtPSO)
	rs, ok := cl.g.pso(op, p)
	if !ok {
		return
	}
	if cl.typ == driver.QueueCopy {
		cl.g.violate(op, "ray tracing on a %s queue", cl.typ)
		return
	}
	cl.layout, cl.rt, cl.bound = rs.Layout(), true, false
	cl.CmdList.SetRTPSO(p.RTPSO)
}

// SetHeap implements driver.CmdList.
func (cl *cmdList) SetHeap(cbvSrvUav, samplers driver.DescriptorHeap) {
	const op = "SetHeap"
	if !cl.recording(op) {
		return
	}
	if cl.layout == nil {
		cl.g.violate(op, "no pipeline set")
		return
	}
	var res, smp *descHeap
	var ok bool
	if cbvSrvUav != nil {
		if res, ok = cl.g.descHeap(op, cbvSrvUav); !ok {
			return
		}
		if t := res.Type(); t != driver.HeapCBVSRVUAV {
			cl.g.violate(op, "%s heap bound as %s heap", t, driver.HeapCBVSRVUAV)
			return
		}
	}
	if samplers != nil {
		if smp, ok = cl.g.descHeap(op, samplers); !ok {
			return
		}
		if t := smp.Type(); t != driver.HeapSampler {
			cl.g.violate(op, "%s heap bound as %s heap", t, driver.HeapSampler)
			return
		}
	}
	for i := range cl.layout.Len() {
		if cl.layout.IsSampler(i) && smp == nil {
			cl.g.violate(op, "space %d requires a sampler heap", cl.layout.SpaceIndex(i))
			return
		}
		if !cl.layout.IsSampler(i) && res == nil {
			cl.g.violate(op, "space %d requires a %s heap", cl.layout.SpaceIndex(i), driver.HeapCBVSRVUAV)
			return
		}
	}
	cl.res, cl.smp, cl.bound = res, smp, true
	var r, s driver.DescriptorHeap
	if res != nil {
		r = res.DescriptorHeap
	}
	if smp != nil {
		s = smp.DescriptorHeap
	}
	cl.CmdList.SetHeap(r, s)
}

// dispatch checks the state for a dispatch and that
// every slot that the layout reads was written.
func (cl *cmdList) dispatch(op string, rt bool) bool {
	if !cl.recording(op) {
		return false
	}
	switch {
	case cl.layout == nil:
		cl.g.violate(op, "no pipeline set")
		return false
	case cl.rt != rt:
		cl.g.violate(op, "pipeline type mismatch")
		return false
	case !cl.bound && cl.layout.Len() > 0:
		cl.g.violate(op, "dispatch before SetHeap")
		return false
	}
	ok := true
	cl.layout.Each(func(space int, typ driver.RangeType, reg, slot int) {
		if !ok {
			return
		}
		h := cl.res
		if typ == driver.Sampler {
			h = cl.smp
		}
		if !cl.g.written(h.h, slot) {
			cl.g.violate(op, "space %d, %s register %d: heap slot %d was never written", space, typ, reg, slot)
			ok = false
		}
	})
	return ok
}

// Dispatch implements driver.CmdList.
func (cl *cmdList) Dispatch(grpCountX, grpCountY, grpCountZ int) {
	if cl.dispatch("Dispatch", false) {
		cl.CmdList.Dispatch(grpCountX, grpCountY, grpCountZ)
	}
}

// DispatchRays implements driver.CmdList.
func (cl *cmdList) DispatchRays(desc *driver.DispatchRaysDesc) {
	const op = "DispatchRays"
	if !cl.dispatch(op, true) {
		return
	}
	d := *desc
	for _, r := range [...]*driver.ShaderTableRegion{&d.RayGen, &d.Miss, &d.HitGroup} {
		b, _, ok := cl.g.buffer(op, r.Buffer)
		if !ok {
			return
		}
		r.Buffer = b
	}
	cl.CmdList.DispatchRays(&d)
}

// CopyBuffer implements driver.CmdList.
func (cl *cmdList) CopyBuffer(src, dst driver.Buffer, srcOff, dstOff, size int64) {
	const op = "CopyBuffer"
	if !cl.recording(op) {
		return
	}
	s, sm, ok := cl.g.buffer(op, src)
	if !ok {
		return
	}
	d, dm, ok := cl.g.buffer(op, dst)
	if !ok {
		return
	}
	switch {
	case s == nil || d == nil:
		cl.g.violate(op, "nil buffer")
		return
	case sm.usage&driver.UCopySource == 0:
		cl.g.violate(op, "source usage %s lacks UCopySource", usageString(sm.usage))
		return
	case dm.usage&driver.UCopyDest == 0:
		cl.g.violate(op, "destination usage %s lacks UCopyDest", usageString(dm.usage))
		return
	}
	cl.CmdList.CopyBuffer(s, d, srcOff, dstOff, size)
}

// BuildBLAS implements driver.CmdList.
func (cl *cmdList) BuildBLAS(b *driver.BLASBuild) {
	const op = "BuildBLAS"
	if !cl.recording(op) {
		return
	}
	x := *b
	var ok bool
	if x.Dst, ok = cl.g.accelStruct(op, b.Dst); !ok {
		return
	}
	if x.Vertices, _, ok = cl.g.buffer(op, b.Vertices); !ok {
		return
	}
	if x.Indices, _, ok = cl.g.buffer(op, b.Indices); !ok {
		return
	}
	cl.CmdList.BuildBLAS(&x)
}

// BuildTLAS implements driver.CmdList.
func (cl *cmdList) BuildTLAS(b *driver.TLASBuild) {
	const op = "BuildTLAS"
	if !cl.recording(op) {
		return
	}
	x := driver.TLASBuild{Instances: make([]driver.Instance, len(b.Instances))}
	var ok bool
	if x.Dst, ok = cl.g.accelStruct(op, b.Dst); !ok {
		return
	}
	for i, inst := range b.Instances {
		if inst.BLAS, ok = cl.g.accelStruct(op, inst.BLAS); !ok {
			return
		}
		x.Instances[i] = inst
	}
	cl.CmdList.BuildTLAS(&x)
}

// Reset implements driver.CmdList.
func (cl *cmdList) Reset() error {
	if err := cl.CmdList.Reset(); err != nil {
		return err
	}
	cl.layout, cl.rt, cl.bound, cl.res, cl.smp = nil, false, false, nil, nil
	return nil
}

// queue implements driver.Queue.
type queue struct {
	driver.Queue
	g *GPU
}

// Submit implements driver.Queue.
func (q *queue) Submit(cl ...driver.CmdList) error {
	const op = "Submit"
	x := make([]driver.CmdList, len(cl))
	for i := range cl {
		c, ok := cl[i].(*cmdList)
		if !ok || c.g != q.g {
			v := q.g.violate(op, "command list not created by this GPU")
			return fmt.Errorf("%w: %w", driver.ErrSubmission, v)
		}
		if s := c.CmdList.State(); s != driver.Closed {
			v := q.g.violate(op, "command list %d is %s", i, s)
			return fmt.Errorf("%w: %w", driver.ErrSubmission, v)
		}
		x[i] = c.CmdList
	}
	return q.Queue.Submit(x...)
}

// SignalSemaphore implements driver.Queue.
func (q *queue) SignalSemaphore(s driver.Semaphore, value uint64) error {
	x, err := q.g.semaphore("SignalSemaphore", s)
	if err != nil {
		return err
	}
	return q.Queue.SignalSemaphore(x, value)
}

// WaitSemaphore implements driver.Queue.
func (q *queue) WaitSemaphore(s driver.Semaphore, value uint64) error {
	x, err := q.g.semaphore("WaitSemaphore", s)
	if err != nil {
		return err
	}
	return q.Queue.WaitSemaphore(x, value)
}

// semaphore implements driver.Semaphore.
type semaphore struct {
	driver.Semaphore
	g *GPU
}

// NewSemaphore implements driver.GPU.
func (g *GPU) NewSemaphore(initialValue uint64) (driver.Semaphore, error) {
	s, err := g.gpu.NewSemaphore(initialValue)
	if err != nil {
		return nil, err
	}
	return &semaphore{s, g}, nil
}

// WaitFromHost implements driver.Semaphore.
// Long waits are logged.
func (s *semaphore) WaitFromHost(value uint64, timeout time.Duration) bool {
	start := time.Now()
	ok := s.Semaphore.WaitFromHost(value, timeout)
	if d := time.Since(start); d > time.Second {
		s.g.log.WithField("value", value).Warnf("host wait took %v", d)
	}
	return ok
}

func (g *GPU) semaphore(op string, s driver.Semaphore) (driver.Semaphore, error) {
	x, ok := s.(*semaphore)
	if !ok || x.g != g {
		v := g.violate(op, "semaphore not created by this GPU")
		return nil, fmt.Errorf("%w: %w", driver.ErrSubmission, v)
	}
	return x.Semaphore, nil
}
