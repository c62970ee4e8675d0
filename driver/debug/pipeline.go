// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package debug

import (
	"github.com/gviegas/rhino/driver"
)

// rootSignature implements driver.RootSignature.
type rootSignature struct {
	driver.RootSignature
	g *GPU
	h handle
}

// NewRootSignature implements driver.GPU.
// Invalid layouts are violations.
func (g *GPU) NewRootSignature(spaces []driver.DescriptorSpaceDesc) (driver.RootSignature, error) {
	if err := driver.ValidateLayout(spaces); err != nil {
		g.violate("NewRootSignature", "%v", err)
	}
	rs, err := g.gpu.NewRootSignature(spaces)
	if err != nil {
		return nil, err
	}
	return &rootSignature{rs, g, g.track(rootSigMeta{rs.Layout()})}, nil
}

// Destroy implements driver.Destroyer.
// Pipelines created from the root signature must be
// destroyed first.
func (r *rootSignature) Destroy() {
	g := r.g
	g.mu.Lock()
	n := 0
	for _, m := range g.live {
		switch m := m.(type) {
		case computeMeta:
			if m.rs == r.h {
				n++
			}
		case rtMeta:
			if m.rs == r.h {
				n++
			}
		}
	}
	g.mu.Unlock()
	if n > 0 {
		g.log.WithField("handle", r.h).Warnf("root signature destroyed before %d pipeline(s)", n)
	}
	if g.untrack(r.h) {
		r.RootSignature.Destroy()
	}
}

func (g *GPU) rootSig(op string, rs driver.RootSignature) (*rootSignature, bool) {
	if rs == nil {
		return nil, true
	}
	x, ok := rs.(*rootSignature)
	if !ok || x.g != g {
		g.violate(op, "root signature not created by this GPU")
		return nil, false
	}
	if _, ok := g.get(x.h); !ok {
		g.violate(op, "use of destroyed root signature (handle %d)", x.h)
		return nil, false
	}
	return x, true
}

// inner returns the wrapped root signature, or nil.
func (r *rootSignature) inner() driver.RootSignature {
	if r == nil {
		return nil
	}
	return r.RootSignature
}

// computePSO implements driver.ComputePSO.
type computePSO struct {
	driver.ComputePSO
	rs *rootSignature
	h  handle
}

// NewComputePSO implements driver.GPU.
func (g *GPU) NewComputePSO(desc *driver.ComputePSODesc) (driver.ComputePSO, error) {
	rs, ok := g.rootSig("NewComputePSO", desc.RootSignature)
	if !ok {
		return nil, &driver.PipelineError{API: g.drv.API(), Diag: "invalid root signature"}
	}
	d := *desc
	d.RootSignature = rs.inner()
	p, err := g.gpu.NewComputePSO(&d)
	if err != nil {
		return nil, err
	}
	return &computePSO{p, rs, g.track(computeMeta{rs.h})}, nil
}

// RootSignature implements driver.ComputePSO.
func (p *computePSO) RootSignature() driver.RootSignature { return p.rs }

// Destroy implements driver.Destroyer.
func (p *computePSO) Destroy() {
	if p.rs.g.untrack(p.h) {
		p.ComputePSO.Destroy()
	}
}

// rtPSO implements driver.RTPSO.
type rtPSO struct {
	driver.RTPSO
	rs *rootSignature
	h  handle
}

// NewRTPSO implements driver.GPU.
func (g *GPU) NewRTPSO(desc *driver.RTPSODesc) (driver.RTPSO, error) {
	rs, ok := g.rootSig("NewRTPSO", desc.RootSignature)
	if !ok {
		return nil, &driver.PipelineError{API: g.drv.API(), Diag: "invalid root signature"}
	}
	d := *desc
	d.RootSignature = rs.inner()
	p, err := g.gpu.NewRTPSO(&d)
	if err != nil {
		return nil, err
	}
	return &rtPSO{p, rs, g.track(rtMeta{rs.h})}, nil
}

// RootSignature implements driver.RTPSO.
func (p *rtPSO) RootSignature() driver.RootSignature { return p.rs }

// Destroy implements driver.Destroyer.
func (p *rtPSO) Destroy() {
	if p.rs.g.untrack(p.h) {
		p.RTPSO.Destroy()
	}
}

// pso unwraps a compute or ray tracing pipeline.
func (g *GPU) pso(op string, p any) (*rootSignature, bool) {
	var rs *rootSignature
	var h handle
	switch x := p.(type) {
	case *computePSO:
		if x != nil {
			rs, h = x.rs, x.h
		}
	case *rtPSO:
		if x != nil {
			rs, h = x.rs, x.h
		}
	}
	if rs == nil || rs.g != g {
		g.violate(op, "pipeline not created by this GPU")
		return nil, false
	}
	if _, ok := g.get(h); !ok {
		g.violate(op, "use of destroyed pipeline (handle %d)", h)
		return nil, false
	}
	return rs, true
}
