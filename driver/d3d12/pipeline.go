// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package d3d12

import (
	"fmt"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/gpusim"
)

const (
	// D3D12_SHADER_IDENTIFIER_SIZE_IN_BYTES.
	shaderIdentifierSize = 32
	// D3D12_RAYTRACING_SHADER_TABLE_BYTE_ALIGNMENT.
	shaderTableAlignment = 64
	// D3D12_RAYTRACING_MAX_DECLARABLE_TRACE_RECURSION_DEPTH.
	maxRecursion = 31
)

var dxil = [4]byte{'D', 'X', 'I', 'L'}

// WrapDXIL wraps DXIL code in a DXBC container.
func WrapDXIL(il []byte) []byte {
	return writeContainer([]part{{dxil, il}})
}

// checkBytecode checks that b is a DXBC container with a
// DXIL part.
func checkBytecode(b []byte) string {
	if len(b) == 0 {
		return "empty bytecode"
	}
	parts, err := readContainer(b)
	if err != nil {
		return err.Error()
	}
	for _, p := range parts {
		if p.fourCC == dxil {
			return ""
		}
	}
	return "no DXIL part in container"
}

func pipelineErr(format string, a ...any) error {
	return &driver.PipelineError{API: driver.D3D12, Diag: fmt.Sprintf(format, a...)}
}

// rootSig returns rs as a root signature of g.
func (g *GPU) rootSig(rs driver.RootSignature) (*rootSignature, error) {
	if rs == nil {
		return nil, pipelineErr("missing root signature")
	}
	x, ok := rs.(*rootSignature)
	if !ok || x.g != g {
		return nil, pipelineErr("root signature not created by this GPU")
	}
	return x, nil
}

// computePSO implements driver.ComputePSO.
type computePSO struct {
	g     *GPU
	rs    *rootSignature
	code  []byte
	entry string
}

// NewComputePSO creates a new compute pipeline.
func (g *GPU) NewComputePSO(desc *driver.ComputePSODesc) (driver.ComputePSO, error) {
	rs, err := g.rootSig(desc.RootSignature)
	if err != nil {
		return nil, err
	}
	if diag := checkBytecode(desc.Shader.Bytecode); diag != "" {
		return nil, pipelineErr("compute shader: %s", diag)
	}
	if desc.Shader.EntryPoint == "" {
		return nil, pipelineErr("compute shader: missing entry point")
	}
	return &computePSO{
		g:     g,
		rs:    rs,
		code:  desc.Shader.Bytecode,
		entry: desc.Shader.EntryPoint,
	}, nil
}

// RootSignature implements driver.ComputePSO.
func (p *computePSO) RootSignature() driver.RootSignature { return p.rs }

// Destroy implements driver.Destroyer.
func (p *computePSO) Destroy() { *p = computePSO{} }

// rtPSO implements driver.RTPSO.
// It is an ID3D12StateObject of type RAYTRACING_PIPELINE.
type rtPSO struct {
	g     *GPU
	rs    *rootSignature
	prog  *driver.RTProgram
	ids   map[string]gpusim.Identifier
	depth int
}

var stateObjectTag = [4]byte{'D', '3', 'S', 'O'}

// NewRTPSO creates a new ray tracing pipeline.
func (g *GPU) NewRTPSO(desc *driver.RTPSODesc) (driver.RTPSO, error) {
	rs, err := g.rootSig(desc.RootSignature)
	if err != nil {
		return nil, err
	}
	if desc.MaxRecursion < 0 || desc.MaxRecursion > maxRecursion {
		return nil, pipelineErr("invalid max recursion depth %d", desc.MaxRecursion)
	}
	for i := range desc.Libraries {
		if diag := checkBytecode(desc.Libraries[i].Bytecode); diag != "" {
			return nil, pipelineErr("library %d: %s", i, diag)
		}
	}
	prog, err := driver.NewRTProgram(desc)
	if err != nil {
		return nil, pipelineErr("%v", err)
	}
	p := &rtPSO{
		g:     g,
		rs:    rs,
		prog:  prog,
		ids:   make(map[string]gpusim.Identifier),
		depth: desc.MaxRecursion,
	}
	// ID3D12StateObjectProperties::GetShaderIdentifier.
	for i, e := range prog.Exports {
		p.ids[driver.ShaderID(i)] = g.dev.NewShaderGroup(stateObjectTag, gpusim.ShaderGroup{General: e})
	}
	for i, hg := range desc.HitGroups {
		p.ids[driver.HitGroupID(i)] = g.dev.NewShaderGroup(stateObjectTag, gpusim.ShaderGroup{
			ClosestHit:   hg.ClosestHit,
			AnyHit:       hg.AnyHit,
			Intersection: hg.Intersection,
		})
	}
	return p, nil
}

// RootSignature implements driver.RTPSO.
func (p *rtPSO) RootSignature() driver.RootSignature { return p.rs }

// ShaderTable implements driver.RTPSO.
func (p *rtPSO) ShaderTable() []driver.ShaderTableEntry {
	return append([]driver.ShaderTableEntry(nil), p.prog.Table...)
}

// RecordStride implements driver.RTPSO.
func (p *rtPSO) RecordStride() int { return shaderTableAlignment }

// ShaderIdentifier implements driver.RTPSO.
func (p *rtPSO) ShaderIdentifier(id string) ([]byte, bool) {
	x, ok := p.ids[id]
	if !ok {
		return nil, false
	}
	return x[:], true
}

// WriteShaderTable implements driver.RTPSO.
func (p *rtPSO) WriteShaderTable(dst []byte) {
	driver.LayShaderTable(dst, p.prog.Table, shaderTableAlignment, p.ShaderIdentifier)
}

// Destroy implements driver.Destroyer.
func (p *rtPSO) Destroy() {
	if p.g != nil {
		for _, id := range p.ids {
			p.g.dev.FreeShaderGroup(id)
		}
	}
	*p = rtPSO{}
}
