// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package mtl

import (
	"encoding/binary"
	"fmt"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/gpusim"
)

const (
	// sizeof(IRShaderIdentifier).
	shaderIdentifierSize = 32
	// Shader records are aligned as in D3D12.
	shaderRecordStride = 64
	maxRecursion       = 31
)

var metallibMagic = [4]byte{'M', 'T', 'L', 'B'}

// Metal library header:
//
//	magic            [4]u8
//	targetPlatform   u16
//	version          u16, u16
//	libraryType      u8
//	targetOS         u8
//	osVersion        u16, u16
//	fileSize         u64
const metallibHeaderSize = 24

// WrapMetalLib prepends a Metal library header to code.
func WrapMetalLib(code []byte) []byte {
	b := make([]byte, metallibHeaderSize, metallibHeaderSize+len(code))
	copy(b, metallibMagic[:])
	binary.LittleEndian.PutUint16(b[6:], 2)
	binary.LittleEndian.PutUint64(b[16:], uint64(metallibHeaderSize+len(code)))
	return append(b, code...)
}

// checkLibrary checks that b is a Metal library.
func checkLibrary(b []byte) string {
	switch {
	case len(b) == 0:
		return "empty bytecode"
	case len(b) < metallibHeaderSize:
		return fmt.Sprintf("invalid library size %d", len(b))
	case [4]byte(b) != metallibMagic:
		return fmt.Sprintf("invalid library magic %q", b[:4])
	}
	if n := binary.LittleEndian.Uint64(b[16:]); n != uint64(len(b)) {
		return fmt.Sprintf("library file size is %d, have %d bytes", n, len(b))
	}
	return ""
}

func pipelineErr(format string, a ...any) error {
	return &driver.PipelineError{API: driver.Metal, Diag: fmt.Sprintf(format, a...)}
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

// library is a MTLLibrary.
type library struct {
	code []byte
}

// computePSO implements driver.ComputePSO.
// It is a MTLComputePipelineState.
type computePSO struct {
	g     *GPU
	rs    *rootSignature
	lib   *library
	entry string
}

// NewComputePSO creates a new compute pipeline.
func (g *GPU) NewComputePSO(desc *driver.ComputePSODesc) (driver.ComputePSO, error) {
	rs, err := g.rootSig(desc.RootSignature)
	if err != nil {
		return nil, err
	}
	if diag := checkLibrary(desc.Shader.Bytecode); diag != "" {
		return nil, pipelineErr("kernel function: %s", diag)
	}
	if desc.Shader.EntryPoint == "" {
		return nil, pipelineErr("kernel function: missing function name")
	}
	return &computePSO{
		g:     g,
		rs:    rs,
		lib:   &library{desc.Shader.Bytecode},
		entry: desc.Shader.EntryPoint,
	}, nil
}

// RootSignature implements driver.ComputePSO.
func (p *computePSO) RootSignature() driver.RootSignature { return p.rs }

// Destroy implements driver.Destroyer.
func (p *computePSO) Destroy() { *p = computePSO{} }

// rtPSO implements driver.RTPSO.
// Exports are entries of a visible function table and hit
// groups are entries of an intersection function table.
type rtPSO struct {
	g       *GPU
	rs      *rootSignature
	prog    *driver.RTProgram
	libs    []*library
	visible []string
	ids     map[string]gpusim.Identifier
	depth   int
}

var irTag = [4]byte{'M', 'T', 'I', 'R'}

// NewRTPSO creates a new ray tracing pipeline.
func (g *GPU) NewRTPSO(desc *driver.RTPSODesc) (driver.RTPSO, error) {
	rs, err := g.rootSig(desc.RootSignature)
	if err != nil {
		return nil, err
	}
	if desc.MaxRecursion < 0 || desc.MaxRecursion > maxRecursion {
		return nil, pipelineErr("invalid max recursion depth %d", desc.MaxRecursion)
	}
	libs := make([]*library, len(desc.Libraries))
	for i := range desc.Libraries {
		if diag := checkLibrary(desc.Libraries[i].Bytecode); diag != "" {
			return nil, pipelineErr("library %d: %s", i, diag)
		}
		libs[i] = &library{desc.Libraries[i].Bytecode}
	}
	prog, err := driver.NewRTProgram(desc)
	if err != nil {
		return nil, pipelineErr("%v", err)
	}
	p := &rtPSO{
		g:       g,
		rs:      rs,
		prog:    prog,
		libs:    libs,
		visible: prog.Exports,
		ids:     make(map[string]gpusim.Identifier, len(prog.Exports)+len(prog.HitGroups)),
		depth:   desc.MaxRecursion,
	}
	name := func(id string) string {
		for i := range prog.Exports {
			if driver.ShaderID(i) == id {
				return prog.Exports[i]
			}
		}
		return ""
	}
	for i, e := range prog.Exports {
		p.ids[driver.ShaderID(i)] = g.dev.NewShaderGroup(irTag, gpusim.ShaderGroup{General: e})
	}
	for i, hg := range prog.HitGroups {
		p.ids[driver.HitGroupID(i)] = g.dev.NewShaderGroup(irTag, gpusim.ShaderGroup{
			ClosestHit:   name(hg.ClosestHit),
			AnyHit:       name(hg.AnyHit),
			Intersection: name(hg.Intersection),
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
func (p *rtPSO) RecordStride() int { return shaderRecordStride }

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
	driver.LayShaderTable(dst, p.prog.Table, shaderRecordStride, p.ShaderIdentifier)
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
